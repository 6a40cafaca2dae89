package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"codeloop/internal/config"
	"codeloop/internal/logging"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	provider   string
	model      string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalOptions{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "codeloop",
		Short:         "Generate, run and repair a small project until it meets its test conditions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "text or json")
	pf.StringVar(&g.logFile, "log-file", "", "also write JSON logs to this file")
	pf.StringVar(&g.provider, "provider", "", "model provider: openai, gemini, groq or fake")
	pf.StringVar(&g.model, "model", "", "model id")

	root.AddCommand(newRunCmd(g), newLedgerCmd(g), newServeCmd(g))
	return root
}

// load reads config and applies flags that were set explicitly.
func (g *globalOptions) load(cmd *cobra.Command, overrides func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Read(g.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = g.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = g.logFile
	}
	if flags.Changed("provider") {
		cfg.LLM.Provider = g.provider
	}
	if flags.Changed("model") {
		cfg.LLM.Model = g.model
	}
	if overrides != nil {
		overrides(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalOptions) logger(cfg *config.Config) (*slog.Logger, func() error, error) {
	return logging.New(g.stderr, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
}
