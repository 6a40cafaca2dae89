package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"codeloop/internal/app"
	"codeloop/internal/config"
	"codeloop/internal/loop"
	"codeloop/internal/project"
	"codeloop/internal/safeio"
)

type runOptions struct {
	task           string
	taskFile       string
	testConditions string
	testFile       string
	maxIterations  int
	stepTimeout    time.Duration
	sandbox        string
	command        string
	ledger         string
	out            string
	jsonOutput     bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task to completion",
		Long: `Generates a project for the task, then executes and validates it,
applying model patches until the output passes or the iteration budget runs out.
Exit status is 0 on success, 1 when the budget is exhausted and 2 on error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.run(cmd, g)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.task, "task", "t", "", "task description")
	f.StringVar(&o.taskFile, "task-file", "", "read the task description from a file")
	f.StringVar(&o.testConditions, "test-conditions", "", "conditions the output must meet")
	f.StringVar(&o.testFile, "test-file", "", "read the test conditions from a file")
	f.IntVar(&o.maxIterations, "max-iterations", 0, "iteration budget")
	f.DurationVar(&o.stepTimeout, "step-timeout", 0, "timeout per generate, execute or validate call")
	f.StringVar(&o.sandbox, "sandbox", "", "local or docker")
	f.StringVar(&o.command, "command", "", "run command inside the workspace")
	f.StringVar(&o.ledger, "ledger", "", "ledger target (csv path, memory:, postgres://, sqlite://, redis://)")
	f.StringVarP(&o.out, "out", "o", "", "write the final project into this directory")
	f.BoolVar(&o.jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

func (o *runOptions) overrides(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		flags := cmd.Flags()
		if flags.Changed("max-iterations") {
			cfg.Loop.MaxIterations = o.maxIterations
		}
		if flags.Changed("step-timeout") {
			cfg.Loop.StepTimeout = o.stepTimeout
		}
		if flags.Changed("sandbox") {
			cfg.Sandbox.Mode = o.sandbox
		}
		if flags.Changed("command") {
			cfg.Sandbox.Command = o.command
		}
		if flags.Changed("ledger") {
			cfg.Ledger.Target = o.ledger
		}
	}
}

func (o *runOptions) readTask() (project.Task, error) {
	desc, err := textOrFile(o.task, o.taskFile, "task")
	if err != nil {
		return project.Task{}, err
	}
	cond, err := textOrFile(o.testConditions, o.testFile, "test conditions")
	if err != nil {
		return project.Task{}, err
	}
	if strings.TrimSpace(desc) == "" {
		return project.Task{}, errors.New("a task is required (--task or --task-file)")
	}
	return project.Task{Description: desc, TestConditions: cond}, nil
}

func textOrFile(text, path, what string) (string, error) {
	if text != "" && path != "" {
		return "", fmt.Errorf("give the %s inline or as a file, not both", what)
	}
	if path == "" {
		return text, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	return string(b), nil
}

func (o *runOptions) run(cmd *cobra.Command, g *globalOptions) error {
	task, err := o.readTask()
	if err != nil {
		return &exitCodeError{code: exitError, err: err}
	}
	cfg, err := g.load(cmd, o.overrides(cmd))
	if err != nil {
		return &exitCodeError{code: exitError, err: err}
	}
	logger, closeLog, err := g.logger(cfg)
	if err != nil {
		return &exitCodeError{code: exitError, err: err}
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return &exitCodeError{code: exitError, err: err}
	}
	defer a.Close()

	var progress loop.Observer
	if !o.jsonOutput {
		progress = loop.ObserverFunc(func(ev loop.Event) { printEvent(g, ev) })
	}
	res, runErr := a.Run(ctx, task, progress)

	if o.out != "" && len(res.State.Files) > 0 {
		if err := writeProject(o.out, res.State); err != nil {
			return &exitCodeError{code: exitError, err: errors.Join(runErr, err)}
		}
	}
	if runErr != nil {
		return &exitCodeError{code: exitError, err: runErr}
	}

	if o.jsonOutput {
		enc := json.NewEncoder(g.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return &exitCodeError{code: exitError, err: err}
		}
	} else {
		printResult(g, res)
	}
	if !res.Success {
		return &exitCodeError{code: exitExhausted}
	}
	return nil
}

func printEvent(g *globalOptions, ev loop.Event) {
	switch ev.Phase {
	case loop.PhaseGenerating:
		fmt.Fprintf(g.stderr, "run %s: generating project\n", ev.RunID)
	case loop.PhaseRunning:
		fmt.Fprintf(g.stderr, "[%d] running\n", ev.Iteration)
	case loop.PhasePatching:
		fmt.Fprintf(g.stderr, "[%d] patched %s\n", ev.Iteration, strings.Join(ev.Files, ", "))
	case loop.PhaseLedgerWarning:
		fmt.Fprintf(g.stderr, "[%d] ledger: %s\n", ev.Iteration, ev.Message)
	}
}

func printResult(g *globalOptions, res loop.Result) {
	status := "passed"
	if !res.Success {
		status = "did not pass"
	}
	fmt.Fprintf(g.stdout, "run %s %s after %d iteration(s)\n", res.RunID, status, res.Iterations)
	if out := strings.TrimSpace(res.LastOutput.Output); out != "" {
		fmt.Fprintf(g.stdout, "--- last output ---\n%s\n", out)
	}
}

// writeProject stores the recipe as Dockerfile next to the files unless a
// file of that name already exists.
func writeProject(dir string, state project.State) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		return err
	}
	files := make(map[string]string, len(state.Files)+1)
	for name, content := range state.Files {
		files[name] = content
	}
	if _, ok := files["Dockerfile"]; !ok && state.BuildRecipe != "" {
		files["Dockerfile"] = state.BuildRecipe
	}
	return fsys.WriteTree(files)
}
