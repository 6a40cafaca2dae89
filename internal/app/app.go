// Package app wires configuration into a runnable loop and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"codeloop/internal/artifact"
	"codeloop/internal/config"
	"codeloop/internal/ledger"
	"codeloop/internal/llm"
	"codeloop/internal/loop"
	"codeloop/internal/metrics"
	"codeloop/internal/project"
	"codeloop/internal/sandbox"
	"codeloop/internal/server"
	"codeloop/internal/synth"
)

const (
	artifactCacheSize = 256
	artifactCacheTTL  = 5 * time.Minute
)

type App struct {
	cfg    *config.Config
	logger *slog.Logger

	llm       llm.LLMClient
	generator loop.Generator
	validator loop.Validator
	executor  loop.Executor
	ledger    ledger.Store
	artifacts artifact.Store
	recorder  *artifact.Recorder
	metrics   *metrics.Metrics
}

type Option func(*App)

// WithLLM replaces the provider client built from config. Middleware is
// still applied.
func WithLLM(client llm.LLMClient) Option {
	return func(a *App) { a.llm = client }
}

// WithExecutor replaces the sandbox built from config.
func WithExecutor(exec loop.Executor) Option {
	return func(a *App) { a.executor = exec }
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New()}
	for _, opt := range opts {
		opt(a)
	}

	if a.llm == nil {
		client, err := newLLM(ctx, cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.llm = client
	}
	a.llm = llm.Wrap(a.llm,
		a.metrics.Middleware(),
		llm.WithLogging(logger.With("component", "llm")),
		llm.RateLimit(cfg.LLM.RPS, cfg.LLM.Burst),
		llm.WithHooks(),
	)

	base := strings.TrimSpace(cfg.Sandbox.BaseImage)
	a.generator = synth.NewGenerator(a.llm, base, cfg.Sandbox.Command)
	v := synth.NewValidator(a.llm, logger.With("component", "validator"))
	v.BaseImage = base
	a.validator = v

	if a.executor == nil {
		exec, err := newExecutor(cfg.Sandbox, logger.With("component", "sandbox"))
		if err != nil {
			_ = a.llm.Close()
			return nil, err
		}
		a.executor = exec
	}

	store, err := ledger.Open(ctx, cfg.Ledger.Target)
	if err != nil {
		_ = a.llm.Close()
		return nil, fmt.Errorf("app: open ledger: %w", err)
	}
	a.ledger = store

	if cfg.Artifact.Enabled {
		origin, err := newArtifactStore(cfg.Artifact, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.artifacts = artifact.NewCachedStore(origin, artifactCacheSize, artifactCacheTTL)
		a.recorder = artifact.NewRecorder(a.artifacts, logger.With("component", "artifact"))
	}
	return a, nil
}

func newLLM(ctx context.Context, cfg config.LLMConfig) (llm.LLMClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return llm.NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "groq":
		return llm.NewGroqClient(cfg.APIKey, cfg.Model)
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.APIKey, cfg.Model)
	case "fake":
		return llm.NewFakeClient(), nil
	default:
		return nil, fmt.Errorf("app: unknown llm provider %q", cfg.Provider)
	}
}

func newExecutor(cfg config.SandboxConfig, logger *slog.Logger) (loop.Executor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "local":
		logger.Warn("local sandbox runs generated code on the host without isolation")
		return sandbox.NewLocalExecutor(cfg.Command, logger), nil
	case "", "docker":
		d := sandbox.NewDockerExecutor(cfg.DockerBinary, cfg.Command, cfg.Network, logger)
		d.KeepImages = cfg.KeepImages
		return d, nil
	default:
		return nil, fmt.Errorf("app: unknown sandbox mode %q", cfg.Mode)
	}
}

func newArtifactStore(cfg config.ArtifactConfig, logger *slog.Logger) (artifact.Store, error) {
	if cfg.CanUseS3() {
		s3, err := artifact.NewS3Store(artifact.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("app: artifact s3 store: %w", err)
		}
		logger.Info("artifact store", "backend", "s3", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
		return s3, nil
	}
	if strings.TrimSpace(cfg.Endpoint) != "" {
		logger.Warn("artifact store: s3 config incomplete, using disk")
	}
	disk, err := artifact.NewDiskStore(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("app: artifact disk store: %w", err)
	}
	logger.Info("artifact store", "backend", "disk", "dir", disk.Dir())
	return disk, nil
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Ledger() ledger.Store       { return a.ledger }
func (a *App) Artifacts() artifact.Store  { return a.artifacts }

// NewLoop builds a loop for one run. Metrics and the artifact recorder are
// always attached; extra observers follow them.
func (a *App) NewLoop(runID string, observers ...loop.Observer) *loop.Loop {
	obs := []loop.Observer{a.metrics}
	if a.recorder != nil {
		obs = append(obs, a.recorder)
	}
	obs = append(obs, observers...)
	return &loop.Loop{
		Generator:     a.generator,
		Executor:      a.executor,
		Validator:     a.validator,
		Ledger:        a.ledger,
		MaxIterations: a.cfg.Loop.MaxIterations,
		StepTimeout:   a.cfg.Loop.StepTimeout,
		Logger:        a.logger.With("component", "loop"),
		Observer:      loop.Observers(obs...),
		RunID:         runID,
	}
}

// tracedLoop is NewLoop with hook attached to every model call of the run.
func (a *App) tracedLoop(runID string, hook llm.CallHook, observers ...loop.Observer) *loop.Loop {
	lp := a.NewLoop(runID, observers...)
	gen, val := lp.Generator, lp.Validator
	lp.Generator = loop.GenerateFunc(func(ctx context.Context, task project.Task) (project.State, error) {
		return gen.Generate(llm.WithHook(ctx, hook), task)
	})
	lp.Validator = loop.ValidateFunc(func(ctx context.Context, state project.State, output, conditions string) (project.Verdict, error) {
		return val.Validate(llm.WithHook(ctx, hook), state, output, conditions)
	})
	return lp
}

// Run executes one task in the foreground.
func (a *App) Run(ctx context.Context, task project.Task, observers ...loop.Observer) (loop.Result, error) {
	return a.NewLoop("", observers...).Run(ctx, task)
}

// Handler builds the HTTP API and the run manager behind it. The caller
// closes the manager.
func (a *App) Handler() (http.Handler, *server.Manager, error) {
	trace, err := server.NewTraceLogger(a.cfg.Server.TraceDir)
	if err != nil {
		return nil, nil, err
	}
	runs, err := server.NewManager(func(runID string, obs loop.Observer) (*loop.Loop, error) {
		return a.tracedLoop(runID, trace, obs, trace), nil
	}, a.cfg.Server.KeepRuns, a.logger.With("component", "runs"))
	if err != nil {
		return nil, nil, err
	}
	mux := server.NewMux(server.Deps{
		Runs:      runs,
		Trace:     trace,
		Ledger:    a.ledger,
		Artifacts: a.artifacts,
		Metrics:   a.metrics.Handler(),
		Logger:    a.logger.With("component", "api"),
	})
	return mux, runs, nil
}

// Serve runs the API until ctx is done, then drains active runs.
func (a *App) Serve(ctx context.Context) error {
	mux, runs, err := a.Handler()
	if err != nil {
		return err
	}
	srv := server.New(a.cfg.Server.Addr, mux, a.logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(err, srv.Shutdown(shutdownCtx), runs.Close(shutdownCtx))
}

func (a *App) Close() error {
	var errs []error
	if a.llm != nil {
		errs = append(errs, a.llm.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	return errors.Join(errs...)
}
