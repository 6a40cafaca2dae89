// Package loop drives the generate, execute, validate and patch cycle.
//
// A run generates a project once, then repeatedly executes it, asks the
// validator for a verdict and merges the proposed patch, until the verdict
// passes or the iteration budget is spent. Every step is sequential; the
// project state is owned by the run and observers only ever see copies.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"codeloop/internal/ledger"
	"codeloop/internal/logging"
	"codeloop/internal/project"
)

const (
	DefaultMaxIterations = 20
	DefaultStepTimeout   = 300 * time.Second

	// MessageBudgetExhausted is the Failed event message of a run that used
	// every iteration without a passing verdict.
	MessageBudgetExhausted = "iteration budget exhausted"
)

var (
	// ErrGenerationFailed wraps any error from the initial generation step.
	ErrGenerationFailed = errors.New("loop: generation failed")
	// ErrStepFailed wraps service errors from execute or validate.
	ErrStepFailed = errors.New("loop: step failed")
)

// Generator produces the initial project for a task.
type Generator interface {
	Generate(ctx context.Context, task project.Task) (project.State, error)
}

// Executor builds and runs a project. A failing build or run is reported
// through ExecutionResult, not as an error.
type Executor interface {
	Execute(ctx context.Context, state project.State) (project.ExecutionResult, error)
}

// Validator judges captured output against the test conditions. It may
// return an error wrapping project.ErrRefused.
type Validator interface {
	Validate(ctx context.Context, state project.State, output, testConditions string) (project.Verdict, error)
}

// Loop holds the collaborators and limits for runs. The zero values of the
// optional fields select defaults.
type Loop struct {
	Generator Generator
	Executor  Executor
	Validator Validator
	// Ledger records changed files per iteration. Nil disables recording.
	Ledger ledger.Ledger

	MaxIterations int
	// StepTimeout bounds each generate, execute and validate call.
	StepTimeout time.Duration

	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
	// RunID is used for events and ledger rows; a fresh ID is generated
	// when empty.
	RunID string
}

// Result is the outcome of a run. Success is false both for a run that
// did not converge and for one that aborted with an error.
type Result struct {
	RunID      string                  `json:"run_id"`
	Success    bool                    `json:"success"`
	Iterations int                     `json:"iterations"`
	State      project.State           `json:"state"`
	LastOutput project.ExecutionResult `json:"last_output"`
}

// Run executes one full run for task.
func (l *Loop) Run(ctx context.Context, task project.Task) (Result, error) {
	if l == nil || l.Generator == nil || l.Executor == nil || l.Validator == nil {
		return Result{}, fmt.Errorf("loop: missing generator, executor or validator")
	}
	budget := l.MaxIterations
	if budget <= 0 {
		budget = DefaultMaxIterations
	}
	runID := l.RunID
	if runID == "" {
		runID = NewRunID(l.now())
	}
	log := l.logger().With("run_id", runID)
	ctx = logging.WithRunID(ctx, runID)
	res := Result{RunID: runID}
	r := &run{loop: l, id: runID, log: log}

	r.emit(Event{Phase: PhaseGenerating})
	if err := ctx.Err(); err != nil {
		return res, r.abort(0, fmt.Errorf("loop: %w", err))
	}
	log.Info("generating project", "max_iterations", budget)
	state, err := r.generate(ctx, task)
	if err == nil {
		err = state.Validate()
	}
	if err != nil {
		return res, r.abort(0, fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}
	res.State = state.Clone()
	log.Info("project generated", "files", len(state.Files))

	for res.Iterations < budget {
		if err := ctx.Err(); err != nil {
			return res, r.abort(res.Iterations, fmt.Errorf("loop: %w", err))
		}
		res.Iterations++
		n := res.Iterations

		r.emit(Event{Phase: PhaseRunning, Iteration: n, State: stateRef(state)})
		out, err := r.execute(ctx, state)
		if err != nil {
			return res, r.abort(n, r.stepErr(ctx, n, "execute", err))
		}
		res.LastOutput = out
		log.Debug("executed", "iteration", n, "exit_code", out.ExitCode, "stage", out.Stage)

		if err := ctx.Err(); err != nil {
			return res, r.abort(n, fmt.Errorf("loop: %w", err))
		}
		r.emit(Event{Phase: PhaseValidating, Iteration: n, Output: out.Output})
		verdict, err := r.validate(ctx, state, out.Output, task.TestConditions)
		switch {
		case errors.Is(err, project.ErrRefused):
			log.Warn("validator refused; treating as not passed", "iteration", n, "err", err)
			verdict = project.Verdict{}
		case err != nil:
			return res, r.abort(n, r.stepErr(ctx, n, "validate", err))
		}
		verdict = verdict.Normalize()

		if verdict.Passed {
			res.Success = true
			log.Info("validation passed", "iteration", n)
			r.emit(Event{Phase: PhaseSucceeded, Iteration: n, Passed: true, State: stateRef(state)})
			return res, nil
		}

		next, changed := project.Apply(state, verdict.Patch)
		state = next
		res.State = state.Clone()
		r.emit(Event{Phase: PhasePatching, Iteration: n, Files: changed})
		log.Info("patch applied", "iteration", n, "changed_files", len(changed),
			"recipe_replaced", verdict.Patch != nil && verdict.Patch.BuildRecipe != "")
		r.record(ctx, n, changed)
	}

	log.Warn(MessageBudgetExhausted, "iterations", res.Iterations)
	r.emit(Event{Phase: PhaseFailed, Iteration: res.Iterations, Message: MessageBudgetExhausted, State: stateRef(state)})
	return res, nil
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) stepTimeout() time.Duration {
	if l.StepTimeout > 0 {
		return l.StepTimeout
	}
	return DefaultStepTimeout
}

// run carries per-run values so Loop itself stays reusable.
type run struct {
	loop *Loop
	id   string
	log  *slog.Logger
}

func (r *run) emit(ev Event) {
	if r.loop.Observer == nil {
		return
	}
	ev.RunID = r.id
	if ev.Time.IsZero() {
		ev.Time = r.loop.now()
	}
	r.loop.Observer.Observe(ev)
}

func (r *run) abort(iteration int, err error) error {
	r.log.Error("run aborted", "iteration", iteration, "err", err)
	r.emit(Event{Phase: PhaseFailed, Iteration: iteration, Message: err.Error()})
	return err
}

// stepErr reports cancellation of the run itself as such; everything else,
// including a step timeout, is a failed step.
func (r *run) stepErr(ctx context.Context, iteration int, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("loop: iteration %d %s: %w", iteration, step, ctx.Err())
	}
	return fmt.Errorf("%w: iteration %d %s: %w", ErrStepFailed, iteration, step, err)
}

func (r *run) generate(ctx context.Context, task project.Task) (project.State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.loop.stepTimeout())
	defer cancel()
	return r.loop.Generator.Generate(ctx, task)
}

func (r *run) execute(ctx context.Context, state project.State) (project.ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.loop.stepTimeout())
	defer cancel()
	return r.loop.Executor.Execute(ctx, state.Clone())
}

func (r *run) validate(ctx context.Context, state project.State, output, conditions string) (project.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.loop.stepTimeout())
	defer cancel()
	return r.loop.Validator.Validate(ctx, state.Clone(), output, conditions)
}

// record appends one ledger row per changed file. Failures are warnings.
func (r *run) record(ctx context.Context, iteration int, changed []string) {
	if r.loop.Ledger == nil || len(changed) == 0 {
		return
	}
	entries := ledger.EntriesFor(r.id, iteration, changed, r.loop.now())
	if err := r.loop.Ledger.Append(ctx, entries...); err != nil {
		r.log.Warn("ledger append failed", "iteration", iteration, "files", len(changed), "err", err)
		r.emit(Event{Phase: PhaseLedgerWarning, Iteration: iteration, Files: changed, Message: err.Error()})
	}
}

func stateRef(s project.State) *project.State {
	c := s.Clone()
	return &c
}
