package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"codeloop/internal/loop"
	"codeloop/internal/project"
)

// Status of a run as reported over the API.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrInvalidTask = errors.New("task description is required")
	ErrClosed      = errors.New("run manager closed")
)

const (
	defaultFinishedRuns = 256
	subscriberBuffer    = 64
)

// LoopFactory builds the loop for one run. The observer must be attached
// to the returned loop so the manager sees its events.
type LoopFactory func(runID string, observer loop.Observer) (*loop.Loop, error)

type RunInfo struct {
	ID             string     `json:"run_id"`
	Status         Status     `json:"status"`
	Description    string     `json:"description"`
	TestConditions string     `json:"test_conditions"`
	Phase          loop.Phase `json:"phase,omitempty"`
	Iterations     int        `json:"iterations"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	Files          []string   `json:"files,omitempty"`
	LastOutput     string     `json:"last_output,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Manager starts runs in the background and fans their events out to
// watchers. Finished runs are kept in a bounded LRU.
type Manager struct {
	factory LoopFactory
	logger  *slog.Logger
	now     func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	active   map[string]*runEntry
	finished *lru.Cache[string, *runEntry]
}

type runEntry struct {
	mu      sync.Mutex
	info    RunInfo
	history []loop.Event
	subs    map[chan loop.Event]struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func NewManager(factory LoopFactory, keep int, logger *slog.Logger) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("server: loop factory is required")
	}
	if keep <= 0 {
		keep = defaultFinishedRuns
	}
	finished, err := lru.New[string, *runEntry](keep)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		factory:  factory,
		logger:   logger,
		now:      time.Now,
		baseCtx:  ctx,
		stop:     stop,
		active:   map[string]*runEntry{},
		finished: finished,
	}, nil
}

// Start launches a run for task and returns immediately.
func (m *Manager) Start(task project.Task) (RunInfo, error) {
	if strings.TrimSpace(task.Description) == "" {
		return RunInfo{}, ErrInvalidTask
	}
	started := m.now()
	id := loop.NewRunID(started)
	ctx, cancel := context.WithCancel(m.baseCtx)
	e := &runEntry{
		info: RunInfo{
			ID:             id,
			Status:         StatusRunning,
			Description:    task.Description,
			TestConditions: task.TestConditions,
			StartedAt:      started.UTC(),
		},
		subs:   map[chan loop.Event]struct{}{},
		done:   make(chan struct{}),
		cancel: cancel,
	}

	lp, err := m.factory(id, loop.ObserverFunc(e.publish))
	if err != nil {
		cancel()
		return RunInfo{}, fmt.Errorf("server: build loop: %w", err)
	}
	lp.RunID = id

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return RunInfo{}, ErrClosed
	}
	m.active[id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()
		res, err := lp.Run(ctx, task)
		m.finish(e, res, err)
	}()
	m.logger.Info("run started", "run_id", id)
	return e.snapshot(), nil
}

func (m *Manager) finish(e *runEntry, res loop.Result, runErr error) {
	finished := m.now().UTC()

	e.mu.Lock()
	e.info.FinishedAt = &finished
	e.info.Iterations = res.Iterations
	e.info.Success = res.Success
	if res.LastOutput.Output != "" {
		e.info.LastOutput = res.LastOutput.Output
	}
	if len(res.State.Files) > 0 {
		e.info.Files = res.State.FileNames()
	}
	switch {
	case runErr == nil && res.Success:
		e.info.Status = StatusSucceeded
	case runErr == nil:
		e.info.Status = StatusExhausted
	case errors.Is(runErr, context.Canceled):
		e.info.Status = StatusCanceled
		e.info.Error = runErr.Error()
	default:
		e.info.Status = StatusFailed
		e.info.Error = runErr.Error()
	}
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	close(e.done)
	status := e.info.Status
	e.mu.Unlock()

	m.mu.Lock()
	delete(m.active, e.info.ID)
	m.finished.Add(e.info.ID, e)
	m.mu.Unlock()
	m.logger.Info("run finished", "run_id", e.info.ID, "status", status, "iterations", res.Iterations)
}

func (m *Manager) lookup(id string) (*runEntry, bool) {
	id = strings.TrimSpace(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.active[id]; ok {
		return e, true
	}
	return m.finished.Get(id)
}

func (m *Manager) Get(id string) (RunInfo, bool) {
	e, ok := m.lookup(id)
	if !ok {
		return RunInfo{}, false
	}
	return e.snapshot(), true
}

// List returns known runs, newest first.
func (m *Manager) List() []RunInfo {
	m.mu.RLock()
	entries := make([]*runEntry, 0, len(m.active)+m.finished.Len())
	for _, e := range m.active {
		entries = append(entries, e)
	}
	for _, id := range m.finished.Keys() {
		if e, ok := m.finished.Peek(id); ok {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	out := make([]RunInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Cancel stops a running run. Finished runs are left alone.
func (m *Manager) Cancel(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrRunNotFound
	}
	e.cancel()
	return nil
}

// Subscribe returns the events seen so far and a channel of later ones.
// The channel is closed when the run ends; it is already closed for a
// finished run.
func (m *Manager) Subscribe(id string) ([]loop.Event, <-chan loop.Event, func(), error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, nil, nil, ErrRunNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	history := append([]loop.Event(nil), e.history...)
	ch := make(chan loop.Event, subscriberBuffer)
	if e.subs == nil {
		close(ch)
		return history, ch, func() {}, nil
	}
	e.subs[ch] = struct{}{}
	unsubscribe := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
	}
	return history, ch, unsubscribe, nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (RunInfo, error) {
	e, ok := m.lookup(id)
	if !ok {
		return RunInfo{}, ErrRunNotFound
	}
	select {
	case <-e.done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}
}

// Close cancels active runs and waits for them until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *runEntry) publish(ev loop.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, ev)
	e.info.Phase = ev.Phase
	if ev.Iteration > e.info.Iterations {
		e.info.Iterations = ev.Iteration
	}
	if ev.Phase == loop.PhaseValidating {
		e.info.LastOutput = ev.Output
	}
	if ev.State != nil {
		e.info.Files = ev.State.FileNames()
	}
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// slow watcher; it still gets the close at the end
		}
	}
}

func (e *runEntry) snapshot() RunInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	info.Files = append([]string(nil), e.info.Files...)
	return info
}
