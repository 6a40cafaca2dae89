package artifact

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"codeloop/internal/loop"
)

const (
	RecipePath = "Dockerfile"
	ResultPath = "result.json"
	filesDir   = "files/"
)

// Summary is written to result.json when a run ends.
type Summary struct {
	RunID      string    `json:"run_id"`
	Success    bool      `json:"success"`
	Phase      string    `json:"phase"`
	Iterations int       `json:"iterations"`
	Message    string    `json:"message,omitempty"`
	Files      []string  `json:"files"`
	FinishedAt time.Time `json:"finished_at"`
}

// Recorder snapshots the project when a run reaches a terminal phase. It is
// a loop.Observer; write failures are logged and never reach the loop.
type Recorder struct {
	Store   Store
	Logger  *slog.Logger
	Timeout time.Duration
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{Store: store, Logger: logger, Timeout: 30 * time.Second}
}

func (r *Recorder) Observe(ev loop.Event) {
	if r == nil || r.Store == nil || !ev.Phase.Terminal() {
		return
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Snapshot(ctx, ev); err != nil {
		log := r.Logger
		if log == nil {
			log = slog.Default()
		}
		log.Warn("artifact snapshot failed", "run_id", ev.RunID, "err", err)
	}
}

// Snapshot writes the recipe, every file and result.json for ev.
func (r *Recorder) Snapshot(ctx context.Context, ev loop.Event) error {
	sum := Summary{
		RunID:      ev.RunID,
		Success:    ev.Phase == loop.PhaseSucceeded,
		Phase:      string(ev.Phase),
		Iterations: ev.Iteration,
		Message:    ev.Message,
		Files:      []string{},
		FinishedAt: ev.Time.UTC(),
	}
	if ev.State != nil {
		if err := r.Store.Put(ctx, ev.RunID, RecipePath, []byte(ev.State.BuildRecipe)); err != nil {
			return err
		}
		for _, name := range ev.State.FileNames() {
			if err := r.Store.Put(ctx, ev.RunID, filesDir+name, []byte(ev.State.Files[name])); err != nil {
				return err
			}
			sum.Files = append(sum.Files, name)
		}
	}
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	return r.Store.Put(ctx, ev.RunID, ResultPath, b)
}
