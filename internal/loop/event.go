package loop

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"codeloop/internal/project"
)

// Phase names a point in the run's state machine.
type Phase string

const (
	PhaseGenerating Phase = "generating"
	PhaseRunning    Phase = "running"
	PhaseValidating Phase = "validating"
	PhasePatching   Phase = "patching"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
	// PhaseLedgerWarning is not a state; it reports a failed ledger write.
	PhaseLedgerWarning Phase = "ledger_warning"
)

// Terminal reports whether no further events follow p.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Event is emitted at every transition.
type Event struct {
	RunID     string         `json:"run_id"`
	Phase     Phase          `json:"phase"`
	Iteration int            `json:"iteration,omitempty"`
	Time      time.Time      `json:"time"`
	Files     []string       `json:"files,omitempty"`
	Output    string         `json:"output,omitempty"`
	Passed    bool           `json:"passed,omitempty"`
	Message   string         `json:"message,omitempty"`
	State     *project.State `json:"state,omitempty"`
}

// Observer receives events synchronously from the run goroutine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type observers []Observer

func (o observers) Observe(ev Event) {
	for _, obs := range o {
		obs.Observe(ev)
	}
}

// Observers fans events out in order. Nil entries are skipped.
func Observers(list ...Observer) Observer {
	var out observers
	for _, o := range list {
		if o != nil {
			out = append(out, o)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// NewRunID returns "<unix-ms>-codeloop-<8 hex>".
func NewRunID(t time.Time) string {
	return fmt.Sprintf("%d-codeloop-%s", t.UnixMilli(), uuid.NewString()[:8])
}
