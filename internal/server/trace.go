package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"codeloop/internal/llm"
	"codeloop/internal/logging"
	"codeloop/internal/loop"
)

var _ llm.CallHook = (*TraceLogger)(nil)

var traceRunIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// TraceEvent is one persisted loop event.
type TraceEvent struct {
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Source    string         `json:"source"`
	Stage     string         `json:"stage"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// TraceLogger persists run-scoped events into one JSONL file per run.
type TraceLogger struct {
	dir string
	mu  sync.Mutex
}

func NewTraceLogger(dir string) (*TraceLogger, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		trimmed = filepath.Join(".codeloop", "run_logs")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return &TraceLogger{dir: trimmed}, nil
}

func sanitizeRunID(runID string) string {
	id := traceRunIDSanitizer.ReplaceAllString(strings.TrimSpace(runID), "_")
	if id == "" {
		return "unknown"
	}
	return id
}

func (l *TraceLogger) filePath(runID string) string {
	return filepath.Join(l.dir, sanitizeRunID(runID)+".jsonl")
}

// Observe implements loop.Observer. Project contents are left out; the
// file names are kept.
func (l *TraceLogger) Observe(ev loop.Event) {
	fields := map[string]any{}
	if ev.Iteration > 0 {
		fields["iteration"] = ev.Iteration
	}
	if len(ev.Files) > 0 {
		fields["files"] = ev.Files
	}
	if ev.Output != "" {
		fields["output"] = ev.Output
	}
	if ev.Phase == loop.PhaseSucceeded {
		fields["passed"] = true
	}
	if ev.Message != "" {
		fields["message"] = ev.Message
	}
	if ev.State != nil {
		fields["state_files"] = ev.State.FileNames()
	}
	l.append(ev.RunID, "loop", string(ev.Phase), ev.Time, fields)
}

// Before implements llm.CallHook. Calls are traced under the run id carried
// by ctx; prompts are recorded by size only.
func (l *TraceLogger) Before(ctx context.Context, phase, prompt string, _ any) {
	l.Append(logging.RunIDFrom(ctx), "llm", "request", map[string]any{
		"phase":        phase,
		"prompt_bytes": len(prompt),
	})
}

// After implements llm.CallHook.
func (l *TraceLogger) After(ctx context.Context, phase string, raw json.RawMessage, err error) {
	fields := map[string]any{"phase": phase, "response_bytes": len(raw)}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Append(logging.RunIDFrom(ctx), "llm", "response", fields)
}

// Append writes one trace line for the run.
func (l *TraceLogger) Append(runID, source, stage string, fields map[string]any) {
	l.append(runID, source, stage, time.Now(), fields)
}

func (l *TraceLogger) append(runID, source, stage string, ts time.Time, fields map[string]any) {
	if l == nil || strings.TrimSpace(runID) == "" {
		return
	}
	event := TraceEvent{
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		RunID:     strings.TrimSpace(runID),
		Source:    strings.TrimSpace(source),
		Stage:     strings.TrimSpace(stage),
	}
	if len(fields) > 0 {
		event.Fields = fields
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	raw = append(raw, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.filePath(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
}

// Read returns all persisted events for a run; unknown runs yield none.
func (l *TraceLogger) Read(runID string) ([]TraceEvent, error) {
	if l == nil {
		return nil, nil
	}
	f, err := os.Open(l.filePath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []TraceEvent{}, nil
		}
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	out := make([]TraceEvent, 0, 64)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev TraceEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan trace file: %w", err)
	}
	return out, nil
}
