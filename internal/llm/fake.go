package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// FakeClient returns deterministic JSON per phase for offline runs and
// tests. Scripted responses for a phase are served in order; once they run
// out the phase default is returned.
type FakeClient struct {
	mu      sync.Mutex
	scripts map[string][]fakeReply
	calls   []FakeCall
}

// FakeCall records one request.
type FakeCall struct {
	Phase  string
	Prompt string
	Input  any
}

type fakeReply struct {
	raw json.RawMessage
	err error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{scripts: map[string][]fakeReply{}}
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// Script queues raw answers for phase.
func (f *FakeClient) Script(phase string, raws ...string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range raws {
		f.scripts[phase] = append(f.scripts[phase], fakeReply{raw: json.RawMessage(r)})
	}
	return f
}

// Fail queues an error for phase.
func (f *FakeClient) Fail(phase string, err error) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[phase] = append(f.scripts[phase], fakeReply{err: err})
	return f
}

// Calls returns the requests seen so far.
func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

func (f *FakeClient) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	phase := PhaseFrom(ctx)
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Phase: phase, Prompt: prompt, Input: input})
	if q := f.scripts[phase]; len(q) > 0 {
		r := q[0]
		f.scripts[phase] = q[1:]
		f.mu.Unlock()
		// scripted answers are returned verbatim, malformed ones included
		return r.raw, r.err
	}
	f.mu.Unlock()

	var obj any
	switch phase {
	case "generate":
		obj = map[string]any{
			"dockerfile": "FROM python:3.12-slim\nWORKDIR /app\nCOPY . .\nCMD [\"python3\", \"./main.py\"]\n",
			"files": []any{
				map[string]any{"filename": "main.py", "content": "print(\"hello from fake\")\n"},
			},
		}
	case "validate":
		obj = map[string]any{"result": true, "dockerfile": nil, "files": nil}
	default:
		obj = map[string]any{}
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("fake: %w", err)
	}
	return json.RawMessage(b), nil
}
