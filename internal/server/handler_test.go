package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"codeloop/internal/artifact"
	"codeloop/internal/ledger"
	"codeloop/internal/loop"
	"codeloop/internal/tester"
)

type apiFixture struct {
	srv     *httptest.Server
	runs    *Manager
	trace   *TraceLogger
	store   *artifact.MemoryStore
	entries *ledger.MemoryLedger
	block   chan struct{}
}

func newAPI(t *testing.T, f *fixture) *apiFixture {
	t.Helper()
	trace, err := NewTraceLogger(t.TempDir())
	tester.NoErr(t, err)
	store := artifact.NewMemoryStore()
	entries := ledger.NewMemory()

	factory := func(runID string, obs loop.Observer) (*loop.Loop, error) {
		lp, err := f.factory(trace)(runID, obs)
		if err != nil {
			return nil, err
		}
		lp.Ledger = entries
		return lp, nil
	}
	runs := newManager(t, factory, 0)
	srv := httptest.NewServer(NewMux(Deps{
		Runs:      runs,
		Trace:     trace,
		Ledger:    entries,
		Artifacts: store,
		Metrics:   http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "codeloop_up 1\n") }),
	}))
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, runs: runs, trace: trace, store: store, entries: entries, block: f.block}
}

func (a *apiFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, a.srv.URL+path, strings.NewReader(body))
	tester.NoErr(t, err)
	resp, err := a.srv.Client().Do(req)
	tester.NoErr(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	tester.NoErr(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		tester.NoErr(t, json.Unmarshal(raw, &out), string(raw))
	} else {
		out = map[string]any{"body": string(raw)}
	}
	return resp, out
}

func (a *apiFixture) startRun(t *testing.T) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/runs", `{"description":"print hi","test_conditions":"prints hi"}`)
	tester.Eq(t, resp.StatusCode, http.StatusAccepted)
	id, _ := body["run_id"].(string)
	tester.True(t, id != "", "run id missing")
	tester.Eq(t, resp.Header.Get("Location"), "/runs/"+id)
	return id
}

func TestStartAndGetRun(t *testing.T) {
	a := newAPI(t, &fixture{passOn: 2})
	id := a.startRun(t)
	wait(t, a.runs, id)

	resp, body := a.do(t, http.MethodGet, "/runs/"+id, "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, body["status"], any("succeeded"))
	tester.Eq(t, body["iterations"], any(float64(2)))
	tester.Eq(t, body["description"], any("print hi"))

	resp, body = a.do(t, http.MethodGet, "/runs", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, len(body["runs"].([]any)), 1)
}

func TestStartRunRejectsBadInput(t *testing.T) {
	a := newAPI(t, &fixture{})
	resp, _ := a.do(t, http.MethodPost, "/runs", `{"description":`)
	tester.Eq(t, resp.StatusCode, http.StatusBadRequest)

	resp, body := a.do(t, http.MethodPost, "/runs", `{"description":"","test_conditions":"x"}`)
	tester.Eq(t, resp.StatusCode, http.StatusBadRequest)
	tester.Eq(t, body["error"], any(ErrInvalidTask.Error()))

	resp, _ = a.do(t, http.MethodPost, "/runs", `{"description":"x","extra":1}`)
	tester.Eq(t, resp.StatusCode, http.StatusBadRequest)
}

func TestUnknownRun(t *testing.T) {
	a := newAPI(t, &fixture{})
	resp, _ := a.do(t, http.MethodGet, "/runs/nope", "")
	tester.Eq(t, resp.StatusCode, http.StatusNotFound)
	resp, _ = a.do(t, http.MethodDelete, "/runs/nope", "")
	tester.Eq(t, resp.StatusCode, http.StatusNotFound)
	resp, _ = a.do(t, http.MethodGet, "/runs/nope/watch", "")
	tester.Eq(t, resp.StatusCode, http.StatusNotFound)
}

func TestCancelRunOverHTTP(t *testing.T) {
	a := newAPI(t, &fixture{block: make(chan struct{})})
	id := a.startRun(t)

	resp, _ := a.do(t, http.MethodDelete, "/runs/"+id, "")
	tester.Eq(t, resp.StatusCode, http.StatusAccepted)
	tester.Eq(t, wait(t, a.runs, id).Status, StatusCanceled)
}

func TestEventsLedgerAndArtifacts(t *testing.T) {
	a := newAPI(t, &fixture{passOn: 2})
	id := a.startRun(t)
	wait(t, a.runs, id)

	resp, body := a.do(t, http.MethodGet, "/runs/"+id+"/events", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	events := body["events"].([]any)
	stages := make([]string, 0, len(events))
	for _, ev := range events {
		stages = append(stages, ev.(map[string]any)["stage"].(string))
	}
	tester.Eq(t, stages, []string{"generating", "running", "validating", "patching", "running", "validating", "succeeded"})

	resp, body = a.do(t, http.MethodGet, "/ledger?run_id="+id, "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	rows := body["entries"].([]any)
	tester.Eq(t, len(rows), 1)
	tester.Eq(t, rows[0].(map[string]any)["filename"], any("main.py"))

	resp, body = a.do(t, http.MethodGet, "/ledger?run_id=other", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, len(body["entries"].([]any)), 0)

	ctx := context.Background()
	tester.NoErr(t, a.store.Put(ctx, id, "files/main.py", []byte("print('hello')\n")))
	tester.NoErr(t, a.store.Put(ctx, id, "result.json", []byte(`{"success":true}`)))

	resp, body = a.do(t, http.MethodGet, "/runs/"+id+"/artifacts", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, len(body["artifacts"].([]any)), 2)

	resp, body = a.do(t, http.MethodGet, "/runs/"+id+"/artifacts/files/main.py", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, body["body"], any("print('hello')\n"))

	resp, body = a.do(t, http.MethodGet, "/runs/"+id+"/artifacts/result.json", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, body["success"], any(true))

	resp, _ = a.do(t, http.MethodGet, "/runs/"+id+"/artifacts/missing.txt", "")
	tester.Eq(t, resp.StatusCode, http.StatusNotFound)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	a := newAPI(t, &fixture{})
	resp, body := a.do(t, http.MethodGet, "/healthz", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.Eq(t, body["ok"], any(true))
	tester.Eq(t, resp.Header.Get("Access-Control-Allow-Origin"), "*")

	resp, body = a.do(t, http.MethodGet, "/metrics", "")
	tester.Eq(t, resp.StatusCode, http.StatusOK)
	tester.True(t, strings.Contains(body["body"].(string), "codeloop_up"))

	req, err := http.NewRequest(http.MethodOptions, a.srv.URL+"/runs", nil)
	tester.NoErr(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	pre, err := a.srv.Client().Do(req)
	tester.NoErr(t, err)
	pre.Body.Close()
	tester.Eq(t, pre.StatusCode, http.StatusNoContent)
	tester.Eq(t, pre.Header.Get("Access-Control-Allow-Origin"), "http://localhost:3000")
}

func TestWatchStreamsUntilDone(t *testing.T) {
	a := newAPI(t, &fixture{passOn: 1, block: make(chan struct{})})
	id := a.startRun(t)

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/runs/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	tester.NoErr(t, err)
	defer conn.Close()
	close(a.block)

	tester.NoErr(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var phases []loop.Phase
	var final *RunInfo
	for {
		var msg watchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "event":
			phases = append(phases, msg.Event.Phase)
		case "done":
			final = msg.Run
		}
	}
	tester.Eq(t, phases, []loop.Phase{loop.PhaseGenerating, loop.PhaseRunning, loop.PhaseValidating, loop.PhaseSucceeded})
	tester.True(t, final != nil, "missing done frame")
	tester.Eq(t, final.Status, StatusSucceeded)
}
