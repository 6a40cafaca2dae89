package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"codeloop/internal/artifact"
	"codeloop/internal/ledger"
	"codeloop/internal/project"
)

// Deps are the services behind the HTTP API. Only Runs is required.
type Deps struct {
	Runs      *Manager
	Trace     *TraceLogger
	Ledger    ledger.Reader
	Artifacts artifact.Store
	Metrics   http.Handler
	Logger    *slog.Logger
}

type handler struct {
	Deps
}

// NewMux registers the run API and wraps it in CORS.
func NewMux(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handler{Deps: d}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("POST /runs", h.handleStartRun)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", h.handleGetRun)
	mux.HandleFunc("DELETE /runs/{id}", h.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/watch", h.handleWatch)
	mux.HandleFunc("GET /runs/{id}/events", h.handleEvents)
	mux.HandleFunc("GET /runs/{id}/artifacts", h.handleListArtifacts)
	mux.HandleFunc("GET /runs/{id}/artifacts/{path...}", h.handleGetArtifact)
	mux.HandleFunc("GET /ledger", h.handleLedger)
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	return CORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var task project.Task
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	info, err := h.Runs.Start(task)
	switch {
	case errors.Is(err, ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.Logger.Error("start run failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.Header().Set("Location", "/runs/"+info.ID)
		writeJSON(w, http.StatusAccepted, info)
	}
}

func (h *handler) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": h.Runs.List()})
}

func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Runs.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := h.Runs.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": r.PathValue("id"), "canceling": true})
}

func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("id"))
	if h.Trace == nil {
		writeError(w, http.StatusNotFound, "run traces are disabled")
		return
	}
	events, err := h.Trace.Read(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": events})
}

func (h *handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if h.Artifacts == nil {
		writeError(w, http.StatusNotFound, "artifacts are disabled")
		return
	}
	runID := r.PathValue("id")
	paths, err := h.Artifacts.List(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "artifacts": paths})
}

func (h *handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	if h.Artifacts == nil {
		writeError(w, http.StatusNotFound, "artifacts are disabled")
		return
	}
	runID, p := r.PathValue("id"), r.PathValue("path")
	if r.URL.Query().Get("redirect") == "1" {
		if url, err := h.Artifacts.GetURL(r.Context(), runID, p); err == nil && url != "" && !strings.HasPrefix(url, "file://") {
			http.Redirect(w, r, url, http.StatusTemporaryRedirect)
			return
		}
	}
	body, err := h.Artifacts.Get(r.Context(), runID, p)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ct := mime.TypeByExtension(path.Ext(p))
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	_, _ = w.Write(body)
}

func (h *handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeError(w, http.StatusNotFound, "ledger is not readable")
		return
	}
	runID := strings.TrimSpace(r.URL.Query().Get("run_id"))
	var (
		entries []ledger.Entry
		err     error
	)
	if rr, ok := h.Ledger.(ledger.RunReader); ok && runID != "" {
		entries, err = rr.EntriesForRun(r.Context(), runID)
	} else {
		entries, err = h.Ledger.Entries(r.Context())
		if err == nil && runID != "" {
			entries = ledger.FilterRun(entries, runID)
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
