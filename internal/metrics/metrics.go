// Package metrics exposes Prometheus instruments for runs and model calls.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeloop/internal/llm"
	"codeloop/internal/loop"
)

const namespace = "codeloop"

// Run outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
)

// Metrics groups the instruments registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	runs            *prometheus.CounterVec
	runIterations   prometheus.Histogram
	phases          *prometheus.CounterVec
	ledgerWarnings  prometheus.Counter
	activeRuns      prometheus.Gauge
	llmCalls        *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
}

// New registers all instruments on a fresh registry together with the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by outcome",
		}, []string{"outcome"}),
		runIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Iterations used by finished runs",
			Buckets:   []float64{1, 2, 3, 5, 8, 12, 20, 50},
		}),
		phases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_events_total",
			Help:      "Loop events by phase",
		}, []string{"phase"}),
		ledgerWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_failures_total",
			Help:      "Ledger appends that failed and were skipped",
		}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs between generating and a terminal phase",
		}),
		llmCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Model calls by provider, phase and status",
		}, []string{"provider", "phase", "status"}),
		llmCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Model call latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160, 300},
		}, []string{"provider", "phase"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe implements loop.Observer.
func (m *Metrics) Observe(ev loop.Event) {
	m.phases.WithLabelValues(string(ev.Phase)).Inc()
	switch ev.Phase {
	case loop.PhaseGenerating:
		m.activeRuns.Inc()
	case loop.PhaseLedgerWarning:
		m.ledgerWarnings.Inc()
	case loop.PhaseSucceeded:
		m.finish(OutcomeSuccess, ev.Iteration)
	case loop.PhaseFailed:
		if ev.Message == loop.MessageBudgetExhausted {
			m.finish(OutcomeExhausted, ev.Iteration)
		} else {
			m.finish(OutcomeError, ev.Iteration)
		}
	}
}

func (m *Metrics) finish(outcome string, iterations int) {
	m.activeRuns.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runIterations.Observe(float64(iterations))
}

// Middleware counts and times every model call, labelled by the phase on
// the call context.
func (m *Metrics) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return &instrumented{next: next, m: m}
	}
}

type instrumented struct {
	next llm.LLMClient
	m    *Metrics
}

func (c *instrumented) Name() string { return c.next.Name() }
func (c *instrumented) Close() error { return c.next.Close() }

func (c *instrumented) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	phase := llm.PhaseFrom(ctx)
	start := time.Now()
	raw, err := c.next.GenerateJSON(ctx, prompt, input)
	c.m.llmCallDuration.WithLabelValues(c.next.Name(), phase).Observe(time.Since(start).Seconds())
	c.m.llmCalls.WithLabelValues(c.next.Name(), phase, callStatus(err)).Inc()
	return raw, err
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, llm.ErrRefused):
		return "refused"
	case errors.Is(err, llm.ErrInvalidJSON):
		return "invalid_json"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
