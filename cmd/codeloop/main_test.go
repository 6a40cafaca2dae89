package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeloop/internal/ledger"
	"codeloop/internal/loop"
)

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"CODELOOP_LLM_PROVIDER", "CODELOOP_LEDGER", "CODELOOP_SANDBOX_MODE",
		"CODELOOP_SANDBOX_COMMAND", "CODELOOP_MAX_ITERATIONS", "CODELOOP_ARTIFACTS", "ARTIFACT_S3_ENDPOINT",
		"ARTIFACT_MINIO_ENDPOINT", "CODELOOP_LOG_FILE", "CODELOOP_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func fakeRunArgs(extra ...string) []string {
	args := []string{"run", "--provider", "fake", "--sandbox", "local", "--command", "cat main.py", "--ledger", "memory:", "--log-level", "error",
		"--task", "print hello", "--test-conditions", "prints hello"}
	return append(args, extra...)
}

func TestRunSucceeds(t *testing.T) {
	cleanEnv(t)
	out := filepath.Join(t.TempDir(), "project")

	code, stdout, stderr := run(fakeRunArgs("--out", out)...)
	require.Equal(t, exitSuccess, code, stderr)
	assert.Contains(t, stdout, "passed after 1 iteration(s)")
	assert.Contains(t, stdout, "hello from fake")
	assert.Contains(t, stderr, "[1] running")

	mainPy, err := os.ReadFile(filepath.Join(out, "main.py"))
	require.NoError(t, err)
	assert.Contains(t, string(mainPy), "hello from fake")
	recipe, err := os.ReadFile(filepath.Join(out, "Dockerfile"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(recipe), "FROM python:3.12-slim"))
}

func TestRunJSON(t *testing.T) {
	cleanEnv(t)
	code, stdout, stderr := run(fakeRunArgs("--json")...)
	require.Equal(t, exitSuccess, code, stderr)

	var res loop.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Iterations)
	assert.Contains(t, res.State.Files, "main.py")
	assert.NotContains(t, stderr, "[1] running")
}

func TestRunUsageErrors(t *testing.T) {
	cleanEnv(t)
	taskFile := filepath.Join(t.TempDir(), "task.txt")
	require.NoError(t, os.WriteFile(taskFile, []byte("print hello"), 0o644))

	cases := map[string][]string{
		"no task":          {"run", "--provider", "fake"},
		"task twice":       {"run", "--provider", "fake", "--task", "x", "--task-file", taskFile},
		"missing file":     {"run", "--provider", "fake", "--task-file", filepath.Join(t.TempDir(), "nope")},
		"bad budget":       fakeRunArgs("--max-iterations", "0"),
		"bad sandbox":      fakeRunArgs("--sandbox", "vm"),
		"unknown provider": {"run", "--provider", "claude", "--task", "x"},
	}
	for name, args := range cases {
		code, _, stderr := run(args...)
		assert.Equal(t, exitError, code, name)
		assert.Contains(t, stderr, "error:", name)
	}
}

func TestLedgerCommand(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "iterations_log.csv")
	ts := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	l := ledger.NewCSV(path)
	require.NoError(t, l.Append(context.Background(), ledger.EntriesFor("r1", 1, []string{"main.py", "util.py"}, ts)...))
	require.NoError(t, l.Append(context.Background(), ledger.EntriesFor("r1", 2, []string{"main.py"}, ts.Add(time.Minute))...))

	code, stdout, stderr := run("ledger", "--ledger", path, "--json")
	require.Equal(t, exitSuccess, code, stderr)
	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(stdout), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[2].Iteration)
	assert.Equal(t, "util.py", entries[1].Filename)

	code, stdout, _ = run("ledger", "--ledger", path)
	require.Equal(t, exitSuccess, code)
	assert.Contains(t, stdout, "ITERATION")
	assert.Contains(t, stdout, "2026-04-02T10:01:00Z")
}

func TestExitCodeError(t *testing.T) {
	assert.Equal(t, "exit status 1", (&exitCodeError{code: exitExhausted}).Error())
	assert.ErrorIs(t, &exitCodeError{code: exitError, err: assert.AnError}, assert.AnError)
}
