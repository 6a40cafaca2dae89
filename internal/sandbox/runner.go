// Package sandbox builds and runs projects in isolation and captures what
// they print.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrUnavailable means the sandbox runtime itself could not be started.
var ErrUnavailable = errors.New("sandbox: runtime unavailable")

// DefaultMaxOutput caps captured stdout and stderr each.
const DefaultMaxOutput = 1 << 20

const truncatedMarker = "\n[output truncated]"

// CommandResult is what one process printed and how it exited.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output picks the diagnostic text for a result: stderr when the process
// failed and wrote to stderr, stdout otherwise.
func (r CommandResult) Output() string {
	if r.ExitCode != 0 && strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	return r.Stdout
}

// Runner runs a process in dir. A non-zero exit is reported through
// CommandResult; err is reserved for processes that could not run or were
// cut short by ctx.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct {
	Env       []string
	MaxOutput int
}

func (r ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// children of a killed shell may hold the pipes open
	cmd.WaitDelay = time.Second
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	stdout := &capBuffer{max: limit}
	stderr := &capBuffer{max: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, fmt.Errorf("sandbox: %s: %w", name, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return res, fmt.Errorf("%w: %s: %w", ErrUnavailable, name, err)
		}
		return res, fmt.Errorf("sandbox: %s: %w", name, err)
	}
	return res, nil
}

// capBuffer keeps the first max bytes written to it.
type capBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *capBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
