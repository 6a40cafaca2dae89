package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"codeloop/internal/project"
	"codeloop/internal/safeio"
)

const DefaultCommand = "python3 ./main.py"

// LocalPath is the PATH given to locally executed projects.
const LocalPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// LocalExecutor writes the project into a throwaway directory and runs
// Command there with /bin/sh. It is a development mode, not a sandbox: the
// process runs as the current user with host filesystem and network access.
// Only a minimal environment is passed on, so parent secrets such as API keys
// do not reach it. The build recipe is not interpreted; it is only written
// out as Dockerfile when no file already has that name.
type LocalExecutor struct {
	Command string
	Runner  Runner
	Logger  *slog.Logger
}

func NewLocalExecutor(command string, logger *slog.Logger) *LocalExecutor {
	return &LocalExecutor{Command: command, Runner: ExecRunner{}, Logger: logger}
}

func (e *LocalExecutor) Execute(ctx context.Context, state project.State) (project.ExecutionResult, error) {
	ws, cleanup, err := materialise(state, false)
	if err != nil {
		return project.ExecutionResult{}, err
	}
	defer cleanup()

	cmd := strings.TrimSpace(e.Command)
	if cmd == "" {
		cmd = DefaultCommand
	}
	logger(e.Logger).Debug("sandbox run", "mode", "local", "dir", ws.Root(), "command", cmd)
	r := runner(e.Runner)
	if er, ok := r.(ExecRunner); ok && len(er.Env) == 0 {
		er.Env = LocalEnv(ws.Root())
		r = er
	}
	res, err := r.Run(ctx, ws.Root(), "/bin/sh", "-c", cmd)
	if err != nil {
		return project.ExecutionResult{}, err
	}
	return project.ExecutionResult{Output: res.Output(), ExitCode: res.ExitCode, Stage: project.StageRun}, nil
}

// LocalEnv is the environment for a local run in dir.
func LocalEnv(dir string) []string {
	return []string{
		"PATH=" + LocalPath,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
}

// materialise writes the project into a temp workspace. With recipeWins the
// build recipe replaces any file named Dockerfile.
func materialise(state project.State, recipeWins bool) (*safeio.SafeFS, func(), error) {
	ws, cleanup, err := safeio.TempWorkspace("codeloop-run-")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	files := state.Clone().Files
	if _, ok := files[dockerfileName]; recipeWins || !ok {
		if state.BuildRecipe != "" {
			files[dockerfileName] = state.BuildRecipe
		}
	}
	if err := ws.WriteTree(files); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sandbox: materialise project: %w", err)
	}
	return ws, cleanup, nil
}

func runner(r Runner) Runner {
	if r == nil {
		return ExecRunner{}
	}
	return r
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
