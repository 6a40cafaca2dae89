package sandbox

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"codeloop/internal/project"
)

const (
	dockerfileName = "Dockerfile"
	// workdir is where the project is mounted inside the container.
	workdir = "/workspace"
)

// DockerExecutor builds the recipe with the docker CLI and runs Command in
// a throwaway container with the project mounted at /workspace.
type DockerExecutor struct {
	Binary  string
	Command string
	// Network is passed to --network; "none" when empty.
	Network    string
	KeepImages bool
	Runner     Runner
	Logger     *slog.Logger
}

func NewDockerExecutor(binary, command, network string, logger *slog.Logger) *DockerExecutor {
	return &DockerExecutor{Binary: binary, Command: command, Network: network, Runner: ExecRunner{}, Logger: logger}
}

func (e *DockerExecutor) Execute(ctx context.Context, state project.State) (project.ExecutionResult, error) {
	ws, cleanup, err := materialise(state, true)
	if err != nil {
		return project.ExecutionResult{}, err
	}
	defer cleanup()

	bin := orDefault(e.Binary, "docker")
	cmd := orDefault(e.Command, DefaultCommand)
	network := orDefault(e.Network, "none")
	tag := "codeloop-" + uuid.NewString()[:8]
	log := logger(e.Logger).With("image", tag)
	r := runner(e.Runner)

	log.DebugContext(ctx, "sandbox build", "dir", ws.Root())
	build, err := r.Run(ctx, ws.Root(), bin, "build", "-q", "-t", tag, "-f", dockerfileName, ".")
	if err != nil {
		return project.ExecutionResult{}, err
	}
	if build.ExitCode != 0 {
		log.DebugContext(ctx, "sandbox build failed", "exit_code", build.ExitCode)
		return project.ExecutionResult{Output: build.Output(), ExitCode: build.ExitCode, Stage: project.StageBuild}, nil
	}
	if !e.KeepImages {
		defer func() {
			// the run ctx may already be done; removal is best effort
			if _, err := r.Run(context.WithoutCancel(ctx), ws.Root(), bin, "rmi", "-f", tag); err != nil {
				log.WarnContext(ctx, "remove image failed", "err", err)
			}
		}()
	}

	log.DebugContext(ctx, "sandbox run", "command", cmd, "network", network)
	run, err := r.Run(ctx, ws.Root(), bin, "run", "--rm",
		"--network", network,
		"-v", ws.Root()+":"+workdir,
		"-w", workdir,
		tag, "/bin/sh", "-c", cmd)
	if err != nil {
		return project.ExecutionResult{}, err
	}
	return project.ExecutionResult{Output: run.Output(), ExitCode: run.ExitCode, Stage: project.StageRun}, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
