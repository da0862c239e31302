package sandbox

import (
	"context"

	"github.com/droverhq/drover/internal/frame"
)

// DockerRunner adapts a session container to the framed transport's
// Runner: each spawn request is rewritten into a docker exec in the
// session's container. Credentials live in the container environment
// set at start; they are not repeated per exec and never enter frames.
type DockerRunner struct {
	ContainerID string
}

// Spawn runs the requested command inside the container.
func (r *DockerRunner) Spawn(ctx context.Context, req frame.SpawnRequest) (frame.Process, error) {
	args := []string{"exec", "-i"}
	for _, e := range req.Env {
		args = append(args, "-e", e)
	}
	if req.Cwd != "" {
		args = append(args, "-w", req.Cwd)
	}
	args = append(args, r.ContainerID, req.Cmd)
	args = append(args, req.Args...)

	er := &frame.ExecRunner{}
	return er.Spawn(ctx, frame.SpawnRequest{Cmd: "docker", Args: args})
}
