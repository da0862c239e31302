// Package sandbox manages Docker containers for drover sessions and
// the session registry addressing them.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/droverhq/drover/internal/fault"
)

// StartOptions configures a new session container.
type StartOptions struct {
	SessionID string
	Image     string   // Docker image name
	Network   string   // Docker network name
	Env       []string // injected environment, including credentials
}

// ContainerManager is the container lifecycle surface the registry
// uses. Tests substitute a fake.
type ContainerManager interface {
	Start(ctx context.Context, opts StartOptions) (string, error)
	Stop(ctx context.Context, containerID string) error
}

// Manager runs real Docker containers.
type Manager struct{}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Start creates a long-lived session container and returns its ID. The
// container idles until commands arrive over the framed transport.
// Environment values are passed directly to the daemon and never
// logged.
func (m *Manager) Start(ctx context.Context, opts StartOptions) (string, error) {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("drover-%s", opts.SessionID),
		"--label", "drover.session=" + opts.SessionID,
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, opts.Image, "sleep", "infinity")

	cmd := exec.CommandContext(ctx, "docker", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fault.Wrapf(fault.ErrSandboxFailure, "starting container for %s: %v", opts.SessionID, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Stop kills and removes a session container.
func (m *Manager) Stop(ctx context.Context, containerID string) error {
	// Kill first; ignore failures when the container already exited.
	_ = exec.CommandContext(ctx, "docker", "kill", containerID).Run()

	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", containerID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// EnsureNetwork creates the Docker network if it doesn't exist.
func (m *Manager) EnsureNetwork(ctx context.Context, name string) error {
	check := exec.CommandContext(ctx, "docker", "network", "inspect", name)
	if check.Run() == nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "docker", "network", "create", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}
