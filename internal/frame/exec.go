package frame

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ExecRunner spawns children directly on the host with os/exec. The
// sandbox layer wraps commands in docker exec instead; this runner backs
// local development and the transport tests.
type ExecRunner struct {
	// BaseEnv is appended to the inherited environment for every spawn
	// (the secret injection set).
	BaseEnv []string
	// Dir is the default working directory when the request has no cwd.
	Dir string
}

// Spawn starts the requested command in its own process group so signals
// reach the whole tree.
func (r *ExecRunner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	cmd := exec.CommandContext(ctx, req.Cmd, req.Args...)
	cmd.Env = append(os.Environ(), append(append([]string{}, r.BaseEnv...), req.Env...)...)
	switch {
	case req.Cwd != "":
		cmd.Dir = req.Cwd
	case r.Dir != "":
		cmd.Dir = r.Dir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Cmd, err)
	}

	return &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	code     int32
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the process group.
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if err == syscall.ESRCH {
		return nil // already gone: no-op
	}
	return err
}

func (p *execProcess) Wait() int32 {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		state := p.cmd.ProcessState
		if state == nil {
			p.code = 127
			return
		}
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.code = SignalExitCode(ws.Signal())
			return
		}
		code := state.ExitCode()
		if code < 0 && err != nil {
			code = 127
		}
		p.code = int32(code)
	})
	return p.code
}
