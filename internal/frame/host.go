package frame

import (
	"context"
	"io"
	"log"
	"sync"
	"syscall"
)

// Process is one spawned child seen from the host side.
type Process interface {
	// Stdin is the child's stdin pipe.
	Stdin() io.WriteCloser
	// Stdout and Stderr stream the child's output until exit.
	Stdout() io.Reader
	Stderr() io.Reader
	// Signal delivers a whitelisted signal to the child's process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until exit and returns the contract exit code
	// (natural code, or 128+signum when signal-terminated).
	Wait() int32
}

// Runner spawns processes for spawn-request frames. The sandbox layer
// provides a docker-exec runner; tests use ExecRunner.
type Runner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// Host serves the server side of one transport connection. Each
// connection drives at most one child at a time; sequential spawns on the
// same connection are permitted after the previous child exits.
type Host struct {
	runner Runner
}

// NewHost creates a Host over the given runner.
func NewHost(runner Runner) *Host {
	return &Host{runner: runner}
}

// Serve reads frames until the transport closes. It guarantees:
// stdout/stderr bytes FIFO per stream, exactly one exit frame per spawn,
// exit emitted only after all output frames for that child are flushed,
// stdin after EOF dropped, non-whitelisted signals dropped, signals to an
// exited child ignored.
func (h *Host) Serve(ctx context.Context, t Transport) error {
	var (
		mu       sync.Mutex // guards the fields below
		proc     Process
		stdin    io.WriteCloser
		eofSent  bool
		procDone chan struct{}
	)

	killCurrent := func() {
		mu.Lock()
		p := proc
		mu.Unlock()
		if p != nil {
			_ = p.Signal(syscall.SIGKILL)
		}
	}
	defer killCurrent()

	for {
		data, err := t.ReadFrame()
		if err != nil {
			if err == ErrClosed || err == io.EOF {
				return nil
			}
			return err
		}
		streamID, payload, err := Unpack(data)
		if err != nil {
			log.Printf("frame host: dropping malformed frame: %v", err)
			continue
		}

		switch streamID {
		case StreamSpawn:
			req, err := ParseSpawn(payload)
			if err != nil {
				log.Printf("frame host: bad spawn request: %v", err)
				continue
			}
			mu.Lock()
			busy := proc != nil
			mu.Unlock()
			if busy {
				log.Printf("frame host: spawn of %q rejected, child still running", req.Cmd)
				continue
			}

			p, err := h.runner.Spawn(ctx, req)
			if err != nil {
				log.Printf("frame host: spawn %q failed: %v", req.Cmd, err)
				// Report the failure as an immediate non-zero exit.
				_ = t.WriteFrame(PackExit(127))
				continue
			}

			done := make(chan struct{})
			mu.Lock()
			proc, stdin, eofSent, procDone = p, p.Stdin(), false, done
			mu.Unlock()

			go h.pump(t, p, func(code int32) {
				mu.Lock()
				proc, stdin = nil, nil
				mu.Unlock()
				if err := t.WriteFrame(PackExit(code)); err != nil {
					log.Printf("frame host: writing exit frame: %v", err)
				}
				close(done)
			})

		case StreamStdin:
			mu.Lock()
			w, rejected := stdin, eofSent || stdin == nil
			mu.Unlock()
			if rejected {
				log.Printf("frame host: stdin write rejected (%d bytes)", len(payload))
				continue
			}
			if _, err := w.Write(payload); err != nil {
				log.Printf("frame host: stdin write: %v", err)
			}

		case StreamEOF:
			mu.Lock()
			w := stdin
			already := eofSent
			eofSent = true
			mu.Unlock()
			if w != nil && !already {
				_ = w.Close()
			}

		case StreamSignal:
			sig, err := LookupSignal(string(payload))
			if err != nil {
				log.Printf("frame host: %v", err)
				continue
			}
			mu.Lock()
			p := proc
			mu.Unlock()
			if p == nil {
				continue // already exited: no-op
			}
			if err := p.Signal(sig); err != nil {
				log.Printf("frame host: signal %s: %v", payload, err)
			}

		default:
			log.Printf("frame host: unexpected client stream %d", streamID)
		}
		_ = procDone // exit delivery is asynchronous; reads continue
	}
}

// pump copies child output to the transport and reports the exit code
// after both output streams have drained.
func (h *Host) pump(t Transport, p Process, onExit func(code int32)) {
	var wg sync.WaitGroup
	copyStream := func(streamID byte, r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if werr := t.WriteFrame(Pack(streamID, chunk)); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}
	wg.Add(2)
	go copyStream(StreamStdout, p.Stdout())
	go copyStream(StreamStderr, p.Stderr())

	// Drain both streams before reaping so every output frame precedes
	// the exit frame (and exec pipes are fully read before Wait).
	wg.Wait()
	onExit(p.Wait())
}
