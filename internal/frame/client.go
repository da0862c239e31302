package frame

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Client drives the client side of one transport connection: spawn a
// child, feed stdin, deliver signals, collect output and the exit code.
type Client struct {
	t Transport

	mu      sync.Mutex
	eofSent bool
}

// NewClient wraps a transport.
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// Spawn sends a spawn request. A new spawn resets the stdin EOF state.
func (c *Client) Spawn(req SpawnRequest) error {
	data, err := PackSpawn(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.eofSent = false
	c.mu.Unlock()
	return c.t.WriteFrame(data)
}

// Stdin sends bytes to the child's stdin. Writes after CloseStdin fail.
func (c *Client) Stdin(data []byte) error {
	c.mu.Lock()
	closed := c.eofSent
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("stdin write after EOF")
	}
	return c.t.WriteFrame(Pack(StreamStdin, data))
}

// CloseStdin signals EOF on the child's stdin.
func (c *Client) CloseStdin() error {
	c.mu.Lock()
	c.eofSent = true
	c.mu.Unlock()
	return c.t.WriteFrame(Pack(StreamEOF, nil))
}

// Signal delivers a whitelisted signal to the child.
func (c *Client) Signal(name string) error {
	if _, err := LookupSignal(name); err != nil {
		return err
	}
	return c.t.WriteFrame(Pack(StreamSignal, []byte(name)))
}

// Output is one server-to-client frame.
type Output struct {
	Stream byte
	Data   []byte
}

// Next reads one server frame (stdout, stderr, or exit).
func (c *Client) Next() (Output, error) {
	data, err := c.t.ReadFrame()
	if err != nil {
		return Output{}, err
	}
	streamID, payload, err := Unpack(data)
	if err != nil {
		return Output{}, err
	}
	return Output{Stream: streamID, Data: payload}, nil
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.t.Close()
}

// Result is the collected outcome of one spawned child.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int32
}

// Collect reads frames until the exit frame arrives and returns the
// accumulated output. Cancellation closes the transport.
func (c *Client) Collect(ctx context.Context) (*Result, error) {
	type read struct {
		out Output
		err error
	}
	reads := make(chan read)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			out, err := c.Next()
			select {
			case reads <- read{out, err}:
			case <-done:
				return
			}
			if err != nil || out.Stream == StreamExit {
				return
			}
		}
	}()

	var stdout, stderr bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			_ = c.t.Close()
			return nil, ctx.Err()
		case r := <-reads:
			if r.err != nil {
				return nil, fmt.Errorf("reading frames: %w", r.err)
			}
			switch r.out.Stream {
			case StreamStdout:
				stdout.Write(r.out.Data)
			case StreamStderr:
				stderr.Write(r.out.Data)
			case StreamExit:
				code, err := ParseExit(r.out.Data)
				if err != nil {
					return nil, err
				}
				return &Result{
					Stdout:   stdout.Bytes(),
					Stderr:   stderr.Bytes(),
					ExitCode: code,
				}, nil
			}
		}
	}
}

// Run spawns a command, optionally feeds stdin, closes it, and collects
// the result. The common one-shot exchange.
func (c *Client) Run(ctx context.Context, req SpawnRequest, stdin []byte) (*Result, error) {
	if err := c.Spawn(req); err != nil {
		return nil, err
	}
	if len(stdin) > 0 {
		if err := c.Stdin(stdin); err != nil {
			return nil, err
		}
	}
	if err := c.CloseStdin(); err != nil {
		return nil, err
	}
	return c.Collect(ctx)
}
