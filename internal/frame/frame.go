// Package frame implements the framed stdio transport used between the
// server and one sandbox process. Every frame is one byte of stream ID
// followed by the payload; frames travel as binary WebSocket messages.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"syscall"
)

// Stream IDs. Directions are fixed per stream.
const (
	StreamStdout byte = 1 // server -> client
	StreamStderr byte = 2 // server -> client
	StreamStdin  byte = 3 // client -> server
	StreamEOF    byte = 4 // client -> server, zero payload
	StreamSignal byte = 5 // client -> server, payload is the signal name
	StreamExit   byte = 6 // server -> client, payload is int32 LE exit code
	StreamSpawn  byte = 7 // client -> server, payload is a JSON SpawnRequest
)

// SpawnRequest asks the server side to start a child process.
type SpawnRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`
}

// Pack encodes a frame. Unpack(Pack(id, payload)) returns (id, payload).
func Pack(streamID byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = streamID
	copy(out[1:], payload)
	return out
}

// Unpack decodes a frame produced by Pack.
func Unpack(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	return data[0], data[1:], nil
}

// PackExit encodes an exit notification frame.
func PackExit(code int32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(code))
	return Pack(StreamExit, payload)
}

// ParseExit decodes the payload of an exit frame.
func ParseExit(payload []byte) (int32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("exit payload must be 4 bytes, got %d", len(payload))
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}

// PackSpawn encodes a spawn request frame.
func PackSpawn(req SpawnRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return Pack(StreamSpawn, payload), nil
}

// ParseSpawn decodes the payload of a spawn frame.
func ParseSpawn(payload []byte) (SpawnRequest, error) {
	var req SpawnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return SpawnRequest{}, fmt.Errorf("parsing spawn request: %w", err)
	}
	if req.Cmd == "" {
		return SpawnRequest{}, fmt.Errorf("spawn request missing cmd")
	}
	return req, nil
}

// signals is the delivery whitelist. Anything else is rejected.
var signals = map[string]syscall.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
}

// LookupSignal resolves a signal name from the whitelist.
func LookupSignal(name string) (syscall.Signal, error) {
	sig, ok := signals[name]
	if !ok {
		return 0, fmt.Errorf("signal %q not allowed", name)
	}
	return sig, nil
}

// SignalExitCode is the conventional exit code for a signal-terminated
// process (128 + signal number): SIGINT 130, SIGTERM 143, SIGKILL 137,
// SIGHUP 129.
func SignalExitCode(sig syscall.Signal) int32 {
	return 128 + int32(sig)
}
