package frame

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport carries whole frames in both directions. Implementations must
// preserve frame boundaries and FIFO order.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// ErrClosed is returned by a closed transport.
var ErrClosed = errors.New("transport closed")

// --- WebSocket transport ---

// WSTransport adapts a WebSocket connection: one binary message per frame.
type WSTransport struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// NewWS wraps an upgraded or dialed WebSocket connection.
func NewWS(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

func (w *WSTransport) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return data, nil
		}
		// Text/ping traffic is not part of the protocol; skip it.
	}
}

func (w *WSTransport) WriteFrame(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WSTransport) Close() error {
	return w.conn.Close()
}

// --- In-memory transport (tests, local wiring) ---

type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// Pipe returns two connected in-memory transports. Frames written to one
// end are read from the other, FIFO.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	closed := make(chan struct{})
	a := &pipeEnd{in: ba, out: ab, closed: closed}
	b := &pipeEnd{in: ab, out: ba, closed: closed}
	return a, b
}

func (p *pipeEnd) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		// Drain anything already queued before reporting closure.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (p *pipeEnd) WriteFrame(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case p.out <- data:
		return nil
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
