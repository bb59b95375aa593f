package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fieldrelay/securestream/realtime/ws"
)

// WSStream adapts a websocket connection to the net.Conn the frame codec and
// handshake run over, for edge devices whose only egress is an HTTP(S) proxy.
// Each Write becomes one binary websocket message; Read restitches the
// message stream back into bytes, buffering any tail the caller did not
// consume.
type WSStream struct {
	c *ws.Conn

	readMu   sync.Mutex
	leftover []byte
}

// NewWSStream wraps an established websocket connection.
func NewWSStream(c *ws.Conn) *WSStream {
	return &WSStream{c: c}
}

func (s *WSStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if len(s.leftover) == 0 {
		for {
			mt, msg, err := s.c.Underlying().ReadMessage()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage || len(msg) == 0 {
				continue
			}
			s.leftover = msg
			break
		}
	}
	n := copy(p, s.leftover)
	s.leftover = s.leftover[n:]
	return n, nil
}

func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.c.Underlying().WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying websocket.
func (s *WSStream) Close() error { return s.c.Close() }

// LocalAddr returns the underlying socket's local address.
func (s *WSStream) LocalAddr() net.Addr { return s.c.Underlying().LocalAddr() }

// RemoteAddr returns the underlying socket's remote address.
func (s *WSStream) RemoteAddr() net.Addr { return s.c.Underlying().RemoteAddr() }

// SetDeadline applies t to both directions, which is what ApplyContext needs
// to bound handshakes over a websocket transport.
func (s *WSStream) SetDeadline(t time.Time) error {
	if err := s.c.Underlying().SetReadDeadline(t); err != nil {
		return err
	}
	return s.c.Underlying().SetWriteDeadline(t)
}

// SetReadDeadline applies t to the read direction.
func (s *WSStream) SetReadDeadline(t time.Time) error {
	return s.c.Underlying().SetReadDeadline(t)
}

// SetWriteDeadline applies t to the write direction.
func (s *WSStream) SetWriteDeadline(t time.Time) error {
	return s.c.Underlying().SetWriteDeadline(t)
}

var _ net.Conn = (*WSStream)(nil)
