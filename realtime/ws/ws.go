// Package ws wraps the websocket library behind a small, context-aware
// connection type: reads and writes honor context deadlines and wake
// promptly on cancellation, which the raw library does not do on its own.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a context-aware websocket connection.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers and a custom dialer for the
// websocket handshake.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection, bounding the handshake by the tighter
// of the dialer's HandshakeTimeout and ctx's deadline.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		if budget := time.Until(deadline); d.HandshakeTimeout == 0 || d.HandshakeTimeout > budget {
			d.HandshakeTimeout = budget
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// bindDeadline applies ctx's deadline through setDeadline and arranges for
// cancellation to force the in-flight I/O awake by yanking the deadline to
// "now". The returned release function detaches the watcher; mapErr rewrites
// the resulting I/O timeout back into the context's own error.
func bindDeadline(ctx context.Context, setDeadline func(time.Time) error) (release func(), mapErr func(error) error) {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = setDeadline(deadline)
	} else {
		_ = setDeadline(time.Time{})
	}

	release = func() {}
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if active.Load() {
				_ = setDeadline(time.Now())
			}
		})
		release = func() {
			active.Store(false)
			stop()
		}
	}

	mapErr = func(err error) error {
		ne, ok := err.(net.Error)
		if !ok || !ne.Timeout() {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		// The socket deadline can fire a hair before the context timer; once
		// the deadline has truly passed, report it as the context's timeout
		// to keep a stable error contract.
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
		return err
	}
	return release, mapErr
}

// ReadMessage reads one websocket frame, honoring ctx's deadline and
// cancellation.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	release, mapErr := bindDeadline(ctx, c.c.SetReadDeadline)
	defer release()
	mt, b, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, mapErr(err)
	}
	return mt, b, nil
}

// WriteMessage writes one websocket frame, honoring ctx's deadline and
// cancellation.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, mapErr := bindDeadline(ctx, c.c.SetWriteDeadline)
	defer release()
	if err := c.c.WriteMessage(messageType, data); err != nil {
		return mapErr(err)
	}
	return nil
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// Underlying exposes the raw websocket connection.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
