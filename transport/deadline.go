package transport

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// ApplyContext arranges for conn's deadlines to track ctx: it sets the
// current ctx.Deadline() (if any) immediately, and — since net.Conn has no
// native way to wake a blocked Read/Write on context cancellation — installs
// a context.AfterFunc that forces the deadline to "now" the moment ctx is
// canceled, the same trick the websocket wrapper uses. The returned
// stop function must be called (typically via defer) once the caller is done
// with conn to release the AfterFunc.
func ApplyContext(ctx context.Context, conn net.Conn) (stop func()) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Time{})
	}
	if ctx.Done() == nil {
		return func() {
			_ = conn.SetDeadline(time.Time{})
		}
	}
	var active atomic.Bool
	active.Store(true)
	cancelFn := context.AfterFunc(ctx, func() {
		if !active.Load() {
			return
		}
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		active.Store(false)
		cancelFn()
		// The conn outlives the bounded operation (handshake, rekey wait);
		// leave it with no deadline rather than the stale one.
		_ = conn.SetDeadline(time.Time{})
	}
}
