package pump

import (
	"io"
	"sync"

	"github.com/fieldrelay/securestream/wire"
)

// Writer serializes frame writes from the TX and RX pumps onto one shared
// byte stream, stamping sender_timestamp_ns on frames that do not carry one.
// Within the TX direction, frames go out in the order they are handed in, so
// the strictly-increasing sequence contract survives the sharing.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for shared use by both pumps of a session.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame stamps and writes one frame.
func (sw *Writer) WriteFrame(f wire.Frame) error {
	if f.SenderTimestampNS == 0 {
		f.SenderTimestampNS = nowNanos()
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return wire.Write(sw.w, f)
}
