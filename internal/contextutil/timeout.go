// Package contextutil holds small context helpers shared by the bounded
// protocol operations (handshakes, group-key deliveries).
package contextutil

import (
	"context"
	"time"
)

// WithTimeout bounds parent by d. A non-positive d returns parent unchanged
// with a no-op cancel, so callers can defer cancel() unconditionally. A nil
// parent is treated as context.Background().
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if d <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, d)
}
