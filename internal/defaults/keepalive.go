package defaults

import "time"

const minKeepaliveInterval = 500 * time.Millisecond

// KeepaliveInterval derives the encrypted keepalive ping cadence from an
// idle-timeout budget: half the idle window, clamped to a small minimum, and
// always strictly below the idle timeout itself so a live peer can never be
// declared idle. Non-positive budgets disable keepalives.
func KeepaliveInterval(idleTimeoutSeconds int32) time.Duration {
	if idleTimeoutSeconds <= 0 {
		return 0
	}
	idle := time.Duration(idleTimeoutSeconds) * time.Second
	interval := idle / 2
	if interval < minKeepaliveInterval {
		interval = minKeepaliveInterval
	}
	if interval >= idle {
		interval = idle / 2
	}
	return interval
}
