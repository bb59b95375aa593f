// Package session implements the per-peer session state machine: it
// owns the installed TX/RX AEAD contexts produced by a completed handshake,
// drives the frame-count/interval/nonce-guard rekey triggers, and runs the
// REKEY/REKEY_ACK exchange that rotates keys without interrupting the data
// stream.
package session

import "fmt"

// State is the session's lifecycle state.
type State int32

const (
	// StateHandshaking is set only transiently by callers that track
	// pre-session state; a Session value always starts at StateReady, since
	// it is constructed from an already-completed handshake.Result.
	StateHandshaking State = iota
	// StateReady accepts and produces DATA frames under the installed keys.
	StateReady
	// StateRekeying is set while a rekey this side initiated is awaiting
	// REKEY_ACK. DATA frames still flow normally in both directions; only
	// a second concurrent rekey is disallowed.
	StateRekeying
	// StateClosed is terminal; the AEAD key material has been wiped.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateRekeying:
		return "rekeying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
