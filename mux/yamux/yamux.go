// Package yamux wraps the stream multiplexer used to carry several
// independently keyed secured streams over one transport connection.
package yamux

import (
	"net"

	"github.com/hashicorp/yamux"
)

// NewClient starts the dialing side of a multiplexed session over conn. A
// nil cfg selects the library defaults.
func NewClient(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Client(conn, cfg)
}

// NewServer starts the accepting side of a multiplexed session over conn. A
// nil cfg selects the library defaults.
func NewServer(conn net.Conn, cfg *yamux.Config) (*yamux.Session, error) {
	if cfg == nil {
		cfg = yamux.DefaultConfig()
	}
	return yamux.Server(conn, cfg)
}
