// Package defaults holds the shared timing defaults the CLI boundaries use
// when no explicit configuration is given.
package defaults

import "time"

// ConnectTimeout bounds establishing a transport connection (TCP dial or
// websocket handshake) to a peer.
const ConnectTimeout = 10 * time.Second
