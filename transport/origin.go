// Package transport provides the byte-stream carriers the protocol stack runs
// over: a raw TCP dialer/listener and a WebSocket-tunneled variant for edge
// devices that can only egress through an HTTP(S) proxy.
package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// OriginFromWSURL converts a websocket URL (ws:// or wss://) to an HTTP Origin
// (http(s)://host[:port]) suitable for the Origin header on a WebSocket dial.
func OriginFromWSURL(wsURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(wsURL))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("ws url missing host")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "wss":
		return "https://" + u.Host, nil
	case "ws":
		return "http://" + u.Host, nil
	default:
		return "", fmt.Errorf("unsupported ws scheme: %s", u.Scheme)
	}
}
