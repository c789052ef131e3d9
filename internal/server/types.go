// Package server defines connection states and small helpers shared by the
// hub, sessions and the gateway.
package server

import (
	"errors"
	"net"
	"strings"
)

// connState is the lifecycle of one connection:
// connecting -> authenticated -> active -> closed. Any state may move to
// closed, and closed is terminal.
//
// Connecting is the handshake inside Gateway.ServeWS, before a Session
// exists; a refused handshake never leaves it. Sessions are created
// authenticated.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
