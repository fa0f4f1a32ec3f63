// Package server defines shared interfaces and utility helpers that are
// reused across connection, registry and handler logic.
package server

import (
	"strings"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// Peer is the registry's view of a connection: a stable identity and a
// non-blocking, goroutine-safe Send.
type Peer interface {
	ID() uint64
	Send(msg *protocol.Message)
}

// Stream is the duplex transport capability a Connection drives. ReadMessage
// and WriteMessage are each called from a single goroutine at a time; Close
// may be called concurrently with both.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
