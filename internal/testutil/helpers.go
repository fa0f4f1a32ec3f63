// Package testutil provides helpers shared by relaychat tests: starting a
// server, dialing it as a WebSocket client and exchanging envelopes.
package testutil

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// ReadTimeout bounds every helper read.
const ReadTimeout = 2 * time.Second

// TestOrigin is the Origin header sent by Dial.
const TestOrigin = "http://localhost:8080"

// WebSocketURL converts an httptest server URL to its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// Dial opens a WebSocket to the /ws endpoint of serverURL with the test
// origin and closes it when the test ends.
func Dial(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	conn, err := DialWithOrigin(serverURL, TestOrigin)
	require.NoError(t, err, "dialing %s", serverURL)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// DialWithOrigin dials without registering cleanup and returns the error, so
// callers can assert rejected handshakes.
func DialWithOrigin(serverURL, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(WebSocketURL(serverURL), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// Send encodes msg and writes it as a text frame.
func Send(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	SendRaw(t, conn, data)
}

// SendRaw writes data as a text frame.
func SendRaw(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// Receive reads and parses the next envelope, failing the test on timeout.
func Receive(t *testing.T, conn *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "waiting for message")
	msg, err := protocol.Parse(data)
	require.NoError(t, err, "parsing %s", data)
	return msg
}

// ReceiveType reads envelopes until one of type typ arrives.
func ReceiveType(t *testing.T, conn *websocket.Conn, typ protocol.Type) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(ReadTimeout)
	for time.Now().Before(deadline) {
		msg := Receive(t, conn)
		if msg.Type() == typ {
			return msg
		}
	}
	t.Fatalf("no %s message within %s", typ, ReadTimeout)
	return nil
}

// Login sends a login for username and returns the ack and the user list.
func Login(t *testing.T, conn *websocket.Conn, username string) (ack, users *protocol.Message) {
	t.Helper()
	Send(t, conn, protocol.NewLogin(username))
	ack = Receive(t, conn)
	require.True(t, ack.IsLoginAck(), "expected login ack, got %s", ack.Type())
	ok, err := ack.Success()
	require.NoError(t, err)
	require.True(t, ok, "login as %q failed: %s", username, ack.Reason())
	users = Receive(t, conn)
	require.Equal(t, protocol.TypeUserList, users.Type())
	return ack, users
}

// ExpectClosed asserts that the server closes conn within timeout.
func ExpectClosed(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatalf("connection still open after %s", timeout)
		}
		return
	}
}

// StartServer serves handler on an httptest server closed at test end.
func StartServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

// Eventually polls cond until it returns true or the timeout expires.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, cond, ReadTimeout, 10*time.Millisecond, msgAndArgs...)
}

// ShutdownContext returns a context bounded by ReadTimeout.
func ShutdownContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ReadTimeout)
	t.Cleanup(cancel)
	return ctx
}
