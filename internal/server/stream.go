package server

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

// wsStream adapts a gorilla WebSocket connection to Stream. It owns the
// transport-level keepalive: a read deadline refreshed by pongs and a pinger
// goroutine that uses WriteControl, which gorilla allows concurrently with
// the data writer.
type wsStream struct {
	conn      *websocket.Conn
	keepalive KeepaliveConfig
	log       logr.Logger

	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, keepalive KeepaliveConfig, maxMessageSize int64, log logr.Logger) *wsStream {
	s := &wsStream{
		conn:      conn,
		keepalive: keepalive,
		log:       log,
		stop:      make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	s.setupReadDeadline()
	go s.pingLoop()
	return s
}

// setupReadDeadline configures read deadlines and the pong handler.
func (s *wsStream) setupReadDeadline() {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.keepalive.PongWait)); err != nil {
		s.log.Error(err, "Error setting initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.keepalive.PongWait))
	})
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(s.keepalive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.keepalive.WriteWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !isExpectedCloseError(err) {
					s.log.V(1).Info("Ping failed", "err", err.Error())
				}
				return
			}
		}
	}
}

// ReadMessage returns the next text frame. Binary frames are dropped.
func (s *wsStream) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
		s.log.V(1).Info("Discarding non-text frame", "type", mt)
	}
}

// WriteMessage writes one text frame under the configured write deadline.
func (s *wsStream) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.keepalive.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the pinger, sends a best-effort close frame and closes the
// underlying connection. Safe to call more than once.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		deadline := time.Now().Add(s.keepalive.WriteWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			s.log.V(1).Info("Error writing close frame", "err", err.Error())
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr reports the peer address for logging.
func (s *wsStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
