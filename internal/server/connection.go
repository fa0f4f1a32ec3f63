// Package server manages individual chat connections: the login handshake,
// the sequential read loop, the single-writer outbound queue and teardown.
package server

import (
	"errors"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// connOptions carries the per-connection settings derived from Config.
type connOptions struct {
	malformedPolicy   MalformedPolicy
	maxQueuedMessages int
	maxUsernameLength int
	maxMessageSize    int64
}

func connOptionsFrom(cfg Config) connOptions {
	return connOptions{
		malformedPolicy:   cfg.MalformedPolicy,
		maxQueuedMessages: cfg.MaxQueuedMessages,
		maxUsernameLength: cfg.MaxUsernameLength,
		maxMessageSize:    cfg.MaxMessageSize,
	}
}

// Connection is one client's chat session on top of a Stream.
//
// Reads happen only on the goroutine running Run. Writes happen only on the
// write pump goroutine, of which at most one exists at a time: Send appends
// to the queue and starts a pump if none is in flight, and the pump clears
// the in-flight flag under the same mutex once it finds the queue empty.
type Connection struct {
	id       uint64
	session  string
	stream   Stream
	registry *Registry
	metrics  *Metrics
	limiter  *rateLimiter
	opts     connOptions
	log      logr.Logger

	mu       sync.Mutex
	username string
	queue    [][]byte
	writing  bool
	closed   bool

	pump         sync.WaitGroup
	teardownOnce sync.Once
}

func newConnection(id uint64, session string, stream Stream, registry *Registry, metrics *Metrics,
	limiter *rateLimiter, opts connOptions, log logr.Logger,
) *Connection {
	return &Connection{
		id:       id,
		session:  session,
		stream:   stream,
		registry: registry,
		metrics:  metrics,
		limiter:  limiter,
		opts:     opts,
		log:      log,
	}
}

// ID returns the connection's identity in the session table and registry.
func (c *Connection) ID() uint64 { return c.id }

// Session returns the connection's correlation ID.
func (c *Connection) Session() string { return c.session }

// Username returns the name fixed at login, or "" before login.
func (c *Connection) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Send queues msg for delivery and returns immediately. It is the only method
// other goroutines may call. Messages sent after the connection started
// closing are discarded. When the queue is full the client is considered too
// slow and its stream is closed; the read loop then tears the session down.
func (c *Connection) Send(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error(err, "Error encoding outbound message", "type", msg.Type())
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.opts.maxQueuedMessages {
		c.closed = true
		c.queue = nil
		c.mu.Unlock()

		c.metrics.SlowConsumers.Inc()
		c.log.Info("Closing connection due to full send queue", "limit", c.opts.maxQueuedMessages)
		go c.closeStream()
		return
	}

	c.queue = append(c.queue, data)
	if c.writing {
		c.mu.Unlock()
		return
	}
	c.writing = true
	c.pump.Add(1)
	c.mu.Unlock()

	go c.writePump()
}

// writePump drains the queue one frame at a time.
func (c *Connection) writePump() {
	defer c.pump.Done()

	for {
		data, ok := c.nextFrame()
		if !ok {
			return
		}

		if err := c.stream.WriteMessage(data); err != nil {
			c.metrics.WriteErrors.Inc()
			if !isExpectedCloseError(err) {
				c.log.Error(err, "Error writing message")
			}
			c.mu.Lock()
			c.writing = false
			c.closed = true
			c.queue = nil
			c.mu.Unlock()
			c.closeStream()
			return
		}
	}
}

// nextFrame pops the head of the queue, or clears the in-flight flag and
// reports false when there is nothing left to write.
func (c *Connection) nextFrame() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.queue) == 0 {
		c.writing = false
		return nil, false
	}
	data := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return data, true
}

// Run drives the session until the client disconnects or the stream fails:
// login handshake, then the read loop, then teardown. It returns only after
// the session left the registry and its write pump has exited.
func (c *Connection) Run() {
	defer c.teardown()

	if !c.awaitLogin() {
		return
	}
	c.readLoop()
}

// Close closes the underlying stream. Run notices the failed read and tears
// the session down.
func (c *Connection) Close() {
	c.closeStream()
}

func (c *Connection) closeStream() {
	if err := c.stream.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Error(err, "Error closing connection")
	}
}

// awaitLogin reads frames until a valid login is admitted. Frames of any
// other kind are ignored. It returns false when the session must end.
func (c *Connection) awaitLogin() bool {
	for {
		data, err := c.stream.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return false
		}
		c.metrics.MessagesReceived.Inc()

		msg, keep := c.decode(data)
		if !keep {
			return false
		}
		if msg == nil {
			continue
		}
		if !msg.IsLogin() {
			c.metrics.MessagesDropped.WithLabelValues(dropUnexpected).Inc()
			c.log.V(1).Info("Ignoring message before login", "type", msg.Type())
			continue
		}

		if c.login(msg) {
			return true
		}
	}
}

func (c *Connection) login(msg *protocol.Message) bool {
	name, _ := msg.Username()
	if err := protocol.ValidateUsername(name, c.opts.maxUsernameLength); err != nil {
		c.rejectLogin(name, err)
		return false
	}

	notified, err := c.registry.Admit(c, name)
	if err != nil {
		c.rejectLogin(name, err)
		return false
	}

	c.mu.Lock()
	c.username = name
	c.mu.Unlock()

	c.metrics.Logins.WithLabelValues("success").Inc()
	c.metrics.RegisteredUsers.Inc()
	c.metrics.observeBroadcast(notified)
	c.log.Info("User logged in", "user", name, "notified", notified)
	return true
}

func (c *Connection) rejectLogin(name string, reason error) {
	c.metrics.Logins.WithLabelValues("rejected").Inc()
	c.log.Info("Rejected login", "username", name, "reason", reason.Error())
	c.Send(protocol.NewLoginAck(false, reason.Error()))
}

// readLoop broadcasts each chat message from a logged-in client.
func (c *Connection) readLoop() {
	for {
		data, err := c.stream.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.metrics.MessagesReceived.Inc()

		msg, keep := c.decode(data)
		if !keep {
			return
		}
		if msg == nil {
			continue
		}
		if !msg.IsChat() {
			c.metrics.MessagesDropped.WithLabelValues(dropUnexpected).Inc()
			c.log.V(1).Info("Ignoring non-chat message", "type", msg.Type())
			continue
		}

		text, err := msg.Text()
		if err != nil {
			if !c.handleMalformed(err) {
				return
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		n := c.registry.Broadcast(protocol.NewChat(c.username, text))
		c.metrics.observeBroadcast(n)
		c.log.V(1).Info("Broadcast chat message", "recipients", n)
	}
}

// decode parses a frame. A nil message with keep == true means the frame
// was discarded; keep == false means the connection must close.
func (c *Connection) decode(data []byte) (msg *protocol.Message, keep bool) {
	msg, err := protocol.Parse(data)
	if err != nil {
		return nil, c.handleMalformed(err)
	}
	if !msg.Known() {
		c.metrics.MessagesDropped.WithLabelValues(dropUnknownType).Inc()
		c.log.V(1).Info("Ignoring message of unknown type", "type", msg.Type())
		return nil, true
	}
	return msg, true
}

// handleMalformed applies the malformed message policy and reports whether
// the connection stays open.
func (c *Connection) handleMalformed(err error) bool {
	c.metrics.MessagesDropped.WithLabelValues(dropMalformed).Inc()
	if c.opts.malformedPolicy == MalformedClose {
		c.log.Info("Closing connection after malformed message", "err", err.Error())
		return false
	}
	c.log.Info("Discarding malformed message", "err", err.Error())
	return true
}

// checkRateLimit reports whether the client may send another message now.
func (c *Connection) checkRateLimit() bool {
	if c.limiter != nil && !c.limiter.allow() {
		c.metrics.MessagesDropped.WithLabelValues(dropRateLimited).Inc()
		c.log.Info("Rate limit exceeded; discarding message")
		return false
	}
	return true
}

// handleReadError logs why the read side ended.
func (c *Connection) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Message exceeded maximum size", "limit", c.opts.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.V(1).Info("Client disconnected", "reason", err.Error())
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.V(1).Info("Connection closed", "reason", err.Error())
	case websocket.IsUnexpectedCloseError(err):
		c.log.Info("Unexpected WebSocket close", "reason", err.Error())
	default:
		c.log.Error(err, "WebSocket read error")
	}
}

// teardown runs once: it stops further sends, leaves the registry, announces
// the departure, closes the stream and waits for the write pump to finish.
func (c *Connection) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()

		if name, ok := c.registry.Leave(c.id); ok {
			c.metrics.RegisteredUsers.Dec()
			n := c.registry.Broadcast(protocol.NewUserLeft(name))
			c.metrics.observeBroadcast(n)
			c.log.Info("User left", "user", name, "notified", n)
		}

		c.closeStream()
		c.pump.Wait()
	})
}
