package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/protocol"
)

// fakeStream is an in-memory Stream. It records written frames and the
// highest number of WriteMessage calls that were ever running at once.
type fakeStream struct {
	inbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	writeDelay time.Duration
	writeGate  chan struct{}
	failWrites atomic.Bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	mu      sync.Mutex
	written [][]byte
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *fakeStream) WriteMessage(data []byte) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if s.writeGate != nil {
		select {
		case <-s.writeGate:
		case <-s.closed:
			return net.ErrClosed
		}
	}
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	if s.failWrites.Load() {
		return io.ErrClosedPipe
	}

	s.mu.Lock()
	s.written = append(s.written, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) RemoteAddr() string { return "fake" }

// push queues an inbound frame.
func (s *fakeStream) push(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	s.inbound <- data
}

func (s *fakeStream) pushRaw(data string) { s.inbound <- []byte(data) }

// hangUp simulates the client closing its side.
func (s *fakeStream) hangUp() { close(s.inbound) }

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// messages parses every frame written so far.
func (s *fakeStream) messages(t *testing.T) []*protocol.Message {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Message, 0, len(s.written))
	for _, data := range s.written {
		msg, err := protocol.Parse(data)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// waitFor blocks until at least n frames were written.
func (s *fakeStream) waitFor(t *testing.T, n int) []*protocol.Message {
	t.Helper()
	require.Eventually(t, func() bool { return s.count() >= n }, 2*time.Second, 5*time.Millisecond,
		"expected at least %d frames", n)
	return s.messages(t)
}

// recordingPeer is a Peer that stores everything it is sent.
type recordingPeer struct {
	id uint64

	mu       sync.Mutex
	received []*protocol.Message
}

func (p *recordingPeer) ID() uint64 { return p.id }

func (p *recordingPeer) Send(msg *protocol.Message) {
	p.mu.Lock()
	p.received = append(p.received, msg)
	p.mu.Unlock()
}

func (p *recordingPeer) messages() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*protocol.Message(nil), p.received...)
}

func testOptions() connOptions {
	return connOptionsFrom(NewConfig().Sanitize())
}

// startConn builds a Connection over a fake stream and runs it. setup may
// adjust the stream before Run starts. The returned channel is closed when
// Run returns.
func startConn(t *testing.T, id uint64, reg *Registry, opts connOptions, setup ...func(*fakeStream)) (*Connection, *fakeStream, <-chan struct{}) {
	t.Helper()
	stream := newFakeStream()
	for _, fn := range setup {
		fn(stream)
	}
	c := newConnection(id, "session", stream, reg, NewMetrics(nil), nil, opts, testr.New(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run()
	}()
	t.Cleanup(func() {
		_ = stream.Close()
		waitDone(t, done)
	})
	return c, stream, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish")
	}
}

func typesOf(msgs []*protocol.Message) []protocol.Type {
	out := make([]protocol.Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type()
	}
	return out
}
