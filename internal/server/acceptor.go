package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Acceptor wraps a net.Listener so that a failed Accept is logged and retried
// with backoff instead of ending the accept loop. Only closing the listener
// stops it. The HTTP server serves on top of an Acceptor, upgrading each
// accepted connection and handing it to a Connection.
type Acceptor struct {
	net.Listener

	log       logr.Logger
	clock     clock.Clock
	metrics   *Metrics
	done      chan struct{}
	closeOnce sync.Once
}

// NewAcceptor wraps ln.
func NewAcceptor(ln net.Listener, log logr.Logger, clk clock.Clock, metrics *Metrics) *Acceptor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Acceptor{
		Listener: ln,
		log:      log,
		clock:    clk,
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Accept returns the next connection, retrying transient failures.
func (a *Acceptor) Accept() (net.Conn, error) {
	var delay time.Duration
	for {
		conn, err := a.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		select {
		case <-a.done:
			return nil, net.ErrClosed
		default:
		}

		if delay == 0 {
			delay = minAcceptBackoff
		} else {
			delay *= 2
		}
		if delay > maxAcceptBackoff {
			delay = maxAcceptBackoff
		}
		a.metrics.AcceptErrors.Inc()
		a.log.Error(err, "Accept failed; retrying", "delay", delay)

		select {
		case <-a.done:
			return nil, net.ErrClosed
		case <-a.clock.After(delay):
		}
	}
}

// Close stops retrying and closes the listener.
func (a *Acceptor) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return a.Listener.Close()
}
