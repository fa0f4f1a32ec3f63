package server

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTableAllocatesUniqueIDs(t *testing.T) {
	table := newSessionTable()
	reg := NewRegistry(1)
	build := func(id uint64) *Connection {
		return newConnection(id, "s", newFakeStream(), reg, NewMetrics(nil), nil, testOptions(), testr.New(t))
	}

	a, ok := table.allocate(build)
	require.True(t, ok)
	b, ok := table.allocate(build)
	require.True(t, ok)
	assert.NotEqual(t, a.ID(), b.ID())

	got, ok := table.Lookup(a.ID())
	require.True(t, ok)
	assert.Same(t, a, got)

	table.release(a.ID())
	table.release(a.ID())
	_, ok = table.Lookup(a.ID())
	assert.False(t, ok)
	assert.Equal(t, 1, table.Len())

	c, ok := table.allocate(build)
	require.True(t, ok)
	assert.Greater(t, c.ID(), b.ID(), "IDs are never reused")
	assert.Equal(t, []uint64{b.ID(), c.ID()}, table.ids())

	table.release(b.ID())
	table.release(c.ID())
}

func TestSessionTableCloseAll(t *testing.T) {
	table := newSessionTable()
	reg := NewRegistry(1)

	var streams []*fakeStream
	var dones []chan struct{}
	for i := 0; i < 3; i++ {
		stream := newFakeStream()
		c, ok := table.allocate(func(id uint64) *Connection {
			return newConnection(id, "s", stream, reg, NewMetrics(nil), nil, testOptions(), testr.New(t))
		})
		require.True(t, ok)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer table.release(c.ID())
			c.Run()
		}()
		streams = append(streams, stream)
		dones = append(dones, done)
	}

	assert.Equal(t, 3, table.closeAll())
	for i := range streams {
		waitDone(t, dones[i])
		assert.True(t, streams[i].isClosed())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, table.wait(ctx))

	_, ok := table.allocate(func(id uint64) *Connection {
		t.Fatal("allocate must not build once closing")
		return nil
	})
	assert.False(t, ok)
}

func TestSessionTableWaitHonorsContext(t *testing.T) {
	table := newSessionTable()
	stream := newFakeStream()
	c, ok := table.allocate(func(id uint64) *Connection {
		return newConnection(id, "s", stream, NewRegistry(1), NewMetrics(nil), nil, testOptions(), testr.New(t))
	})
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, table.wait(ctx), "a live connection keeps the table busy")

	assert.Equal(t, 1, table.closeAll())
	table.release(c.ID())
	assert.True(t, table.wait(context.Background()))
}

func TestSessionTableWaitWithNoConnections(t *testing.T) {
	table := newSessionTable()
	assert.Zero(t, table.closeAll())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, table.wait(ctx))
}
