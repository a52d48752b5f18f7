package netpool

import (
	"container/list"
	"context"
	"net"
	"time"
)

// Conn is what the pool manages, one physical connection.
type Conn interface {
	ID() string
	// Multiplexed connections are shared by concurrent checkouts instead
	// of being handed out one at a time.
	Multiplexed() bool
	Alive() bool
	Close() error
}

// rawConn is implemented by connections over a plain socket, idle ones
// are probed for a peer close before reuse.
type rawConn interface {
	Raw() net.Conn
}

// streamCounter is implemented by multiplexed connections, shared ones
// without streams count as idle.
type streamCounter interface {
	Active() int
}

// pinger checks the peer without a request.
type pinger interface {
	Ping(ctx context.Context) error
}

type idleConn[C Conn] struct {
	c        C
	g        *group[C]
	LastIdle time.Time
	elem     *list.Element // position in the pool wide LRU
}

type sharedConn[C Conn] struct {
	c        C
	LastUsed time.Time
}
