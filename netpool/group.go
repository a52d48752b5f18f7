package netpool

import (
	"container/list"
	"fmt"
)

// Key identifies the connections interchangeable for a request.
type Key struct {
	Origin string // scheme://host:port
	Proxy  string // proxy URL, empty for direct connections
	// Variant keeps connections opened under per-request protocol or
	// trust overrides apart from the rest
	Variant string
}

func (k Key) String() string {
	s := k.Origin
	if k.Proxy != "" {
		s = fmt.Sprintf("%s via %s", s, k.Proxy)
	}
	if k.Variant != "" {
		s += " [" + k.Variant + "]"
	}
	return s
}

type grant[C Conn] struct {
	c    C
	slot bool // no connection, the waiter may dial
	err  error
}

type waiter[C Conn] struct {
	ch      chan grant[C]
	granted bool
	shared  bool // checked out with CheckoutShared
}

// group is the pool entry of one key. All fields are guarded by the pool
// mutex.
type group[C Conn] struct {
	key     Key
	shared  []*sharedConn[C]
	idle    []*idleConn[C] // most recently idled last
	active  int            // exclusive connections checked out
	dialing int
	waiters *list.List // of *waiter[C], FIFO

	// the last dial produced a multiplexed connection, concurrent
	// checkouts wait for a dial in flight instead of dialing their own
	multiplexed bool
	settled     bool // a dial completed, multiplexed is no longer a guess
}

func newGroup[C Conn](key Key) *group[C] {
	return &group[C]{key: key, waiters: list.New()}
}

func (g *group[C]) total() int {
	return g.active + len(g.idle) + g.dialing + len(g.shared)
}

// sharesDial reports whether a checkout waits for the dial in flight
// rather than opening a connection of its own.
func (g *group[C]) sharesDial(expectShared bool) bool {
	return g.dialing > 0 && (g.multiplexed || expectShared && !g.settled)
}

func (g *group[C]) empty() bool {
	return g.total() == 0 && g.waiters.Len() == 0
}

// liveShared returns a shared connection still taking requests, dropping
// dead ones into closing.
func (g *group[C]) liveShared(closing *[]C) (C, bool) {
	for len(g.shared) > 0 {
		s := g.shared[len(g.shared)-1]
		if s.c.Alive() {
			return s.c, true
		}
		g.shared = g.shared[:len(g.shared)-1]
		*closing = append(*closing, s.c)
	}
	var zero C
	return zero, false
}

func (g *group[C]) findShared(c C) int {
	for i, s := range g.shared {
		if s.c.ID() == c.ID() {
			return i
		}
	}
	return -1
}

func (g *group[C]) removeShared(i int) {
	g.shared = append(g.shared[:i], g.shared[i+1:]...)
}

func (g *group[C]) hasIdle(ic *idleConn[C]) bool {
	for _, x := range g.idle {
		if x == ic {
			return true
		}
	}
	return false
}

func (g *group[C]) removeIdle(ic *idleConn[C]) bool {
	for i, x := range g.idle {
		if x == ic {
			g.idle = append(g.idle[:i], g.idle[i+1:]...)
			return true
		}
	}
	return false
}

// nextWaiter pops the first waiter, it must be granted something.
func (g *group[C]) nextWaiter() *waiter[C] {
	e := g.waiters.Front()
	if e == nil {
		return nil
	}
	w := g.waiters.Remove(e).(*waiter[C])
	w.granted = true
	return w
}
