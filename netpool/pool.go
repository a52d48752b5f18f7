// Package netpool keeps physical connections per origin and proxy: idle
// exclusive connections for reuse, shared multiplexed ones, and a FIFO of
// checkouts waiting for capacity.
package netpool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/utils/nettools"
)

var ErrPoolClosed = errors.New("netpool: pool closed")

type Config struct {
	MaxConnsPerOrigin int // 0 means unlimited
	MaxIdlePerOrigin  int // 0 means unlimited
	MaxIdleTotal      int // 0 means unlimited
	// IdleTimeout closes connections idle for longer, 0 keeps them
	IdleTimeout time.Duration
	// CheckoutTimeout bounds the wait for a connection, 0 leaves it to
	// the context
	CheckoutTimeout time.Duration
	Logger          *zap.Logger
}

type Stats struct {
	Active  int // exclusive connections checked out
	Idle    int
	Shared  int // multiplexed connections
	Dialing int
	Waiting int
}

type Pool[C Conn] struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	groups map[Key]*group[C]
	lru    *list.List // of *idleConn[C], least recently idled first
	closed bool

	stop chan struct{}
	done chan struct{}
}

func New[C Conn](cfg Config) *Pool[C] {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool[C]{
		cfg:    cfg,
		log:    log,
		groups: map[Key]*group[C]{},
		lru:    list.New(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go p.reap(reapInterval(cfg.IdleTimeout))
	} else {
		close(p.done)
	}
	return p
}

func (p *Pool[C]) group(key Key) *group[C] {
	g, ok := p.groups[key]
	if !ok {
		g = newGroup[C](key)
		p.groups[key] = g
	}
	return g
}

func (p *Pool[C]) underCap(g *group[C]) bool {
	return p.cfg.MaxConnsPerOrigin <= 0 || g.total() < p.cfg.MaxConnsPerOrigin
}

func closeAll[C Conn](cc []C) {
	for _, c := range cc {
		c.Close()
	}
}

// Checkout returns a connection for key: a shared multiplexed one, the
// most recently idled exclusive one, a new one from dial, or the first one
// freed while waiting in line.
func (p *Pool[C]) Checkout(ctx context.Context, key Key, dial func(ctx context.Context) (C, error)) (C, error) {
	return p.checkout(ctx, key, false, dial)
}

// CheckoutShared is Checkout for keys expected to produce multiplexed
// connections. Until a dial for key has completed, it waits for the dial in
// flight and shares its connection instead of dialing another one.
func (p *Pool[C]) CheckoutShared(ctx context.Context, key Key, dial func(ctx context.Context) (C, error)) (C, error) {
	return p.checkout(ctx, key, true, dial)
}

func (p *Pool[C]) checkout(ctx context.Context, key Key, shared bool, dial func(ctx context.Context) (C, error)) (C, error) {
	var zero C
	if p.cfg.CheckoutTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CheckoutTimeout)
		defer cancel()
	}
	for {
		var closing []C
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, errs.Connect("checkout", key.Origin, ErrPoolClosed)
		}
		g := p.group(key)
		if c, ok := g.liveShared(&closing); ok {
			p.mu.Unlock()
			closeAll(closing)
			return c, nil
		}
		if n := len(g.idle); n > 0 {
			ic := g.idle[n-1]
			g.idle = g.idle[:n-1]
			p.lru.Remove(ic.elem)
			g.active++
			p.mu.Unlock()
			closeAll(closing)
			if p.usable(ic) {
				p.log.Debug("reusing connection", zap.Stringer("key", key), zap.String("conn", ic.c.ID()))
				return ic.c, nil
			}
			p.log.Debug("dropping stale connection", zap.Stringer("key", key), zap.String("conn", ic.c.ID()))
			ic.c.Close()
			p.mu.Lock()
			g.active--
			closing = p.handOff(g)
			p.mu.Unlock()
			closeAll(closing)
			continue
		}
		if p.underCap(g) && !g.sharesDial(shared) {
			g.dialing++
			p.mu.Unlock()
			closeAll(closing)
			return p.dial(ctx, g, dial)
		}

		w := &waiter[C]{ch: make(chan grant[C], 1), shared: shared}
		e := g.waiters.PushBack(w)
		p.mu.Unlock()
		closeAll(closing)

		select {
		case gr := <-w.ch:
			switch {
			case gr.err != nil:
				return zero, gr.err
			case gr.slot:
				return p.dial(ctx, g, dial)
			}
			return gr.c, nil
		case <-ctx.Done():
			p.mu.Lock()
			if !w.granted {
				g.waiters.Remove(e)
				if g.empty() {
					delete(p.groups, key)
				}
				p.mu.Unlock()
				return zero, errs.FromContext(ctx, errs.Cancelled, "checkout", key.Origin, ctx.Err())
			}
			p.mu.Unlock()
			// lost the race against a hand over, pass it on
			gr := <-w.ch
			switch {
			case gr.slot:
				p.mu.Lock()
				g.dialing--
				closing = p.handOff(g)
				p.mu.Unlock()
				closeAll(closing)
			case gr.err == nil:
				p.Release(key, gr.c, true)
			}
			return zero, errs.FromContext(ctx, errs.Cancelled, "checkout", key.Origin, ctx.Err())
		}
	}
}

func (p *Pool[C]) usable(ic *idleConn[C]) bool {
	if p.cfg.IdleTimeout > 0 && time.Since(ic.LastIdle) > p.cfg.IdleTimeout {
		return false
	}
	if !ic.c.Alive() {
		return false
	}
	if r, ok := any(ic.c).(rawConn); ok {
		return nettools.Usable(r.Raw())
	}
	return true
}

func (p *Pool[C]) dial(ctx context.Context, g *group[C], dial func(ctx context.Context) (C, error)) (C, error) {
	c, err := dial(ctx)
	p.mu.Lock()
	g.dialing--
	if err != nil {
		closing := p.handOff(g)
		p.mu.Unlock()
		closeAll(closing)
		var zero C
		return zero, err
	}
	if p.closed {
		p.mu.Unlock()
		c.Close()
		var zero C
		return zero, errs.Connect("checkout", g.key.Origin, ErrPoolClosed)
	}
	g.multiplexed = c.Multiplexed()
	g.settled = true
	if g.multiplexed {
		g.shared = append(g.shared, &sharedConn[C]{c: c, LastUsed: time.Now()})
	} else {
		g.active++
	}
	// waiters held back by a dial in flight may go ahead now
	closing := p.handOff(g)
	p.mu.Unlock()
	closeAll(closing)
	p.log.Debug("new connection", zap.Stringer("key", g.key), zap.String("conn", c.ID()), zap.Bool("multiplexed", g.multiplexed))
	return c, nil
}

// handOff serves waiters after capacity freed up, returning connections
// found dead on the way. Called with p.mu held.
func (p *Pool[C]) handOff(g *group[C]) (closing []C) {
	for g.waiters.Len() > 0 {
		if c, ok := g.liveShared(&closing); ok {
			for w := g.nextWaiter(); w != nil; w = g.nextWaiter() {
				w.ch <- grant[C]{c: c}
			}
			break
		}
		if n := len(g.idle); n > 0 {
			ic := g.idle[n-1]
			g.idle = g.idle[:n-1]
			p.lru.Remove(ic.elem)
			g.active++
			g.nextWaiter().ch <- grant[C]{c: ic.c}
			continue
		}
		w := g.waiters.Front().Value.(*waiter[C])
		if !p.underCap(g) || g.sharesDial(w.shared) {
			break
		}
		g.dialing++
		g.nextWaiter().ch <- grant[C]{slot: true}
	}
	if g.empty() {
		delete(p.groups, g.key)
	}
	return closing
}

// Release returns c after a request. Reusable exclusive connections go to
// the first waiter or to the idle list, anything else is closed and its
// capacity handed on.
func (p *Pool[C]) Release(key Key, c C, reusable bool) {
	var closing []C
	defer func() { closeAll(closing) }()
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.groups[key]
	if !ok {
		closing = append(closing, c)
		return
	}
	if c.Multiplexed() {
		i := g.findShared(c)
		if i < 0 {
			return
		}
		g.shared[i].LastUsed = time.Now()
		if !reusable || !c.Alive() || p.closed {
			g.removeShared(i)
			closing = append(closing, c)
			closing = append(closing, p.handOff(g)...)
		}
		return
	}

	g.active--
	if !reusable || !c.Alive() || p.closed {
		closing = append(closing, c)
		closing = append(closing, p.handOff(g)...)
		return
	}
	if w := g.nextWaiter(); w != nil {
		g.active++
		w.ch <- grant[C]{c: c}
		return
	}
	ic := &idleConn[C]{c: c, g: g, LastIdle: time.Now()}
	ic.elem = p.lru.PushBack(ic)
	g.idle = append(g.idle, ic)
	if limit := p.cfg.MaxIdlePerOrigin; limit > 0 {
		for len(g.idle) > limit {
			closing = append(closing, p.evict(g.idle[0]))
		}
	}
	if limit := p.cfg.MaxIdleTotal; limit > 0 {
		for p.lru.Len() > limit {
			closing = append(closing, p.evict(p.lru.Front().Value.(*idleConn[C])))
		}
	}
}

// evict takes ic out of the pool. Called with p.mu held.
func (p *Pool[C]) evict(ic *idleConn[C]) C {
	ic.g.removeIdle(ic)
	p.lru.Remove(ic.elem)
	if ic.g.empty() {
		delete(p.groups, ic.g.key)
	}
	p.log.Debug("evicting idle connection", zap.Stringer("key", ic.g.key), zap.String("conn", ic.c.ID()))
	return ic.c
}

func (p *Pool[C]) Stats(key Key) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[key]
	if !ok {
		return Stats{}
	}
	return Stats{
		Active:  g.active,
		Idle:    len(g.idle),
		Shared:  len(g.shared),
		Dialing: g.dialing,
		Waiting: g.waiters.Len(),
	}
}

// Close closes idle and shared connections and fails waiting checkouts.
// Checked out connections are closed when released.
func (p *Pool[C]) Close() error {
	var closing []C
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, g := range p.groups {
		for _, ic := range g.idle {
			closing = append(closing, ic.c)
		}
		for _, s := range g.shared {
			closing = append(closing, s.c)
		}
		g.idle, g.shared = nil, nil
		for w := g.nextWaiter(); w != nil; w = g.nextWaiter() {
			w.ch <- grant[C]{err: errs.Connect("checkout", g.key.Origin, ErrPoolClosed)}
		}
	}
	p.lru.Init()
	p.mu.Unlock()
	close(p.stop)
	<-p.done
	closeAll(closing)
	return nil
}
