package netpool

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/frankli0324/rq/utils/nettools"
)

const pingTimeout = 5 * time.Second

func reapInterval(idle time.Duration) time.Duration {
	d := idle / 2
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (p *Pool[C]) reap(interval time.Duration) {
	defer close(p.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.sweep(time.Now())
		}
	}
}

type pingTarget[C Conn] struct {
	key Key
	c   C
}

// sweep closes connections idle past the timeout, probes the remaining
// idle sockets in one go and pings shared connections without streams.
func (p *Pool[C]) sweep(now time.Time) {
	var (
		closing []C
		probe   []*idleConn[C]
		raws    []net.Conn
		pings   []pingTarget[C]
	)
	p.mu.Lock()
	for _, g := range p.groups {
		for _, ic := range append([]*idleConn[C](nil), g.idle...) {
			if now.Sub(ic.LastIdle) > p.cfg.IdleTimeout || !ic.c.Alive() {
				closing = append(closing, p.evict(ic))
				continue
			}
			if r, ok := any(ic.c).(rawConn); ok {
				probe = append(probe, ic)
				raws = append(raws, r.Raw())
			}
		}
		for i := len(g.shared) - 1; i >= 0; i-- {
			s := g.shared[i]
			if !s.c.Alive() {
				g.removeShared(i)
				closing = append(closing, s.c)
				continue
			}
			if a, ok := any(s.c).(streamCounter); !ok || a.Active() > 0 {
				continue
			}
			if now.Sub(s.LastUsed) > p.cfg.IdleTimeout {
				g.removeShared(i)
				closing = append(closing, s.c)
				continue
			}
			if _, ok := any(s.c).(pinger); ok {
				pings = append(pings, pingTarget[C]{g.key, s.c})
			}
		}
		if g.empty() {
			delete(p.groups, g.key)
		}
	}
	p.mu.Unlock()
	closeAll(closing)
	if len(closing) > 0 {
		p.log.Debug("reaped connections", zap.Int("closed", len(closing)))
	}

	if len(raws) > 0 {
		states := nettools.Probe(raws)
		closing = closing[:0]
		p.mu.Lock()
		for i, st := range states {
			ic := probe[i]
			// only if still idle, it may have been checked out meanwhile
			if st == nettools.Dead && ic.g.hasIdle(ic) {
				closing = append(closing, p.evict(ic))
			}
		}
		p.mu.Unlock()
		closeAll(closing)
	}

	for _, t := range pings {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err := any(t.c).(pinger).Ping(ctx)
		cancel()
		if err != nil {
			p.log.Debug("keepalive ping failed", zap.Stringer("key", t.key), zap.String("conn", t.c.ID()), zap.Error(err))
			p.Release(t.key, t.c, false)
		}
	}
}
