package h2

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"

	"golang.org/x/net/http2"
)

type pingMixin struct {
	pingFut    map[uint64]chan struct{}
	muPing     sync.Mutex
	_writePing func(ack bool, data [8]byte) error
}

func (p *pingMixin) init(c *Controller) {
	c._writePing = c.WritePing
	c.pingFut = map[uint64]chan struct{}{}
	c.on[http2.FramePing] = func(frame http2.Frame) {
		pingFrame := frame.(*http2.PingFrame)
		if pingFrame.IsAck() {
			key := binary.BigEndian.Uint64(pingFrame.Data[:])
			c.muPing.Lock()
			if v, ok := c.pingFut[key]; ok {
				delete(c.pingFut, key)
				close(v)
			}
			// else: server acked to an unknown ping packet
			c.muPing.Unlock()
			return
		}
		if err := c.WritePing(true, pingFrame.Data); err != nil {
			c.shutdown(err)
		}
	}
}

// Ping could fail due to unstable connection, try not make connection
// state change decisions based on a single result. It is used for keeping
// idle connections alive and for telling dead ones apart.
func (p *pingMixin) Ping(ctx context.Context) error {
	data := rand.Uint64()
	var bdata [8]byte
	binary.BigEndian.PutUint64(bdata[:], data)
	res := make(chan struct{})
	p.muPing.Lock()
	p.pingFut[data] = res
	p.muPing.Unlock()
	defer func() {
		p.muPing.Lock()
		delete(p.pingFut, data)
		p.muPing.Unlock()
	}()

	if err := p._writePing(false, bdata); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-res:
		return nil
	}
}
