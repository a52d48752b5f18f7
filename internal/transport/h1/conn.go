package h1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/mux"
	"github.com/frankli0324/rq/internal/transport"
)

const readBufferSize = 32 << 10

type Config struct {
	Version     http.Version // H09, H10 or H11
	Options     transport.Options
	ReadTimeout time.Duration // per read, 0 means none
	Logger      *zap.Logger
}

// Conn serves requests one at a time over a byte stream.
type Conn struct {
	id      string
	raw     net.Conn
	bw      *bufio.Writer
	version http.Version
	opts    transport.Options
	rto     time.Duration
	log     *zap.Logger

	excl   *mux.Exclusive
	closed atomic.Bool
	served atomic.Int64
}

var _ transport.Conn = (*Conn)(nil)

func New(raw net.Conn, cfg Config) *Conn {
	v := cfg.Version
	if v == http.VersionAuto {
		v = http.H11
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Conn{
		id: id, raw: raw, bw: bufio.NewWriter(raw),
		version: v, opts: cfg.Options, rto: cfg.ReadTimeout,
		log:  log.With(zap.String("conn", id), zap.Stringer("proto", v)),
		excl: mux.NewExclusive(),
	}
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) Version() http.Version { return c.version }
func (c *Conn) Multiplexed() bool { return false }
func (c *Conn) Alive() bool { return !c.closed.Load() }
func (c *Conn) Raw() net.Conn { return c.raw }
func (c *Conn) Served() int64 { return c.served.Load() }
func (c *Conn) addr() string { return c.raw.RemoteAddr().String() }
func (c *Conn) wrap(ctx context.Context, op string, err error) error {
	return errs.FromContext(ctx, errs.Protocol, op, c.addr(), err)
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.log.Debug("connection closed")
	return c.raw.Close()
}

func (c *Conn) RoundTrip(ctx context.Context, req *http.PreparedRequest, release func(reusable bool)) (*http.Response, error) {
	if err := c.excl.Acquire(ctx); err != nil {
		return nil, c.wrap(ctx, "acquire", err)
	}
	if c.closed.Load() {
		c.excl.Release()
		return nil, errs.Connect("roundtrip", c.addr(), net.ErrClosed)
	}
	reused := c.served.Add(1) > 1
	// a cancelled context aborts blocked I/O, the exchange can't be
	// resumed so the connection goes with it
	stop := context.AfterFunc(ctx, func() { c.Close() })

	b := &body{c: c, ctx: ctx, stop: stop, release: release}
	b.p = NewParser(c.version, req.Method, c.opts)

	if err := WriteRequest(c.bw, req, c.version); err != nil {
		b.finish(false)
		if errors.Is(err, ErrH09Method) {
			return nil, errs.Protocol("write request", c.addr(), err)
		}
		return nil, errs.FromContext(ctx, errs.Connect, "write request", c.addr(), err)
	}
	c.log.Debug("request sent", zap.String("method", req.Method), zap.String("uri", req.RequestURI()), zap.Bool("reused", reused))

	resp := &http.Response{ConnID: c.id, Reused: reused, Request: req, Body: b}
	b.resp = resp
	for resp.Status == "" {
		if err := b.fill(); err != nil {
			b.finish(false)
			return nil, err
		}
	}
	return resp, nil
}

// body streams the response body and hands the connection back once the
// message is complete.
type body struct {
	c       *Conn
	p       *Parser
	ctx     context.Context
	stop    func() bool
	release func(bool)
	resp    *http.Response

	rbuf    []byte
	pending []byte // owned copy of decoded body bytes
	done    bool
	err     error

	once   sync.Once
	closed atomic.Bool
}

// fill reads once from the wire and applies the resulting events.
func (b *body) fill() error {
	if b.rbuf == nil {
		b.rbuf = make([]byte, readBufferSize)
	}
	c := b.c
	if c.rto > 0 {
		c.raw.SetReadDeadline(time.Now().Add(c.rto))
	}
	n, rerr := c.raw.Read(b.rbuf)
	var evs []transport.Event
	var perr error
	if n > 0 {
		evs, perr = b.p.Feed(b.rbuf[:n])
		b.apply(evs)
	}
	if perr == nil && rerr == io.EOF {
		evs, perr = b.p.EOF()
		b.apply(evs)
		if perr == nil && !b.done {
			perr = io.ErrUnexpectedEOF
		}
	}
	switch {
	case perr != nil:
		return c.wrap(b.ctx, "read response", perr)
	case rerr != nil && rerr != io.EOF:
		if b.closed.Load() {
			return http.ErrBodyConsumed
		}
		return errs.FromContext(b.ctx, errs.Connect, "read response", c.addr(), rerr)
	}
	return nil
}

func (b *body) apply(evs []transport.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case transport.EventHead:
			h := ev.Head
			r := b.resp
			r.Proto, r.Version = h.Proto, h.Version
			r.Status, r.StatusCode = h.Status, h.StatusCode
			r.Header, r.ContentLength = h.Header, h.ContentLength
		case transport.EventData:
			b.pending = append(b.pending, ev.Data...)
		case transport.EventTrailer:
			b.resp.Trailer = ev.Trailer
		case transport.EventWarning:
			b.resp.Warnings = append(b.resp.Warnings, ev.Err)
			b.c.log.Warn("response framing", zap.Error(ev.Err))
		case transport.EventEnd:
			b.done = true
			b.finish(b.p.KeepAlive() && b.p.Buffered() == 0)
		}
	}
}

func (b *body) Read(p []byte) (int, error) {
	for {
		if len(b.pending) > 0 {
			n := copy(p, b.pending)
			b.pending = b.pending[n:]
			return n, nil
		}
		if b.done {
			return 0, io.EOF
		}
		if b.err != nil {
			return 0, b.err
		}
		if b.closed.Load() {
			return 0, http.ErrBodyConsumed
		}
		if err := b.fill(); err != nil {
			b.err = err
			b.finish(false)
		}
	}
}

// Close before the end of the message abandons the exchange, the rest of
// the body is never drained.
func (b *body) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if !b.done {
		b.finish(false)
	}
	b.pending = nil
	return nil
}

func (b *body) finish(reusable bool) {
	b.once.Do(func() {
		b.stop()
		c := b.c
		if !reusable || c.closed.Load() {
			reusable = false
			c.Close()
		}
		c.excl.Release()
		if b.release != nil {
			b.release(reusable)
		}
	})
}
