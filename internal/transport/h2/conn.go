// Package h2 implements the client side of HTTP/2 over an established
// connection, either TLS with ALPN h2 or prior-knowledge cleartext.
package h2

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/mux"
	"github.com/frankli0324/rq/internal/transport"
)

const maxStreamID = 1<<31 - 1

type Config struct {
	Logger *zap.Logger
}

// Conn multiplexes requests as streams over one HTTP/2 connection.
type Conn struct {
	ctl  *Controller
	id   string
	addr string
	log  *zap.Logger

	// hdrMu orders stream id allocation, HPACK encoding and HEADERS frames,
	// streams must be opened in increasing id order
	hdrMu sync.Mutex

	mu            sync.Mutex
	streams       map[uint32]*stream
	nextID        uint32
	initialWindow int32 // peer SETTINGS_INITIAL_WINDOW_SIZE
	goneAway      bool
	err           error

	slots        *mux.Slots
	maxFrameSize atomic.Uint32
	served       atomic.Int64
}

var _ transport.Conn = (*Conn)(nil)

// New performs the HTTP/2 handshake over raw and starts reading frames.
func New(ctx context.Context, raw net.Conn, cfg Config) (*Conn, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	log = log.With(zap.String("conn", id))
	c := &Conn{
		id:      id,
		addr:    raw.RemoteAddr().String(),
		log:     log,
		streams: map[uint32]*stream{},
		nextID:  1,
	}
	ctl := NewController(raw, log)
	c.ctl = ctl
	c.initialWindow = int32(ctl.GetPeerSetting(http2.SettingInitialWindowSize))
	c.maxFrameSize.Store(ctl.peerSettings.MaxFrameSize())
	c.slots = mux.NewSlots(int(ctl.GetPeerSetting(http2.SettingMaxConcurrentStreams)))

	ctl.OnPeerSetting(http2.SettingMaxConcurrentStreams, func(v uint32) {
		c.slots.SetLimit(int(v))
	})
	ctl.OnPeerSetting(http2.SettingMaxFrameSize, func(uint32) {
		c.maxFrameSize.Store(ctl.peerSettings.MaxFrameSize())
	})
	ctl.OnPeerSetting(http2.SettingInitialWindowSize, c.onInitialWindow)
	ctl.OnHeader(c.onHeaders)
	ctl.OnData(c.onData)
	ctl.OnStreamReset(c.onReset)
	ctl.OnPushPromise(func(*http2.PushPromiseFrame) {
		// push is disabled in our SETTINGS
		ctl.GoAwayDebug(0, http2.ErrCodeProtocol, []byte("unexpected PUSH_PROMISE"))
	})
	ctl.OnStreamError(c.onStreamError)
	ctl.OnRemoteGoAway(c.onGoAway)
	ctl.OnShutdown(c.onShutdown)
	ctl.OnStreamWindowUpdate = c.onWindowUpdate

	if err := ctl.Handshake(ctx); err != nil {
		ctl.shutdown(err)
		return nil, errs.FromContext(ctx, errs.Protocol, "h2 handshake", c.addr, err)
	}
	log.Debug("h2 connection established")
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Version() http.Version { return http.H2 }

func (c *Conn) Multiplexed() bool { return true }

func (c *Conn) Served() int64 { return c.served.Load() }

// Alive reports whether new streams may be opened.
func (c *Conn) Alive() bool {
	if c.ctl.Valid() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err == nil && !c.goneAway && c.nextID <= maxStreamID
}

// Active returns the number of open streams.
func (c *Conn) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ctl.Ping(ctx); err != nil {
		return errs.FromContext(ctx, errs.Connect, "h2 ping", c.addr, err)
	}
	return nil
}

// Close sends GOAWAY and fails the streams still open.
func (c *Conn) Close() error {
	err := c.ctl.GoAway(0, http2.ErrCodeNo)
	if err == ErrMultipleGoAway {
		return nil
	}
	return err
}

func (c *Conn) stream(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// idle reports whether id was never opened by us, frames on such streams
// are a connection error.
func (c *Conn) idle(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id%2 == 0 || id >= c.nextID
}

func (c *Conn) forget(s *stream) {
	c.mu.Lock()
	delete(c.streams, s.id)
	drained := c.goneAway && len(c.streams) == 0
	c.mu.Unlock()
	c.slots.Release()
	if drained {
		c.ctl.shutdown(c.ctl.Valid())
	}
}

func (c *Conn) RoundTrip(ctx context.Context, req *http.PreparedRequest, release func(reusable bool)) (*http.Response, error) {
	if err := c.slots.Acquire(ctx); err != nil {
		return nil, errs.FromContext(ctx, errs.Connect, "acquire stream", c.addr, err)
	}
	body, err := req.GetBody()
	if err != nil {
		c.slots.Release()
		return nil, err
	}
	hasBody := body != http.NoBody && req.HasBody()
	if !hasBody {
		body.Close()
	}
	s, err := c.open(ctx, req, hasBody, release)
	if err != nil {
		if hasBody {
			body.Close()
		}
		return nil, err
	}
	reused := c.served.Add(1) > 1
	c.log.Debug("stream opened", zap.Uint32("stream", s.id), zap.String("method", req.Method), zap.String("uri", req.RequestURI()))
	if hasBody {
		go s.writeBody(body, req.ContentLength)
	}

	select {
	case <-s.headReady:
	case <-s.done:
		select {
		case <-s.headReady:
		default:
			return nil, s.failure()
		}
	}
	resp := &http.Response{
		Proto:         s.head.Proto,
		Version:       s.head.Version,
		Status:        s.head.Status,
		StatusCode:    s.head.StatusCode,
		Header:        s.head.Header,
		ContentLength: s.head.ContentLength,
		ConnID:        c.id,
		Reused:        reused,
		Request:       req,
	}
	resp.Body = &responseBody{s: s, resp: resp}
	return resp, nil
}

// open allocates the next stream id and sends the request HEADERS.
func (c *Conn) open(ctx context.Context, req *http.PreparedRequest, hasBody bool, release func(bool)) (*stream, error) {
	c.hdrMu.Lock()
	defer c.hdrMu.Unlock()

	if err := ctx.Err(); err != nil {
		c.slots.Release()
		return nil, errs.FromContext(ctx, errs.Cancelled, "open stream", c.addr, err)
	}
	c.mu.Lock()
	if err := c.ctl.Valid(); err != nil || c.err != nil || c.goneAway || c.nextID > maxStreamID {
		c.mu.Unlock()
		c.slots.Release()
		return nil, errs.Connect("open stream", c.addr, ErrConnUnusable)
	}
	s := newStream(c, c.nextID, req.Method, c.initialWindow, release)
	s.bind(ctx)
	c.nextID += 2
	c.streams[s.id] = s
	c.mu.Unlock()

	block, err := c.ctl.EncodeHeaders(transport.RequestFields(req, req.ContentLength, hasBody))
	if err != nil {
		// nothing reached the wire, the id is simply skipped
		err = errs.Protocol("encode headers", c.addr, err)
		s.finish(err)
		return nil, err
	}
	if err := s.writeHeaders(block, !hasBody); err != nil {
		err = errs.FromContext(ctx, errs.Connect, "write headers", c.addr, err)
		c.ctl.shutdown(err)
		s.finish(err)
		return nil, err
	}
	s.opened.Store(true)
	if !hasBody {
		s.endSent()
	}
	select {
	case <-s.done:
		// cancelled while HEADERS were in flight
		c.ctl.WriteRSTStream(s.id, http2.ErrCodeCancel)
	default:
	}
	return s, nil
}

func (c *Conn) onInitialWindow(v uint32) {
	c.mu.Lock()
	delta := int32(v) - c.initialWindow
	c.initialWindow = int32(v)
	overflow := false
	for _, s := range c.streams {
		if !s.outflow.Add(delta) {
			overflow = true
		}
	}
	c.mu.Unlock()
	if overflow {
		c.ctl.GoAwayDebug(0, http2.ErrCodeFlowControl, []byte("stream window overflow"))
	}
}

func (c *Conn) onHeaders(f *http2.MetaHeadersFrame) {
	id := f.StreamID
	s := c.stream(id)
	if s == nil {
		if c.idle(id) {
			c.ctl.GoAwayDebug(0, http2.ErrCodeProtocol, []byte("HEADERS on idle stream"))
		}
		return
	}
	s.onHeaders(f)
}

func (c *Conn) onData(f *http2.DataFrame) {
	id := f.StreamID
	s := c.stream(id)
	if s == nil {
		if c.idle(id) {
			c.ctl.GoAwayDebug(0, http2.ErrCodeProtocol, []byte("DATA on idle stream"))
		}
		return
	}
	s.onData(f)
}

func (c *Conn) onReset(f *http2.RSTStreamFrame) {
	if s := c.stream(f.StreamID); s != nil {
		s.onReset(f.ErrCode)
	}
}

func (c *Conn) onWindowUpdate(id, incr uint32) {
	s := c.stream(id)
	if s == nil {
		return
	}
	if !s.outflow.Add(int32(incr)) {
		s.resetLocal(http2.ErrCodeFlowControl, errs.Protocol("window update", c.addr, ErrStreamFlowControl(id)))
	}
}

func (c *Conn) onStreamError(se http2.StreamError) {
	s := c.stream(se.StreamID)
	if s == nil {
		c.ctl.WriteRSTStream(se.StreamID, se.Code)
		return
	}
	s.resetLocal(se.Code, errs.Protocol("read frame", c.addr, ErrStreamProtocol(se.StreamID).Wrap(se)))
}

func (c *Conn) onGoAway(reason *ReasonGoAway) {
	c.mu.Lock()
	c.goneAway = true
	var refused []*stream
	for id, s := range c.streams {
		if id > reason.last {
			refused = append(refused, s)
		}
	}
	remaining := len(c.streams) - len(refused)
	c.mu.Unlock()
	for _, s := range refused {
		s.finish(errs.Connect("stream", c.addr, ErrStreamRefused(s.id).Wrap(reason)))
	}
	if remaining == 0 {
		c.ctl.shutdown(reason)
	}
}

func (c *Conn) onShutdown(reason error) {
	c.mu.Lock()
	c.err = reason
	open := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		open = append(open, s)
	}
	c.mu.Unlock()
	c.slots.Close(errs.Connect("acquire stream", c.addr, reason))
	for _, s := range open {
		s.finish(errs.Connect("stream", c.addr, ErrConnLost(s.id).Wrap(reason)))
	}
	c.log.Debug("h2 connection closed", zap.Error(reason))
}
