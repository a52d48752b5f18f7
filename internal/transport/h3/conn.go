// Package h3 implements the client side of HTTP/3 over a QUIC connection.
//
// The dynamic QPACK table is never enabled, both directions use static
// table references and literals only, so the encoder and decoder streams
// carry nothing of interest and are drained.
package h3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"
	"go.uber.org/zap"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/transport"
)

const (
	defaultMaxFieldSection = 1 << 20
	readBufferSize         = 32 << 10
	writeChunkSize         = 16 << 10
)

var (
	ErrConnUnusable   = errors.New("h3: connection can't take new requests")
	ErrStreamRefused  = errors.New("h3: request not processed, peer is going away")
	ErrBodyLength     = errors.New("h3: request body length differs from content-length")
	ErrHeaderTooLarge = errors.New("h3: request field section exceeds peer limit")
)

// StreamResetError is returned when the peer aborts a request stream.
type StreamResetError struct {
	Code ErrCode
}

func (e *StreamResetError) Error() string {
	return "h3: stream reset by peer: " + e.Code.String()
}

type Config struct {
	// MaxFieldSectionSize bounds response header and trailer blocks,
	// defaults to 1MiB
	MaxFieldSectionSize uint64
	Logger              *zap.Logger
}

// Conn runs concurrent requests as bidirectional streams of one QUIC
// connection.
type Conn struct {
	qc      quic.Connection
	id      string
	addr    string
	log     *zap.Logger
	maxHead uint64

	peerControl atomic.Bool

	mu       sync.Mutex
	streams  map[quic.StreamID]*reqStream
	peer     settings
	goneAway bool
	goAwayID quic.StreamID

	closed atomic.Bool
	served atomic.Int64
}

var _ transport.Conn = (*Conn)(nil)

// New opens the control stream on qc and starts serving the streams the
// peer opens. qc must have negotiated ALPN h3.
func New(ctx context.Context, qc quic.Connection, cfg Config) (*Conn, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	c := &Conn{
		qc:      qc,
		id:      id,
		addr:    qc.RemoteAddr().String(),
		log:     log.With(zap.String("conn", id), zap.Stringer("proto", http.H3)),
		maxHead: cfg.MaxFieldSectionSize,
		streams: map[quic.StreamID]*reqStream{},
	}
	if c.maxHead == 0 {
		c.maxHead = defaultMaxFieldSection
	}

	ctrl, err := qc.OpenUniStream()
	if err != nil {
		qc.CloseWithError(quic.ApplicationErrorCode(ErrCodeInternal), "")
		return nil, errs.FromContext(ctx, errs.Connect, "h3 control stream", c.addr, err)
	}
	b := quicvarint.Append(nil, streamControl)
	b = settings{
		settingQPACKMaxTableCapacity: 0,
		settingQPACKBlockedStreams:   0,
		settingMaxFieldSectionSize:   c.maxHead,
	}.append(b)
	if _, err := ctrl.Write(b); err != nil {
		qc.CloseWithError(quic.ApplicationErrorCode(ErrCodeInternal), "")
		return nil, errs.FromContext(ctx, errs.Connect, "h3 control stream", c.addr, err)
	}

	go c.acceptUni()
	go func() {
		<-qc.Context().Done()
		c.closed.Store(true)
		c.log.Debug("h3 connection closed", zap.NamedError("reason", context.Cause(qc.Context())))
	}()
	c.log.Debug("h3 connection established")
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Version() http.Version { return http.H3 }

func (c *Conn) Multiplexed() bool { return true }

func (c *Conn) Served() int64 { return c.served.Load() }

// Alive reports whether new requests may be sent.
func (c *Conn) Alive() bool {
	if c.closed.Load() || c.qc.Context().Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.goneAway
}

// Active returns the number of open request streams.
func (c *Conn) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.qc.CloseWithError(quic.ApplicationErrorCode(ErrCodeNoError), "")
}

// fail closes the connection with a connection error.
func (c *Conn) fail(code ErrCode, msg string) {
	c.log.Debug("h3 connection error", zap.Stringer("code", code), zap.String("msg", msg))
	c.closed.Store(true)
	c.qc.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c *Conn) acceptUni() {
	for {
		str, err := c.qc.AcceptUniStream(c.qc.Context())
		if err != nil {
			return
		}
		go c.handleUni(str)
	}
}

func (c *Conn) handleUni(str quic.ReceiveStream) {
	r := quicvarint.NewReader(str)
	typ, err := quicvarint.Read(r)
	if err != nil {
		str.CancelRead(quic.StreamErrorCode(ErrCodeStreamCreation))
		return
	}
	switch typ {
	case streamControl:
		if c.peerControl.Swap(true) {
			c.fail(ErrCodeStreamCreation, "duplicate control stream")
			return
		}
		c.readControl(r)
	case streamQPACKEncoder, streamQPACKDecoder:
		io.Copy(io.Discard, str)
	case streamPush:
		// MAX_PUSH_ID is never sent, so no push id is valid
		c.fail(ErrCodeIDError, "push stream without MAX_PUSH_ID")
	default:
		// reserved and extension stream types are ignored
		str.CancelRead(quic.StreamErrorCode(ErrCodeStreamCreation))
	}
}

func (c *Conn) readControl(r quicvarint.Reader) {
	typ, payload, err := readFrame(r, maxControlFrame)
	if err != nil {
		c.controlLost(err)
		return
	}
	if typ != frameSettings {
		c.fail(ErrCodeMissingSettings, "first control frame is not SETTINGS")
		return
	}
	s, err := parseSettings(payload)
	if err != nil {
		c.fail(codeOf(err), err.Error())
		return
	}
	c.mu.Lock()
	c.peer = s
	c.mu.Unlock()
	c.log.Debug("peer settings", zap.Any("settings", map[uint64]uint64(s)))

	for {
		typ, payload, err := readFrame(r, maxControlFrame)
		if err != nil {
			c.controlLost(err)
			return
		}
		switch {
		case typ == frameGoAway:
			id, n, ok := peekVarint(payload)
			if !ok || n != len(payload) {
				c.fail(ErrCodeFrameError, "malformed GOAWAY")
				return
			}
			c.onGoAway(quic.StreamID(id))
		case typ == frameSettings:
			c.fail(ErrCodeFrameUnexpected, "second SETTINGS")
			return
		case typ == frameData, typ == frameHeaders, typ == framePushPromise,
			typ == frameMaxPushID, reservedH2Frame(typ):
			c.fail(ErrCodeFrameUnexpected, fmt.Sprintf("frame %#x on control stream", typ))
			return
		}
	}
}

func (c *Conn) controlLost(err error) {
	if c.qc.Context().Err() != nil {
		return
	}
	var fe *FrameError
	if errors.As(err, &fe) {
		c.fail(fe.Code, fe.Msg)
		return
	}
	c.fail(ErrCodeClosedCriticalStream, "control stream closed")
}

// onGoAway refuses the requests the peer announced it won't process and
// closes the connection once the rest has finished.
func (c *Conn) onGoAway(id quic.StreamID) {
	c.mu.Lock()
	if c.goneAway && id > c.goAwayID {
		c.mu.Unlock()
		c.fail(ErrCodeIDError, "GOAWAY id increased")
		return
	}
	c.goneAway, c.goAwayID = true, id
	var refused []*reqStream
	for sid, s := range c.streams {
		if sid >= id {
			refused = append(refused, s)
		}
	}
	remaining := len(c.streams) - len(refused)
	c.mu.Unlock()
	c.log.Debug("remote GOAWAY", zap.Int64("id", int64(id)), zap.Int("refused", len(refused)))

	for _, s := range refused {
		s.abort(errs.Connect("stream", c.addr, ErrStreamRefused))
	}
	if remaining == 0 {
		c.Close()
	}
}

func (c *Conn) forget(s *reqStream) {
	c.mu.Lock()
	delete(c.streams, s.str.StreamID())
	drained := c.goneAway && len(c.streams) == 0
	c.mu.Unlock()
	if drained {
		c.Close()
	}
}

func (c *Conn) peerSetting(id uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.peer[id]
	return v, ok
}

// classify maps stream and connection failures onto the error phases.
func (c *Conn) classify(ctx context.Context, op string, err error) error {
	var se *quic.StreamError
	if errors.As(err, &se) && se.Remote {
		reset := &StreamResetError{Code: ErrCode(se.ErrorCode)}
		if reset.Code == ErrCodeRequestRejected {
			return errs.Connect(op, c.addr, reset)
		}
		return errs.Protocol(op, c.addr, reset)
	}
	return errs.FromContext(ctx, errs.Connect, op, c.addr, err)
}

func (c *Conn) RoundTrip(ctx context.Context, req *http.PreparedRequest, release func(reusable bool)) (*http.Response, error) {
	if !c.Alive() {
		return nil, errs.Connect("open stream", c.addr, ErrConnUnusable)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	hasBody := body != http.NoBody && req.HasBody()
	if !hasBody {
		body.Close()
	}
	block, err := c.encodeHeaders(req, hasBody)
	if err != nil {
		if hasBody {
			body.Close()
		}
		return nil, err
	}

	str, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		if hasBody {
			body.Close()
		}
		return nil, errs.FromContext(ctx, errs.Connect, "open stream", c.addr, err)
	}
	s := &reqStream{c: c, str: str, ctx: ctx, release: release, p: NewParser(req.Method, c.maxHead)}
	c.mu.Lock()
	if c.goneAway && str.StreamID() >= c.goAwayID {
		c.mu.Unlock()
		str.CancelWrite(quic.StreamErrorCode(ErrCodeRequestCancelled))
		str.CancelRead(quic.StreamErrorCode(ErrCodeRequestCancelled))
		if hasBody {
			body.Close()
		}
		return nil, errs.Connect("open stream", c.addr, ErrStreamRefused)
	}
	c.streams[str.StreamID()] = s
	c.mu.Unlock()
	s.stop = context.AfterFunc(ctx, func() {
		s.abort(errs.FromContext(ctx, errs.Cancelled, "stream", c.addr, context.Cause(ctx)))
	})

	reused := c.served.Add(1) > 1
	if _, err := str.Write(appendFrame(nil, frameHeaders, block)); err != nil {
		err = c.classify(ctx, "write headers", err)
		s.abort(err)
		if hasBody {
			body.Close()
		}
		return nil, s.failure(err)
	}
	c.log.Debug("stream opened", zap.Int64("stream", int64(str.StreamID())), zap.String("method", req.Method), zap.String("uri", req.RequestURI()))
	if hasBody {
		go s.writeBody(body, req.ContentLength)
	} else {
		str.Close()
	}

	resp := &http.Response{ConnID: c.id, Reused: reused, Request: req, Body: s}
	s.resp = resp
	for resp.Status == "" {
		if err := s.fill(); err != nil {
			s.abort(err)
			return nil, s.failure(err)
		}
	}
	return resp, nil
}

func (c *Conn) encodeHeaders(req *http.PreparedRequest, hasBody bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	var werr error
	var size uint64
	transport.RequestFields(req, req.ContentLength, hasBody)(func(k, v string) {
		// RFC 9114 4.2.2 field size, name and value plus 32 bytes
		size += uint64(len(k) + len(v) + 32)
		if werr == nil {
			werr = enc.WriteField(qpack.HeaderField{Name: k, Value: v})
		}
	})
	if werr == nil {
		werr = enc.Close()
	}
	if werr != nil {
		return nil, errs.Protocol("encode headers", c.addr, werr)
	}
	if max, ok := c.peerSetting(settingMaxFieldSectionSize); ok && size > max {
		return nil, errs.Protocol("encode headers", c.addr, ErrHeaderTooLarge)
	}
	return buf.Bytes(), nil
}

// reqStream is one request and its response. It is the response body.
type reqStream struct {
	c       *Conn
	str     quic.Stream
	p       *Parser
	ctx     context.Context
	stop    func() bool
	release func(bool)
	resp    *http.Response

	// reader side
	rbuf    []byte
	pending []byte
	done    bool
	err     error

	mu       sync.Mutex
	abortErr error

	once   sync.Once
	closed atomic.Bool
}

// failure prefers the reason the stream was aborted for over the error
// the aborted stream reports.
func (s *reqStream) failure(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr != nil {
		return s.abortErr
	}
	return err
}

func (s *reqStream) fill() error {
	if s.rbuf == nil {
		s.rbuf = make([]byte, readBufferSize)
	}
	n, rerr := s.str.Read(s.rbuf)
	var evs []transport.Event
	var perr error
	if n > 0 {
		evs, perr = s.p.Feed(s.rbuf[:n])
		s.apply(evs)
	}
	if perr == nil && rerr == io.EOF {
		evs, perr = s.p.EOF()
		s.apply(evs)
	}
	switch {
	case perr != nil:
		return s.failure(errs.Protocol("read response", s.c.addr, perr))
	case rerr != nil && rerr != io.EOF:
		if s.closed.Load() {
			return http.ErrBodyConsumed
		}
		return s.failure(s.c.classify(s.ctx, "read response", rerr))
	}
	return nil
}

func (s *reqStream) apply(evs []transport.Event) {
	for _, ev := range evs {
		switch ev.Kind {
		case transport.EventHead:
			h, r := ev.Head, s.resp
			r.Proto, r.Version = h.Proto, h.Version
			r.Status, r.StatusCode = h.Status, h.StatusCode
			r.Header, r.ContentLength = h.Header, h.ContentLength
		case transport.EventData:
			s.pending = append(s.pending, ev.Data...)
		case transport.EventTrailer:
			s.resp.Trailer = ev.Trailer
		case transport.EventEnd:
			s.done = true
			s.finish(true)
		}
	}
}

func (s *reqStream) Read(p []byte) (int, error) {
	for {
		if len(s.pending) > 0 {
			n := copy(p, s.pending)
			s.pending = s.pending[n:]
			return n, nil
		}
		if s.done {
			return 0, io.EOF
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.closed.Load() {
			return 0, http.ErrBodyConsumed
		}
		if err := s.fill(); err != nil {
			s.err = err
			s.abort(err)
		}
	}
}

// Close before the end of the response cancels the stream.
func (s *reqStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if !s.done {
		s.abort(http.ErrBodyConsumed)
	}
	s.pending = nil
	return nil
}

// abort cancels both directions of the stream with H3_REQUEST_CANCELLED
// and hands it back.
func (s *reqStream) abort(reason error) {
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = reason
	}
	s.mu.Unlock()
	s.str.CancelWrite(quic.StreamErrorCode(ErrCodeRequestCancelled))
	s.str.CancelRead(quic.StreamErrorCode(ErrCodeRequestCancelled))
	s.finish(false)
}

func (s *reqStream) finish(complete bool) {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.c.forget(s)
		if !complete {
			s.c.log.Debug("stream aborted", zap.Int64("stream", int64(s.str.StreamID())), zap.Error(s.failure(nil)))
		}
		if s.release != nil {
			s.release(s.c.Alive())
		}
	})
}

func (s *reqStream) writeBody(body io.ReadCloser, cl int64) {
	defer body.Close()
	buf := make([]byte, writeChunkSize)
	var hdr []byte
	var sent int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			hdr = appendFrameHeader(hdr[:0], frameData, uint64(n))
			_, err := s.str.Write(hdr)
			if err == nil {
				_, err = s.str.Write(buf[:n])
			}
			if err != nil {
				s.writeFailed(err)
				return
			}
			sent += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.abort(errs.Connect("read request body", s.c.addr, rerr))
			return
		}
	}
	if cl >= 0 && sent != cl {
		s.abort(errs.Protocol("write body", s.c.addr, ErrBodyLength))
		return
	}
	s.str.Close()
}

// writeFailed handles a failed body write. A peer that answered without
// reading the whole body stops our sending with H3_NO_ERROR, the response
// is still good then.
func (s *reqStream) writeFailed(err error) {
	var se *quic.StreamError
	if errors.As(err, &se) && se.Remote && ErrCode(se.ErrorCode) == ErrCodeNoError {
		return
	}
	s.abort(s.c.classify(s.ctx, "write body", err))
}
