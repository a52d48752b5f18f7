package h2

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/frankli0324/rq/internal/errs"
	"github.com/frankli0324/rq/internal/http"
	"github.com/frankli0324/rq/internal/mux"
	"github.com/frankli0324/rq/internal/transport"
)

type stream struct {
	c       *Conn
	id      uint32
	method  string
	outflow *mux.Window
	inflow  *mux.Inflow
	body    *pipe

	headReady chan struct{} // closed once head is set
	done      chan struct{} // either us or them finished or reset the stream
	opened    atomic.Bool   // HEADERS are on the wire

	mu       sync.Mutex
	head     *transport.Head
	trailer  http.Header
	sentEnd  bool
	recvEnd  bool
	received int64
	err      error

	finishOnce sync.Once
	rstOnce    sync.Once
	release    func(bool)

	ctx         context.Context // write side, cancelled when the stream ends
	cancelWrite context.CancelFunc
	stopCtx     func() bool
}

func newStream(c *Conn, id uint32, method string, window int32, release func(bool)) *stream {
	return &stream{
		c: c, id: id, method: method,
		outflow:   mux.NewWindow(window),
		inflow:    mux.NewInflow(c.ctl.GetSelfSetting(http2.SettingInitialWindowSize)),
		body:      newPipe(),
		headReady: make(chan struct{}),
		done:      make(chan struct{}),
		release:   release,
	}
}

// bind ties the stream to the request context, cancelling it resets the
// stream with CANCEL.
func (s *stream) bind(ctx context.Context) {
	s.ctx, s.cancelWrite = context.WithCancel(ctx)
	s.stopCtx = context.AfterFunc(ctx, func() {
		err := errs.FromContext(ctx, errs.Cancelled, "stream", s.c.addr, ErrStreamCancelled(s.id).Wrap(ctx.Err()))
		s.resetLocal(http2.ErrCodeCancel, err)
	})
}

func (s *stream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errs.Protocol("stream", s.c.addr, ErrStreamProtocol(s.id))
	}
	return s.err
}

// finish releases the stream, err is nil when both sides ended cleanly.
func (s *stream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.stopCtx != nil {
			s.stopCtx()
			s.cancelWrite()
		}
		s.outflow.Close(io.ErrClosedPipe)
		if err != nil {
			s.body.CloseWithError(err)
		}
		s.c.forget(s)
		if s.release != nil {
			s.release(s.c.Alive())
		}
	})
}

// resetLocal sends RST_STREAM if the peer knows about the stream and it is
// still open.
func (s *stream) resetLocal(code http2.ErrCode, err error) {
	s.rstOnce.Do(func() {
		if s.isDone() {
			return
		}
		if s.opened.Load() {
			s.c.ctl.WriteRSTStream(s.id, code)
		}
		s.finish(err)
	})
}

func (s *stream) endSent() {
	s.mu.Lock()
	s.sentEnd = true
	both := s.recvEnd
	s.mu.Unlock()
	if both {
		s.finish(nil)
	}
}

// endReceived must be called with s.mu held, it reports whether the
// stream is complete.
func (s *stream) endReceivedLocked() bool {
	s.recvEnd = true
	s.body.CloseWithError(io.EOF)
	return s.sentEnd
}

func (s *stream) onHeaders(f *http2.MetaHeadersFrame) {
	protoErr := func(msg string) {
		s.resetLocal(http2.ErrCodeProtocol, errs.Protocol("read headers", s.c.addr, ErrStreamProtocol(s.id).Wrap(errString(msg))))
	}
	if f.Truncated {
		protoErr("response header list too large")
		return
	}
	s.mu.Lock()
	if s.recvEnd {
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeStreamClosed, errs.Protocol("read headers", s.c.addr, ErrStreamProtocol(s.id)))
		return
	}
	if s.head != nil {
		// trailers
		if !f.StreamEnded() {
			s.mu.Unlock()
			protoErr("trailers without END_STREAM")
			return
		}
		s.trailer = transport.FieldsHeader(regularFields(f))
		complete := s.endReceivedLocked()
		s.mu.Unlock()
		if complete {
			s.finish(nil)
		}
		return
	}
	s.mu.Unlock()

	status := f.PseudoValue("status")
	code, err := strconv.Atoi(status)
	if err != nil || len(status) != 3 {
		protoErr("malformed :status " + strconv.Quote(status))
		return
	}
	if code >= 100 && code < 200 {
		if code == 101 || f.StreamEnded() {
			protoErr("invalid interim response")
		}
		return // interim, the final response follows
	}
	head := transport.ResponseHead(http.H2, code, regularFields(f))
	if s.bodyless(code) && !f.StreamEnded() {
		// any DATA that follows is a protocol error caught in onData
		s.c.log.Debug("bodyless response without END_STREAM", zap.Uint32("stream", s.id))
	}
	s.mu.Lock()
	s.head = head
	close(s.headReady)
	complete := false
	if f.StreamEnded() {
		complete = s.endReceivedLocked()
	}
	s.mu.Unlock()
	if complete {
		s.finish(nil)
	}
}

func (s *stream) bodyless(code int) bool {
	return s.method == "HEAD" || code == 204 || code == 304
}

func regularFields(f *http2.MetaHeadersFrame) func(func(k, v string)) {
	return func(cb func(k, v string)) {
		for _, hf := range f.RegularFields() {
			cb(hf.Name, hf.Value)
		}
	}
}

func (s *stream) onData(f *http2.DataFrame) {
	n := f.Header().Length
	data := f.Data()
	s.mu.Lock()
	switch {
	case s.head == nil:
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeProtocol, errs.Protocol("read data", s.c.addr, ErrStreamProtocol(s.id).Wrap(errString("DATA before HEADERS"))))
		return
	case s.recvEnd:
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeStreamClosed, errs.Protocol("read data", s.c.addr, ErrStreamProtocol(s.id)))
		return
	case s.bodyless(s.head.StatusCode) && len(data) != 0:
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeProtocol, errs.Protocol("read data", s.c.addr, ErrStreamProtocol(s.id).Wrap(errString("body on bodyless response"))))
		return
	}
	if !s.inflow.Stage(n) {
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeFlowControl, errs.Protocol("read data", s.c.addr, ErrStreamFlowControl(s.id)))
		return
	}
	s.received += int64(len(data))
	cl := s.head.ContentLength
	if s.bodyless(s.head.StatusCode) {
		cl = -1
	}
	if cl >= 0 && (s.received > cl || f.StreamEnded() && s.received != cl) {
		s.mu.Unlock()
		s.resetLocal(http2.ErrCodeProtocol, errs.Protocol("read data", s.c.addr, ErrRespLengthMismatch(s.id)))
		return
	}
	if len(data) != 0 {
		s.body.Write(data)
	}
	complete := false
	if f.StreamEnded() {
		complete = s.endReceivedLocked()
	}
	s.mu.Unlock()

	// padding is never handed to the reader, refund it right away
	if pad := n - uint32(len(data)); pad != 0 && !f.StreamEnded() {
		s.refund(pad)
	}
	if complete {
		s.finish(nil)
	}
}

// refund returns consumed receive window to the peer.
func (s *stream) refund(n uint32) {
	if s.isDone() {
		return
	}
	s.mu.Lock()
	ended := s.recvEnd
	s.mu.Unlock()
	if ended {
		return
	}
	if inc := s.inflow.Refund(n); inc != 0 {
		s.c.ctl.WriteWindowUpdate(s.id, inc)
	}
}

func (s *stream) onReset(code http2.ErrCode) {
	s.mu.Lock()
	clean := code == http2.ErrCodeNo && s.recvEnd
	s.mu.Unlock()
	s.rstOnce.Do(func() {}) // never answer RST_STREAM with RST_STREAM
	if clean {
		// the peer has the full response and doesn't want the rest of
		// the request body
		s.finish(nil)
		return
	}
	s.finish(errs.Protocol("stream", s.c.addr, ErrStreamResetRemote(s.id, code)))
}

// writeHeaders sends the encoded header block. Callers hold c.hdrMu so
// blocks reach the wire in stream id order.
func (s *stream) writeHeaders(block []byte, endStream bool) error {
	if err := s.c.ctl.WriteHeaderBlock(s.id, block, endStream, int(s.c.maxFrameSize.Load())); err != nil {
		return ErrFramerWrite(s.id).Wrap(err)
	}
	return nil
}

// writeBody streams the request body as DATA frames bounded by both the
// stream and the connection send windows.
func (s *stream) writeBody(body io.ReadCloser, cl int64) {
	defer body.Close()
	if err := s.sendBody(body, cl); err != nil {
		if s.isDone() {
			return
		}
		s.resetLocal(http2.ErrCodeCancel, errs.FromContext(s.ctx, errs.Protocol, "write body", s.c.addr, err))
		return
	}
	s.endSent()
}

func (s *stream) sendBody(body io.Reader, cl int64) error {
	bufSz := int(s.c.maxFrameSize.Load())
	if cl >= 0 && cl < int64(bufSz) {
		bufSz = int(cl) + 1 // room to notice an overlong body
	}
	buffer, bufIdx := bodyWriteBuf.get(bufSz)
	defer bodyWriteBuf.put(bufIdx, buffer)
	chunk := (*buffer)[:bufSz]

	sent := int64(0)
	for {
		n, rerr := body.Read(chunk)
		if cl >= 0 && sent+int64(n) > cl {
			return ErrReqBodyTooLong(s.id)
		}
		data := chunk[:n]
		for len(data) > 0 {
			got, err := s.outflow.Take(s.ctx, int32(len(data)))
			if err != nil {
				return ErrStreamCancelled(s.id).Wrap(err)
			}
			w, err := s.c.ctl.WriteData(s.ctx, s.id, false, data[:got])
			s.outflow.Refund(got - int32(w))
			if err != nil {
				return ErrFramerWrite(s.id).Wrap(err)
			}
			data = data[w:]
			sent += int64(w)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return ErrReqBodyRead(s.id).Wrap(rerr)
		}
	}
	if cl >= 0 && sent < cl {
		return ErrReqBodyTooShort(s.id)
	}
	if _, err := s.c.ctl.WriteData(s.ctx, s.id, true, nil); err != nil {
		return ErrFramerWrite(s.id).Wrap(err)
	}
	return nil
}

// responseBody is the reader handed to callers, consuming it refunds the
// stream receive window.
type responseBody struct {
	s      *stream
	resp   *http.Response
	closed atomic.Bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.s.body.Read(p)
	if n > 0 {
		b.s.refund(uint32(n))
	}
	if err == io.EOF {
		b.s.mu.Lock()
		if b.s.trailer != nil {
			b.resp.Trailer = b.s.trailer
		}
		b.s.mu.Unlock()
	}
	return n, err
}

// Close before END_STREAM resets the stream with CANCEL.
func (b *responseBody) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.s.body.Abandon(http.ErrBodyConsumed)
	b.s.resetLocal(http2.ErrCodeCancel, errs.Cancelled("close body", b.s.c.addr, ErrStreamAbandoned(b.s.id)))
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }
