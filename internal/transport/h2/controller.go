package h2

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

func NewController(c net.Conn, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	conn := &Controller{
		Conn: c,
		done: make(chan struct{}),
		log:  log,
	}
	conn.settingsMixin = newSettingsMixin(conn)
	conn.hpackMixin.init(conn)
	conn.framerMixin.init(conn)
	conn.pingMixin.init(conn)
	conn.flowControlMixin.init(conn)
	conn.on[http2.FrameGoAway] = func(f http2.Frame) {
		frame := f.(*http2.GoAwayFrame)
		debug := frame.DebugData()
		reason := &ReasonGoAway{
			code:   frame.ErrCode,
			debug:  make([]byte, len(debug)),
			remote: true,
			last:   frame.LastStreamID,
		}
		copy(reason.debug, debug)
		conn.goAway.Store(reason)
		conn.log.Debug("remote GOAWAY", zap.Stringer("code", frame.ErrCode), zap.Uint32("last", frame.LastStreamID))
		if conn.onRemoteGoAway != nil {
			conn.onRemoteGoAway(reason)
		}
	}
	return conn
}

// Controller holds the same purpose as [golang.org/x/net/http.ClientConn], yet it
// couples with net/http.Transport deeply, so we are re-implementing it.
//
// Controller implements *connection level* flow control, ping/pong,
// settings for both sides, and maintains connection state
type Controller struct {
	net.Conn

	// closing is a boolean value that instructs the consumer to stop
	closing atomic.Bool

	done       chan struct{}
	doneOnce   sync.Once
	doneReason error
	goAway     atomic.Pointer[ReasonGoAway] // set once the peer sent GOAWAY

	framerMixin
	hpackMixin
	pingMixin
	flowControlMixin // only for control stream (streamID=0)

	settingsMixin

	on [10]func(http2.Frame) // frame types

	onAfterHandshake []func()
	onRemoteGoAway   func(reason *ReasonGoAway)
	onStreamError    func(err http2.StreamError)
	onShutdown       func(reason error)

	log *zap.Logger
}

// GoAway actively sends GOAWAY to remote peer and tears the connection down.
func (c *Controller) GoAway(lastStreamID uint32, code http2.ErrCode) (err error) {
	return c.GoAwayDebug(lastStreamID, code, nil)
}

// GoAwayDebug actively sends GOAWAY to remote peer with debug info.
func (c *Controller) GoAwayDebug(lastStreamID uint32, code http2.ErrCode, debug []byte) (err error) {
	err = ErrMultipleGoAway
	reason := &ReasonGoAway{code: code, debug: debug, remote: false, last: lastStreamID}
	first := false
	c.doneOnce.Do(func() {
		first = true
		c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
		err = c.WriteGoAway(lastStreamID, code, debug)
		c.closeLocked(reason)
	})
	if first {
		c.log.Debug("local GOAWAY", zap.Stringer("code", code))
		c.afterShutdown(reason)
	}
	return
}

// shutdown tears the connection down without notifying the peer, used when
// the transport itself failed.
func (c *Controller) shutdown(reason error) {
	if reason == nil {
		reason = ErrReasonNil
	}
	first := false
	c.doneOnce.Do(func() {
		first = true
		c.closeLocked(reason)
	})
	if first {
		c.afterShutdown(reason)
	}
}

func (c *Controller) closeLocked(reason error) {
	c.doneReason = reason
	close(c.done)
	c.closing.Store(true)
	c.Conn.Close()
	c.outflow.Close(reason)
}

func (c *Controller) afterShutdown(reason error) {
	if c.onShutdown != nil {
		c.onShutdown(reason)
	}
}

// Valid returns error if connection is no longer available for new streams
func (c *Controller) Valid() error {
	select {
	case <-c.done:
		if c.doneReason == nil {
			return ErrReasonNil
		}
		return c.doneReason
	default:
	}
	if r := c.goAway.Load(); r != nil {
		return r
	}
	return nil
}

// Done is closed once the connection is torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Handshake performs PRI handshake on the underlying [net.Conn]
func (c *Controller) Handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		c.Conn.SetDeadline(dl)
		defer c.Conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.Conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := io.WriteString(c.Conn, http2.ClientPreface); err != nil {
		return err
	}
	if err := c.AdvertiseSelfSettings(c); err != nil {
		return err
	}
	// The server connection preface consists of a potentially empty SETTINGS frame
	// that MUST be the first frame the server sends in the HTTP/2 connection.
	// https://httpwg.org/specs/rfc7540.html#rfc.section.3.5
	f, err := c.ReadFrame()
	if err != nil {
		c.shutdown(err)
		return err
	}
	if f.Header().Type != http2.FrameSettings {
		_ = c.GoAway(0, http2.ErrCodeProtocol)
		return ErrFirstNotSettings
	}
	c.on[http2.FrameSettings](f)
	if err := c.Valid(); err != nil {
		return err
	}
	for _, f := range c.onAfterHandshake {
		f()
	}

	// successful handshake
	go c.consumer()
	return nil
}

func (c *Controller) consumer() {
	var err error
	for !c.closing.Load() {
		var f http2.Frame
		f, err = c.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				// the frame was fully decoded, only this stream is affected
				if c.onStreamError != nil {
					c.onStreamError(se)
				}
				err = nil
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.GoAwayDebug(0, http2.ErrCode(ce), nil)
			}
			break
		}
		if int(f.Header().Type) >= len(c.on) {
			continue // unknown frame types are ignored
		}
		if on := c.on[f.Header().Type]; on != nil {
			on(f)
		}
	}
	if err == nil {
		err = net.ErrClosed
	}
	c.shutdown(err)
}

func (c *Controller) OnStreamReset(cb func(*http2.RSTStreamFrame)) {
	c.on[http2.FrameRSTStream] = func(f http2.Frame) {
		cb(f.(*http2.RSTStreamFrame))
	}
}

func (c *Controller) OnData(cb func(*http2.DataFrame)) {
	c.on[http2.FrameData] = func(f http2.Frame) {
		frame := f.(*http2.DataFrame)
		if c.ReceiveData(frame.Header().Length) {
			cb(frame)
		}
	}
}

func (c *Controller) OnHeader(cb func(*http2.MetaHeadersFrame)) {
	c.on[http2.FrameHeaders] = func(f http2.Frame) {
		if f, ok := f.(*http2.MetaHeadersFrame); ok {
			cb(f)
			return
		}
		panic("unexpected frame, framer should return meta headers frame")
	}
}

func (c *Controller) OnPushPromise(cb func(*http2.PushPromiseFrame)) {
	c.on[http2.FramePushPromise] = func(f http2.Frame) {
		cb(f.(*http2.PushPromiseFrame))
	}
}

func (c *Controller) OnRemoteGoAway(cb func(reason *ReasonGoAway)) {
	c.onRemoteGoAway = cb
}

func (c *Controller) OnStreamError(cb func(err http2.StreamError)) {
	c.onStreamError = cb
}

func (c *Controller) OnShutdown(cb func(reason error)) {
	c.onShutdown = cb
}

// WriteData wraps framer WriteData for connection level flow control, it
// sends at most len(data) bytes and reports how many were sent.
func (c *Controller) WriteData(ctx context.Context, streamID uint32, endStream bool, data []byte) (int, error) {
	if len(data) != 0 {
		bat, err := c.outflow.Take(ctx, int32(len(data)))
		if err != nil {
			return 0, err
		}
		data = data[:bat]
	}
	if err := c.framerMixin.writeData(streamID, endStream, data); err != nil {
		return 0, err
	}
	return len(data), nil
}
