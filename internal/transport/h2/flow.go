package h2

import (
	"golang.org/x/net/http2"

	"github.com/frankli0324/rq/internal/mux"
)

// initial flow-control window of every connection, RFC 9113 6.9.2. A
// SETTINGS frame cannot alter it.
const initialConnWindow = 65535

// receive window we grow the connection to right after the handshake
const connReceiveWindow = 1 << 30

// flowControlMixin only implements flow control for the connection itself,
// that is, streamID=0. Stream windows are owned by the streams.
type flowControlMixin struct {
	outflow *mux.Window
	inflow  *mux.Inflow

	OnStreamWindowUpdate func(streamID, incr uint32)
}

func (flw *flowControlMixin) init(c *Controller) {
	flw.outflow = mux.NewWindow(initialConnWindow)
	flw.inflow = mux.NewInflow(initialConnWindow)
	c.onAfterHandshake = append(c.onAfterHandshake, func() {
		if inc := flw.inflow.Refund(connReceiveWindow - initialConnWindow); inc != 0 {
			if err := c.WriteWindowUpdate(0, inc); err != nil {
				c.shutdown(err)
			}
		}
	})
	c.on[http2.FrameWindowUpdate] = func(f http2.Frame) {
		frame := f.(*http2.WindowUpdateFrame)
		if frame.StreamID != 0 {
			if flw.OnStreamWindowUpdate != nil {
				flw.OnStreamWindowUpdate(frame.StreamID, frame.Increment)
			}
		} else if !flw.outflow.Add(int32(frame.Increment)) {
			c.GoAwayDebug(0, http2.ErrCodeFlowControl, []byte("connection window overflow"))
		}
	}
}

// ReceiveData accounts a DATA frame of sz bytes, padding included, against
// the connection receive window and hands the tokens back at once, so a
// stream nobody reads never stalls the others. It reports false when the
// peer overran the window.
func (c *Controller) ReceiveData(sz uint32) bool {
	if !c.inflow.Stage(sz) {
		c.GoAwayDebug(0, http2.ErrCodeFlowControl, []byte("connection window exceeded"))
		return false
	}
	if inc := c.inflow.Refund(sz); inc != 0 {
		if err := c.WriteWindowUpdate(0, inc); err != nil {
			c.shutdown(err)
		}
	}
	return true
}
