package h2

import (
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/net/http2"
)

var (
	ErrMultipleGoAway   = errors.New("connection already seen GOAWAY")
	ErrReasonNil        = errors.New("connection closed without reason, this is unexpected")
	ErrConnUnusable     = errors.New("connection no longer accepts new streams")
	ErrFirstNotSettings = errors.New("connection error, first frame sent by server not settings")
)

// ReasonGoAway is the reason a connection stopped taking streams.
type ReasonGoAway struct {
	code   http2.ErrCode
	debug  []byte
	remote bool
	last   uint32
}

func (r *ReasonGoAway) Error() string {
	msg := fmt.Sprintf("GOAWAY seen on connection, err:%s, send by remote peer:%t, last:%d", r.code.String(), r.remote, r.last)
	if len(r.debug) != 0 {
		msg += ", debug: " + strconv.Quote(string(r.debug))
	}
	return msg
}

func (r *ReasonGoAway) Code() http2.ErrCode { return r.code }

type StreamError struct {
	msg      string
	streamID uint32
	error
}

func (e StreamError) Error() string {
	msg := e.msg + " at stream " + strconv.FormatInt(int64(e.streamID), 10)
	if e.error != nil {
		msg += ", error: " + e.error.Error()
	}
	return msg
}

func (e StreamError) Wrap(err error) StreamError {
	if err == nil {
		return e
	}
	return StreamError{e.msg, e.streamID, err}
}

func (e StreamError) Unwrap() error {
	return e.error
}

func (e StreamError) Is(err error) bool {
	if err, ok := err.(StreamError); ok {
		return e.msg == err.msg
	}
	return false
}

func (e StreamError) StreamID() uint32 {
	return e.streamID
}

func reg(msg string) func(streamID uint32) StreamError {
	return func(streamID uint32) StreamError { return StreamError{msg, streamID, nil} }
}

var (
	ErrStreamCancelled    = reg("stream cancelled by context")
	ErrStreamAbandoned    = reg("response body closed before end of stream")
	ErrStreamRefused      = reg("stream not processed before GOAWAY")
	ErrStreamProtocol     = reg("stream protocol violation")
	ErrStreamFlowControl  = reg("stream flow control violated by peer")
	ErrReqBodyTooLong     = reg("internal: request body larger than specified content length")
	ErrReqBodyTooShort    = reg("internal: request body shorter than specified content length")
	ErrReqBodyRead        = reg("internal: request body read error")
	ErrRespLengthMismatch = reg("response body length differs from content-length")
	ErrFramerWrite        = reg("internal: framer write error")
	ErrConnLost           = reg("connection lost")
)

type h2Code http2.ErrCode

func (c h2Code) Error() string {
	return http2.ErrCode(c).String()
}

var (
	ErrStreamResetRemote = func(streamID uint32, code http2.ErrCode) StreamError {
		return StreamError{"remote stream reset", streamID, h2Code(code)}
	}
	ErrStreamResetLocal = func(streamID uint32, code http2.ErrCode) StreamError {
		return StreamError{"local stream reset", streamID, h2Code(code)}
	}
)
