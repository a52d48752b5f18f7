package internal

import (
	"context"
	"net"
	"net/http/httptrace"
	"net/url"
	"reflect"

	model "github.com/frankli0324/rq/internal/http"
)

// Trace receives lifecycle events of requests made with a context
// carrying it, see WithTrace. Any hook may be nil.
type Trace struct {
	GetConn              func(key string)
	GotConn              func(GotConnInfo)
	GotFirstResponseByte func()
	Redirect             func(from, to *url.URL, status int)
}

type GotConnInfo struct {
	ConnID  string
	Version model.Version
	Reused  bool // the connection served requests before
}

type traceKey struct{}

func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func traceFrom(ctx context.Context) *Trace {
	if t, ok := ctx.Value(traceKey{}).(*Trace); ok && t != nil {
		return t
	}
	return &Trace{}
}

func (t *Trace) getConn(key string) {
	if t.GetConn != nil {
		t.GetConn(key)
	}
}

func (t *Trace) gotConn(info GotConnInfo) {
	if t.GotConn != nil {
		t.GotConn(info)
	}
}

func (t *Trace) gotFirstResponseByte() {
	if t.GotFirstResponseByte != nil {
		t.GotFirstResponseByte()
	}
}

func (t *Trace) redirect(from, to *url.URL, status int) {
	if t.Redirect != nil {
		t.Redirect(from, to, status)
	}
}

var stdNetTraceKey, stdHttpTraceKey interface{}

type captureContext struct {
	context.Context
	capture func(reflect.Type)
}

func (c captureContext) Value(key interface{}) interface{} {
	c.capture(reflect.TypeOf(key))
	return nil
}

func init() {
	var stdNetTraceType, stdHttpTraceType reflect.Type

	capture := captureContext{context.Background(), nil}
	capture.capture = func(t reflect.Type) { stdNetTraceType = t }
	(&net.Dialer{}).DialContext(capture, "invalid", "")
	capture.capture = func(t reflect.Type) { stdHttpTraceType = t }
	httptrace.ContextClientTrace(capture)

	stdNetTraceKey = reflect.New(stdNetTraceType).Elem().Interface()
	stdHttpTraceKey = reflect.New(stdHttpTraceType).Elem().Interface()
}

// shadowStandardClientTrace hides net/http traces from the dialers, their
// hooks assume net/http's own connection handling.
func shadowStandardClientTrace(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, stdHttpTraceKey, nil)
	ctx = context.WithValue(ctx, stdNetTraceKey, nil)
	return ctx
}
