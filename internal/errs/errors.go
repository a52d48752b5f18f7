// Package errs holds the error taxonomy of the engine. Every failure handed
// back to callers is an *Error carrying the phase it happened in, so callers
// can tell "network unreachable" from "server refused" from "malformed
// response" with errors.Is against the sentinels below.
package errs

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

type Phase uint8

const (
	PhaseConnect Phase = iota + 1
	PhaseProxy
	PhaseTrust
	PhaseProtocol
	PhaseTimeout
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseProxy:
		return "proxy"
	case PhaseTrust:
		return "trust"
	case PhaseProtocol:
		return "protocol"
	case PhaseTimeout:
		return "timeout"
	case PhaseCancelled:
		return "cancelled"
	}
	return "unknown"
}

type Error struct {
	Phase Phase
	Op    string // what was being done, e.g. "dial", "handshake", "checkout"
	Addr  string // remote address if known
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("rq: ")
	b.WriteString(e.Phase.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.Addr != "" {
		b.WriteString(" (")
		b.WriteString(e.Addr)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same phase, which makes the sentinels work
// with errors.Is regardless of Op, Addr and cause.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Phase == e.Phase && (t.Op == "" || t.Op == e.Op)
	}
	return false
}

// Timeout implements the net.Error convention.
func (e *Error) Timeout() bool {
	return e.Phase == PhaseTimeout
}

var (
	ErrConnect   = &Error{Phase: PhaseConnect}
	ErrProxy     = &Error{Phase: PhaseProxy}
	ErrTrust     = &Error{Phase: PhaseTrust}
	ErrProtocol  = &Error{Phase: PhaseProtocol}
	ErrTimeout   = &Error{Phase: PhaseTimeout}
	ErrCancelled = &Error{Phase: PhaseCancelled}
)

func reg(phase Phase) func(op, addr string, err error) error {
	return func(op, addr string, err error) error {
		var e *Error
		if errors.As(err, &e) {
			return err // keep the innermost phase
		}
		return &Error{Phase: phase, Op: op, Addr: addr, Err: err}
	}
}

var (
	Connect   = reg(PhaseConnect)
	Proxy     = reg(PhaseProxy)
	Trust     = reg(PhaseTrust)
	Protocol  = reg(PhaseProtocol)
	Timeout   = reg(PhaseTimeout)
	Cancelled = reg(PhaseCancelled)
)

// FromContext classifies err using the state of ctx and the error itself.
// Deadline and cancellation always win over the fallback phase, since a
// connection torn down by a cancelled context usually reports a plain I/O
// error.
func FromContext(ctx context.Context, fallback func(op, addr string, err error) error, op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout(op, addr, err)
	case errors.Is(err, context.Canceled):
		return Cancelled(op, addr, err)
	}
	if ctx != nil {
		if cerr := ctx.Err(); cerr != nil {
			if errors.Is(cerr, context.DeadlineExceeded) {
				return Timeout(op, addr, err)
			}
			return Cancelled(op, addr, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(op, addr, err)
	}
	return fallback(op, addr, err)
}

// PhaseOf reports the phase carried by err, or 0 if it carries none.
func PhaseOf(err error) Phase {
	var e *Error
	if errors.As(err, &e) {
		return e.Phase
	}
	return 0
}
