package mux

import (
	"context"
	"sync"
)

// RFC 9113 Section 6.9.1.
const MaxWindow = 1<<31 - 1

// Window is a send-side flow-control window.
type Window struct {
	// RFC 9113 6.9.2
	// A change to SETTINGS_INITIAL_WINDOW_SIZE can cause the available space
	// in a flow-control window to become negative. A sender MUST track the
	// negative flow-control window and MUST NOT send new flow-controlled frames
	// until it receives WINDOW_UPDATE frames that cause the flow-control
	// window to become positive.
	mu        sync.Mutex
	remaining int64
	changed   chan struct{} // closed and replaced on every increase
	closed    error
}

func NewWindow(initial int32) *Window {
	return &Window{remaining: int64(initial), changed: make(chan struct{})}
}

// Take waits until the window is positive and takes at most n from it.
func (w *Window) Take(ctx context.Context, n int32) (int32, error) {
	for {
		w.mu.Lock()
		if w.closed != nil {
			err := w.closed
			w.mu.Unlock()
			return 0, err
		}
		if w.remaining > 0 {
			got := int64(n)
			if w.remaining < got {
				got = w.remaining
			}
			w.remaining -= got
			w.mu.Unlock()
			return int32(got), nil
		}
		ch := w.changed
		w.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Add credits the window, n may be negative after a SETTINGS change. It
// reports false if the window would overflow 2^31-1, which the caller
// treats as a FLOW_CONTROL_ERROR.
func (w *Window) Add(n int32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sum := w.remaining + int64(n)
	if sum > MaxWindow {
		return false
	}
	w.remaining = sum
	if n > 0 {
		close(w.changed)
		w.changed = make(chan struct{})
	}
	return true
}

// Refund gives back tokens taken but not spent.
func (w *Window) Refund(n int32) {
	if n > 0 {
		w.Add(n)
	}
}

func (w *Window) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remaining
}

// Close wakes up every waiter with err.
func (w *Window) Close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed == nil {
		w.closed = err
		close(w.changed)
		w.changed = make(chan struct{})
	}
}

// golang/x/net/http2 says so
const inflowMinRefresh = 4 << 10

// Inflow accounts for the receive window we advertised to the peer.
type Inflow struct {
	mu        sync.Mutex
	remaining uint32 // remote should have this many tokens for sending to us
	queued    uint32 // tokens released by upper layer but kept by flow control
}

func NewInflow(initial uint32) *Inflow {
	return &Inflow{remaining: initial}
}

// Stage records sz received bytes and reports false if the peer exceeded
// the window.
func (fm *Inflow) Stage(sz uint32) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.remaining < sz {
		return false
	}
	fm.remaining -= sz
	return true
}

// Refund returns consumed bytes and yields the WINDOW_UPDATE increment to
// send, 0 while below the refresh threshold.
func (fm *Inflow) Refund(sz uint32) uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.queued += sz
	if fm.queued < inflowMinRefresh {
		return 0
	}
	upd := fm.queued
	if uint64(fm.remaining)+uint64(upd) > MaxWindow {
		upd = MaxWindow - fm.remaining
	}
	fm.queued -= upd
	fm.remaining += upd
	return upd
}
