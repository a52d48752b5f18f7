package mux

import (
	"context"
	"errors"
)

var ErrNotHeld = errors.New("mux: exclusive token released while not held")

// Exclusive is the single in-flight token of a connection without
// multiplexing. Requests queue in arrival order because channel senders are
// served FIFO by the runtime.
type Exclusive struct {
	token chan struct{}
}

func NewExclusive() *Exclusive {
	return &Exclusive{token: make(chan struct{}, 1)}
}

func (e *Exclusive) Acquire(ctx context.Context) error {
	select {
	case e.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exclusive) TryAcquire() bool {
	select {
	case e.token <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Exclusive) Release() error {
	select {
	case <-e.token:
		return nil
	default:
		return ErrNotHeld
	}
}

func (e *Exclusive) Held() bool {
	return len(e.token) == 1
}
