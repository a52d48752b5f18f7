// Package mux contains the scheduling primitives shared by the connection
// implementations: stream slots bounded by the peer's concurrency limit,
// flow-control windows, and the exclusivity token of non-multiplexed
// connections. Everything that waits takes a context so a cancelled request
// never stays parked.
package mux

import (
	"container/list"
	"context"
	"sync"
)

// Slots is a FIFO counting semaphore whose limit may change while requests
// are waiting, as when a peer updates SETTINGS_MAX_CONCURRENT_STREAMS.
type Slots struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	waiters list.List // of chan struct{}
	closed  error
}

func NewSlots(limit int) *Slots {
	return &Slots{limit: limit}
}

func (s *Slots) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed != nil {
		s.mu.Unlock()
		return s.closed
	}
	if s.inUse < s.limit && s.waiters.Len() == 0 {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ready:
		s.mu.Lock()
		err := s.closed
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// granted concurrently, hand it back
			if s.closed == nil {
				s.inUse--
				s.grantLocked()
			}
		default:
			s.waiters.Remove(elem)
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (s *Slots) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != nil || s.inUse >= s.limit || s.waiters.Len() != 0 {
		return false
	}
	s.inUse++
	return true
}

func (s *Slots) Release() {
	s.mu.Lock()
	s.inUse--
	s.grantLocked()
	s.mu.Unlock()
}

// SetLimit changes the concurrency limit. Lowering it never revokes slots
// already held, it only delays new grants.
func (s *Slots) SetLimit(n int) {
	s.mu.Lock()
	s.limit = n
	s.grantLocked()
	s.mu.Unlock()
}

func (s *Slots) grantLocked() {
	for s.inUse < s.limit && s.waiters.Len() > 0 {
		front := s.waiters.Front()
		s.waiters.Remove(front)
		s.inUse++
		close(front.Value.(chan struct{}))
	}
}

// Close fails every current and future Acquire with err.
func (s *Slots) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed != nil {
		return
	}
	s.closed = err
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(chan struct{}))
	}
	s.waiters.Init()
}

func (s *Slots) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *Slots) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
