// Package timer implements the TimerService collaborator described in
// spec.md §6 and §9: request timeouts, the keep-alive interval, and the
// idle-disconnect interval are all scheduled here rather than with bare
// time.AfterFunc calls scattered through the connection engine, so that
// every fire is routed through the reactor's posting discipline instead of
// touching connection state from an arbitrary goroutine.
//
// Grounded on original_source/core/BitPeerConnection.h's RequestTimeouter,
// which keeps timer ids rather than raw pointers/timers for exactly the
// same reason: a connection can be gone by the time a timer fires.
package timer

import (
	"sync"
	"time"
)

// ID identifies a scheduled timer. The zero ID never refers to a live
// timer, so callers can use it as a "no timer pending" sentinel.
type ID uint64

// Service schedules fire callbacks for a connection id. Every fire is
// delivered by calling post(connID, fn) rather than fn directly — post is
// expected to no-op if the connection with that id is no longer live, and
// otherwise to run fn inside that connection's single-threaded context
// (spec.md §5's "no two callbacks for the same connection run
// concurrently").
type Service struct {
	mu     sync.Mutex
	timers map[ID]*time.Timer
	nextID ID
	post   func(connID string, fn func())
}

// NewService returns a Service that delivers fires through post.
func NewService(post func(connID string, fn func())) *Service {
	return &Service{timers: make(map[ID]*time.Timer), post: post}
}

// Add schedules fn to run after d, routed through post for connID. It
// returns a handle suitable for Cancel.
func (s *Service) Add(connID string, d time.Duration, fn func()) ID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if !live {
			return
		}
		s.post(connID, fn)
	})

	s.mu.Lock()
	s.timers[id] = t
	s.mu.Unlock()
	return id
}

// Cancel stops a pending timer. Canceling an already-fired or unknown id is
// a no-op.
func (s *Service) Cancel(id ID) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}
