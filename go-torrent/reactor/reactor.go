// Package reactor implements the single-threaded cooperative event loop
// described in spec.md §5: exactly one goroutine ever touches connection
// state, so "no two callbacks for the same connection run concurrently"
// holds for the whole swarm, not just per connection. Every other
// goroutine in the program — per-connection readers, the timer service,
// the cache, the upload dispatcher — must route back into this loop via
// Post rather than calling connection state directly.
//
// Grounded on channels.go's channel-based signalling and on
// original_source/core/BitPeerConnection.h's connection-id indirection:
// timers and background completions carry an opaque id, and the loop
// looks the id up in its registry before running anything, so a callback
// that outlives its connection becomes a safe no-op instead of a data
// race or a nil dereference.
package reactor

import "go.uber.org/zap"

// Handle is anything the reactor dispatches events to once registered.
// The connection engine implements it.
type Handle interface {
	// ID returns this handle's registry key.
	ID() string
}

type event struct {
	connID string
	fn     func()
}

// Reactor is the single event loop. Post is safe to call from any
// goroutine; Run must be called from exactly one.
type Reactor struct {
	events   chan event
	register chan registration
	live     map[string]struct{}
	log      *zap.Logger
}

type registration struct {
	id  string
	add bool
}

// New returns a Reactor with the given event queue depth. log may be nil,
// in which case the reactor logs nothing.
func New(queueDepth int, log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reactor{
		events:   make(chan event, queueDepth),
		register: make(chan registration, queueDepth),
		live:     make(map[string]struct{}),
		log:      log,
	}
}

// Register marks id as live. Events posted for an id that was never
// registered, or that has since been Unregistered, are dropped.
func (r *Reactor) Register(h Handle) {
	r.register <- registration{id: h.ID(), add: true}
}

// Unregister marks id as gone; any event already queued for it will be
// dropped when the loop reaches it.
func (r *Reactor) Unregister(h Handle) {
	r.register <- registration{id: h.ID(), add: false}
}

// Post enqueues fn to run on the loop goroutine if connID is still live at
// the time the loop reaches this event. Safe to call from any goroutine,
// including from inside the loop itself.
func (r *Reactor) Post(connID string, fn func()) {
	r.events <- event{connID: connID, fn: fn}
}

// Run drains the event and registration queues until stop is closed. It
// must run on exactly one goroutine for the lifetime of the Reactor.
func (r *Reactor) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case reg := <-r.register:
			if reg.add {
				r.live[reg.id] = struct{}{}
			} else {
				delete(r.live, reg.id)
			}
		case ev := <-r.events:
			if _, ok := r.live[ev.connID]; !ok {
				r.log.Debug("reactor: dropped event for dead connection", zap.String("conn", ev.connID))
				continue
			}
			ev.fn()
		}
	}
}
