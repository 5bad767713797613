// Package events fans session events out to connected subscribers, filtered
// by session ownership at delivery time.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"agentdeck-backend/types"
)

// OwnerLookup resolves a session id to its owning user id against the live
// ownership index. The router and the access gate consult the same index:
// never a cached copy with independent staleness.
type OwnerLookup func(sessionID string) (string, bool)

const (
	// intakeBuffer bounds the producer-facing channel. Producers never block;
	// a full intake drops the event with a log line.
	intakeBuffer = 1024
	// subscriptionBuffer bounds each subscriber's delivery queue. A slow
	// subscriber loses its oldest undelivered events, never stalling the
	// producer or other subscribers.
	subscriptionBuffer = 256
)

// Subscription is one connected event stream. It only ever receives events
// whose session owner matches UserID at delivery time; an empty UserID
// (auth disabled) receives everything.
type Subscription struct {
	ID     string
	UserID string

	mu     sync.Mutex
	ch     chan types.Event
	closed bool
}

// Events is the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// enqueue delivers an event, dropping the oldest queued event on overflow.
// Safe to race with close: a late enqueue after removal is a silent no-op.
func (s *Subscription) enqueue(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-s.ch:
			log.Printf("events: subscriber %s overflow, dropped %s event for session %s",
				s.ID, dropped.Type, dropped.SessionID)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Router receives events on a single intake and fans them out to active
// subscriptions through one goroutine, decoupling producer pace from
// consumer pace.
type Router struct {
	findOwner OwnerLookup
	intake    chan types.Event

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewRouter creates a Router filtering deliveries through findOwner.
func NewRouter(findOwner OwnerLookup) *Router {
	return &Router{
		findOwner: findOwner,
		intake:    make(chan types.Event, intakeBuffer),
		subs:      map[string]*Subscription{},
	}
}

// Publish submits an event for fan-out. Never blocks the producer: with the
// intake full the event is dropped and logged, because a UI gap is
// acceptable but stalling the execution layer is not.
func (r *Router) Publish(ev types.Event) {
	select {
	case r.intake <- ev:
	default:
		log.Printf("events: intake full, dropped %s event for session %s", ev.Type, ev.SessionID)
	}
}

// Subscribe registers a new delivery queue for userID.
func (r *Router) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		UserID: userID,
		ch:     make(chan types.Event, subscriptionBuffer),
	}
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Guaranteed: no
// delivery after removal, and an enqueue racing with removal does not panic.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub.ID)
	r.mu.Unlock()
	sub.close()
}

// Run fans intake events out to subscribers until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.intake:
			r.dispatch(ev)
		}
	}
}

// dispatch enqueues ev onto every subscription allowed to see it. Ownership
// is resolved here, at delivery time, so a stale event is dropped rather
// than misrouted if ownership changed since emission.
func (r *Router) dispatch(ev types.Event) {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		if r.allowed(ev, sub) {
			sub.enqueue(ev)
		}
	}
}

// allowed reports whether a subscription may see an event. Events without a
// session id are global and pass to everyone; events for sessions the index
// does not know pass through (the index may simply not have caught up yet).
func (r *Router) allowed(ev types.Event, sub *Subscription) bool {
	if sub.UserID == "" || ev.SessionID == "" {
		return true
	}
	owner, found := r.findOwner(ev.SessionID)
	if !found {
		return true
	}
	return owner == sub.UserID
}
