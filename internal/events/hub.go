// Package events fans out order, price, channel and settlement events to
// per-session subscribers, and streams them over gRPC.
//
// Each subscription owns an unbounded queue. Order, channel and settlement
// events are never dropped; a PriceUpdated that has not been delivered yet is
// replaced by a newer quote for the same contract.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"perpcore/internal/domain"
)

// ErrClosed is returned by Next once the subscription has been closed.
var ErrClosed = errors.New("subscription closed")

// Message is an event as delivered to a subscriber.
type Message struct {
	Seq   uint64
	Time  time.Time
	Event domain.Event
}

// Hub broadcasts events to every open subscription in publish order.
type Hub struct {
	log *slog.Logger

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[int]*Subscription
}

// NewHub creates a Hub with no subscribers.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "hub"),
		subs: make(map[int]*Subscription),
	}
}

// Publish delivers evt to every subscription whose filter accepts it. It
// never blocks on slow consumers.
func (h *Hub) Publish(evt domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	msg := Message{Seq: h.seq, Time: time.Now().UTC(), Event: evt}
	for _, s := range h.subs {
		s.push(msg)
	}
	eventsPublished.WithLabelValues(string(evt.Type())).Inc()
}

// Subscribe opens a subscription starting at the current point in time.
// With no types every event is delivered.
func (h *Hub) Subscribe(types ...domain.EventType) *Subscription {
	s := &Subscription{
		hub:    h,
		latest: make(map[domain.ContractSymbol]*entry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	h.mu.Lock()
	s.id = h.nextID
	h.nextID++
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	subscribers.Set(float64(n))
	h.log.Debug("subscription opened", "subID", s.id, "subscribers", n)
	return s
}

// Unsubscribe closes the subscription with the given id.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	s.shutdown()
	subscribers.Set(float64(n))
	h.log.Debug("subscription closed", "subID", id, "subscribers", n)
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

type entry struct {
	msg   Message
	stale bool
}

// Subscription is a single consumer's ordered view of the hub.
type Subscription struct {
	id    int
	hub   *Hub
	types map[domain.EventType]bool

	mu      sync.Mutex
	queue   []*entry
	stale   int                              // superseded entries still in queue
	latest  map[domain.ContractSymbol]*entry // undelivered price per contract
	dropped uint64
	closed  bool

	notify chan struct{}
	done   chan struct{}
}

// ID returns the hub-assigned subscription id.
func (s *Subscription) ID() int { return s.id }

// Next blocks until an event is available, ctx is done or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		if msg, ok := s.pop(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
			return Message{}, ErrClosed
		case <-s.notify:
		}
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.id)
}

// Dropped returns how many stale price events were replaced.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) - s.stale
}

func (s *Subscription) push(msg Message) {
	if s.types != nil && !s.types[msg.Event.Type()] {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e := &entry{msg: msg}
	if pu, ok := msg.Event.(domain.PriceUpdated); ok {
		if prev := s.latest[pu.Price.Symbol]; prev != nil {
			prev.stale = true
			s.stale++
			s.dropped++
			pricesCoalesced.Inc()
		}
		s.latest[pu.Price.Symbol] = e
	}
	s.queue = append(s.queue, e)
	if s.stale > len(s.queue)/2 {
		s.compact()
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pop() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, false
	}
	for len(s.queue) > 0 {
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if e.stale {
			s.stale--
			continue
		}
		if pu, ok := e.msg.Event.(domain.PriceUpdated); ok && s.latest[pu.Price.Symbol] == e {
			delete(s.latest, pu.Price.Symbol)
		}
		return e.msg, true
	}
	return Message{}, false
}

// compact removes superseded entries, keeping the order of the rest. The
// queue stays within twice its live length. Callers hold s.mu.
func (s *Subscription) compact() {
	live := s.queue[:0]
	for _, e := range s.queue {
		if !e.stale {
			live = append(live, e)
		}
	}
	clear(s.queue[len(live):])
	s.queue = live
	s.stale = 0
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	s.stale = 0
	s.latest = nil
	close(s.done)
}
