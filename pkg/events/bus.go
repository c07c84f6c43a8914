package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBufferSize is the subscriber queue size when Subscribe is
	// called with bufSize <= 0.
	DefaultBufferSize = 256

	// backpressureInterval throttles system.backpressure emissions: at
	// most one per lagging subscriber per interval, no matter how many
	// events were dropped inside it.
	backpressureInterval = time.Second

	// dropRetries bounds the drop-oldest/retry loop inside a single
	// delivery. All sends are non-blocking; the publish path never waits
	// on a subscriber, so the 50 ms publish soft deadline holds by
	// construction.
	dropRetries = 2
)

// Bus is the process-wide typed pub/sub. One instance is created at
// startup, passed explicitly to every component, and closed at shutdown.
type Bus struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool

	dropped atomic.Uint64 // total events dropped across all subscribers
}

// room holds the ordered subscriber list for one room. Delivery happens
// under room.mu, which is what gives per-room publish-order delivery.
type room struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Subscription is a handle on one room's event stream. Events are read
// from Events(); Close releases the slot and discards anything queued.
type Subscription struct {
	Name string

	bus       *Bus
	roomName  string
	ch        chan Event
	closeOnce sync.Once
	closed    bool // guarded by the owning room's mu

	dropped   atomic.Uint64
	pendingBP bool      // drops since the last notice; guarded by the owning room's mu
	lastBP    time.Time // guarded by the owning room's mu
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{rooms: make(map[string]*room)}
}

// Subscribe joins a room with an anonymous subscriber name.
func (b *Bus) Subscribe(roomName string, bufSize int) *Subscription {
	return b.SubscribeNamed(roomName, "", bufSize)
}

// SubscribeNamed joins a room. The name appears in system.backpressure
// payloads; WS connections pass their connection id. bufSize <= 0 selects
// DefaultBufferSize.
func (b *Bus) SubscribeNamed(roomName, name string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if name == "" {
		name = "anon"
	}

	s := &Subscription{
		Name:     name,
		bus:      b,
		roomName: roomName,
		ch:       make(chan Event, bufSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		// Subscribing to a closed bus yields an already-closed stream.
		close(s.ch)
		s.closed = true
		return s
	}
	r, ok := b.rooms[roomName]
	if !ok {
		r = &room{}
		b.rooms[roomName] = r
	}
	b.mu.Unlock()

	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
	return s
}

// Events returns the ordered stream for this subscription. The channel
// closes when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close leaves the room and discards queued events. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		b := s.bus
		b.mu.RLock()
		r := b.rooms[s.roomName]
		b.mu.RUnlock()
		if r == nil {
			return
		}
		r.mu.Lock()
		for i, sub := range r.subs {
			if sub == s {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		s.closed = true
		// Safe: sends only happen under r.mu, and s is no longer in r.subs.
		close(s.ch)
		r.mu.Unlock()
	})
}

// Publish delivers ev to every subscriber of the named room. It never
// blocks: a subscriber whose queue is full loses its oldest events, a
// counter is bumped, and at most one system.backpressure per second is
// emitted on the global room naming that subscriber. Publish succeeds
// (from the caller's perspective) regardless.
func (b *Bus) Publish(roomName string, ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	r := b.rooms[roomName]
	b.mu.RUnlock()
	if r == nil {
		return
	}

	var notices []Event

	r.mu.Lock()
	for _, s := range r.subs {
		b.deliver(s, ev)
	}
	// Collect throttled backpressure notices while still ordered.
	now := time.Now()
	for _, s := range r.subs {
		if s.pendingBP && now.Sub(s.lastBP) >= backpressureInterval {
			s.lastBP = now
			s.pendingBP = false
			notices = append(notices, New(TypeSystemBackpressure, BackpressurePayload{
				Room:       roomName,
				Subscriber: s.Name,
				Dropped:    s.dropped.Load(),
			}))
		}
	}
	r.mu.Unlock()

	// Emit outside the room lock so publishing to global cannot deadlock
	// when the lagging room IS global.
	for _, n := range notices {
		if roomName == GlobalRoom && n.Type == TypeSystemBackpressure {
			// A backpressure notice about the global room still goes to
			// global, but drops of notices themselves are not re-reported.
			b.publishNoBP(GlobalRoom, n)
			continue
		}
		b.Publish(GlobalRoom, n)
	}
}

// Emit routes an event to every room it belongs to: its session room,
// its asset room, and, for system events or events with no scope, the
// global room.
func (b *Bus) Emit(ev Event) {
	routed := false
	if ev.SessionID != "" {
		b.Publish(SessionRoom(ev.SessionID), ev)
		routed = true
	}
	if ev.AssetID != "" {
		b.Publish(AssetRoom(ev.AssetID), ev)
		routed = true
	}
	if !routed || ev.Type == TypeSystemError || ev.Type == TypeSystemBackpressure {
		b.Publish(GlobalRoom, ev)
	}
}

// deliver attempts a non-blocking send, dropping oldest on overflow.
// Returns false if the event itself had to be discarded. Caller holds
// the room lock.
func (b *Bus) deliver(s *Subscription, ev Event) bool {
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}

	// Queue full: drop oldest, retry a bounded number of times.
	for i := 0; i < dropRetries; i++ {
		select {
		case <-s.ch:
			s.dropped.Add(1)
			b.dropped.Add(1)
			s.pendingBP = true
		default:
		}
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}

	// Still full (only possible if the reader raced us); count ev as lost.
	s.dropped.Add(1)
	b.dropped.Add(1)
	s.pendingBP = true
	return false
}

// publishNoBP delivers without generating backpressure notices. Used for
// the notices themselves.
func (b *Bus) publishNoBP(roomName string, ev Event) {
	b.mu.RLock()
	r := b.rooms[roomName]
	b.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	for _, s := range r.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	r.mu.Unlock()
}

// Stats describes the bus for the health endpoint.
type Stats struct {
	Rooms       int    `json:"rooms"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns a point-in-time snapshot.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Rooms: len(b.rooms), Dropped: b.dropped.Load()}
	for _, r := range b.rooms {
		r.mu.Lock()
		st.Subscribers += len(r.subs)
		r.mu.Unlock()
	}
	return st
}

// Close shuts the bus down: all subscriptions are closed and further
// publishes become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	rooms := b.rooms
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		for _, s := range r.subs {
			s.closeOnce.Do(func() {}) // disarm the normal Close path
			s.closed = true
			close(s.ch)
		}
		r.subs = nil
		r.mu.Unlock()
	}
	slog.Debug("Event bus closed")
}
