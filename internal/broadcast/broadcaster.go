// Package broadcast fans progress events out to per-run subscriber sets.
// Subscribers are ephemeral, held in memory only, and bounded per run. The
// broadcaster owns the heartbeat loop — transports only bridge a subscriber
// channel to the wire.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/domain"
)

// ErrTooManySubscribers is returned when a run already has the maximum
// number of attached subscribers.
var ErrTooManySubscribers = errors.New("too many subscribers for run")

// subscriberBuffer is the per-subscriber event buffer. A subscriber that
// falls this far behind is dropped rather than allowed to block emitters.
const subscriberBuffer = 64

// EventType identifies a progress stream event.
type EventType string

const (
	EventState      EventType = "state"
	EventLog        EventType = "log"
	EventStepStart  EventType = "step_start"
	EventStepEnd    EventType = "step_end"
	EventTransition EventType = "transition"
	EventHeartbeat  EventType = "heartbeat"
)

// Event is a single progress stream event. Data is nil for heartbeats.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

// StatePayload is the initial snapshot sent to a new subscriber.
type StatePayload struct {
	Status      domain.RunStatus  `json:"status"`
	Progress    int               `json:"progress"`
	CurrentStep string            `json:"current_step"`
	Logs        []domain.LogEntry `json:"logs"`
}

// StepStartPayload announces that a step began executing.
type StepStartPayload struct {
	Step domain.Step `json:"step"`
}

// StepEndPayload announces a completed step and the new progress.
type StepEndPayload struct {
	Step     domain.Step `json:"step"`
	Progress int         `json:"progress"`
}

// TransitionPayload announces a run status change.
type TransitionPayload struct {
	From domain.RunStatus `json:"from"`
	To   domain.RunStatus `json:"to"`
}

// Subscriber is one attached progress listener. Events arrive on C in
// emission order; C is closed when the subscriber is dropped or the
// broadcaster drains.
type Subscriber struct {
	C chan Event

	runID  uuid.UUID
	closed bool // guarded by the owning hub's mutex
}

// RunID returns the run this subscriber is attached to.
func (s *Subscriber) RunID() uuid.UUID { return s.runID }

// Broadcaster manages per-run subscriber hubs.
type Broadcaster struct {
	maxPerRun int
	heartbeat time.Duration

	mu   sync.Mutex
	hubs map[uuid.UUID]*hub
}

// hub is the subscriber set for one run, with its own lock so emits on one
// run never contend with another.
type hub struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	lastEmit time.Time
	stop     chan struct{} // stops the heartbeat loop; nil when no loop runs
}

// New creates a Broadcaster. maxPerRun bounds subscribers per run;
// heartbeat is the keepalive interval for silent streams.
func New(maxPerRun int, heartbeat time.Duration) *Broadcaster {
	return &Broadcaster{
		maxPerRun: maxPerRun,
		heartbeat: heartbeat,
		hubs:      make(map[uuid.UUID]*hub),
	}
}

// Register attaches a new subscriber to the run's hub. The first subscriber
// starts the hub's heartbeat loop.
func (b *Broadcaster) Register(runID uuid.UUID) (*Subscriber, error) {
	b.mu.Lock()
	h, ok := b.hubs[runID]
	if !ok {
		h = &hub{subs: make(map[*Subscriber]struct{})}
		b.hubs[runID] = h
	}
	b.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) >= b.maxPerRun {
		return nil, ErrTooManySubscribers
	}

	sub := &Subscriber{
		C:     make(chan Event, subscriberBuffer),
		runID: runID,
	}
	h.subs[sub] = struct{}{}
	h.lastEmit = time.Now()

	if h.stop == nil {
		h.stop = make(chan struct{})
		go b.heartbeatLoop(runID, h, h.stop)
	}
	return sub, nil
}

// Unregister detaches a subscriber and closes its channel. Safe to call for
// an already-dropped subscriber.
func (b *Broadcaster) Unregister(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	h, ok := b.hubs[sub.runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	b.dropLocked(h, sub)
	empty := len(h.subs) == 0
	h.mu.Unlock()

	if empty {
		b.releaseIfEmpty(sub.runID, h)
	}
}

// Push delivers an event to a single subscriber, bypassing fan-out. Used
// for the initial state snapshot so it lands before subsequent live events
// for that subscriber.
func (b *Broadcaster) Push(sub *Subscriber, ev Event) {
	b.mu.Lock()
	h, ok := b.hubs[sub.runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.C <- ev:
	default:
		b.dropLocked(h, sub)
	}
}

// Emit fans an event out to every subscriber of the run. Subscribers whose
// buffers are full are dropped; a run with no subscribers is a no-op.
func (b *Broadcaster) Emit(runID uuid.UUID, ev Event) {
	b.mu.Lock()
	h, ok := b.hubs[runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	h.lastEmit = time.Now()
	var dropped []*Subscriber
	for sub := range h.subs {
		select {
		case sub.C <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.dropLocked(h, sub)
	}
	empty := len(h.subs) == 0
	h.mu.Unlock()

	if len(dropped) > 0 {
		slog.Warn("broadcast: dropped slow subscribers", "run_id", runID, "count", len(dropped))
	}
	if empty {
		b.releaseIfEmpty(runID, h)
	}
}

// SubscriberCount returns the number of attached subscribers for a run.
func (b *Broadcaster) SubscriberCount(runID uuid.UUID) int {
	b.mu.Lock()
	h, ok := b.hubs[runID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// DrainAll cleanly terminates every subscriber on every run. Used by
// engine shutdown after workers have stopped emitting.
func (b *Broadcaster) DrainAll() {
	b.mu.Lock()
	hubs := make(map[uuid.UUID]*hub, len(b.hubs))
	for id, h := range b.hubs {
		hubs[id] = h
	}
	b.hubs = make(map[uuid.UUID]*hub)
	b.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		for sub := range h.subs {
			delete(h.subs, sub)
			sub.closed = true
			close(sub.C)
		}
		if h.stop != nil {
			close(h.stop)
			h.stop = nil
		}
		h.mu.Unlock()
	}
}

// dropLocked removes a subscriber and closes its channel. Caller holds h.mu.
func (b *Broadcaster) dropLocked(h *hub, sub *Subscriber) {
	if sub.closed {
		return
	}
	delete(h.subs, sub)
	sub.closed = true
	close(sub.C)
}

// releaseIfEmpty stops the heartbeat loop and removes the hub once its last
// subscriber is gone.
func (b *Broadcaster) releaseIfEmpty(runID uuid.UUID, h *hub) {
	h.mu.Lock()
	if len(h.subs) > 0 {
		h.mu.Unlock()
		return
	}
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	h.mu.Unlock()

	b.mu.Lock()
	if cur, ok := b.hubs[runID]; ok && cur == h {
		delete(b.hubs, runID)
	}
	b.mu.Unlock()
}

// heartbeatLoop sends a keepalive to the run's subscribers whenever the
// stream has been silent for a full heartbeat interval.
func (b *Broadcaster) heartbeatLoop(runID uuid.UUID, h *hub, stop chan struct{}) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			h.mu.Lock()
			silent := now.Sub(h.lastEmit) >= b.heartbeat
			h.mu.Unlock()
			if silent {
				b.Emit(runID, Event{Type: EventHeartbeat})
			}
		}
	}
}
