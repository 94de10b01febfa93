// Package delivery pushes strategy completion to clients waiting on a
// snapshot. Completion notifications are at-most-once, so every
// subscription also carries a fallback timer that ends in a direct status
// read.
package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
)

// Event types.
const (
	EventComplete = "complete"
	EventTimeout  = "timeout"
)

// Event is delivered once to a subscription.
type Event struct {
	Type       string `json:"-"`
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
}

// StatusReader reads the current strategy row.
type StatusReader interface {
	GetStrategy(ctx context.Context, snapshotID string) (*model.Strategy, error)
}

// Hub fans completion notifications out to subscriptions.
type Hub struct {
	reader   StatusReader
	fallback time.Duration
	log      *zap.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub returns a Hub. fallback bounds how long a subscription waits for a
// notification before reading the status directly.
func NewHub(reader StatusReader, fallback time.Duration) *Hub {
	if fallback <= 0 {
		fallback = 30 * time.Second
	}
	return &Hub{
		reader:   reader,
		fallback: fallback,
		log:      zap.L().With(zap.String("component", "delivery.hub")),
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

// Run listens on the completion channel until ctx is done. After a
// reconnect every open subscription is re-checked, since notifications sent
// during the outage were lost.
func (h *Hub) Run(ctx context.Context, dial notify.Dialer, opts notify.ListenerOptions) error {
	opts.OnReconnect = h.recheck
	l := notify.NewListener(notify.ChannelPipelineComplete, dial, opts)
	return l.Run(ctx, h.Notify)
}

// Subscribe registers a wait for snapshotID. A strategy that is already
// final is delivered immediately. Callers must Close the subscription when
// they stop reading.
func (h *Hub) Subscribe(ctx context.Context, snapshotID string) *Subscription {
	s := &Subscription{
		hub:        h,
		snapshotID: snapshotID,
		ch:         make(chan Event, 1),
	}
	s.C = s.ch

	h.mu.Lock()
	set, ok := h.subs[snapshotID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[snapshotID] = set
	}
	set[s] = struct{}{}
	s.timer = time.AfterFunc(h.fallback, func() { h.expire(s) })
	h.mu.Unlock()

	// The completion may have been published before we registered.
	if st, err := h.reader.GetStrategy(ctx, snapshotID); err == nil && st != nil && st.IsTerminal() {
		if h.remove(s) {
			s.deliver(eventFor(EventComplete, snapshotID, st))
		}
	}
	return s
}

// Notify delivers completion for snapshotID to every waiting subscription.
// It is the listener handler. When the row cannot be read or is not final,
// subscribers get a pending timeout event and read the status themselves.
func (h *Hub) Notify(ctx context.Context, snapshotID string) {
	subs := h.take(snapshotID)
	if len(subs) == 0 {
		return
	}

	ev := Event{Type: EventTimeout, SnapshotID: snapshotID, Status: string(model.StatusPending)}
	st, err := h.reader.GetStrategy(ctx, snapshotID)
	switch {
	case err != nil:
		h.log.Warn("delivery: status read failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
	case st != nil && st.IsTerminal():
		ev = eventFor(EventComplete, snapshotID, st)
	case st != nil:
		ev = eventFor(EventTimeout, snapshotID, st)
	}

	for _, s := range subs {
		s.deliver(ev)
	}
	h.log.Debug("delivery: notified", zap.String("snapshot_id", snapshotID), zap.Int("subscribers", len(subs)))
}

// Subscribers returns the number of open subscriptions for snapshotID.
func (h *Hub) Subscribers(snapshotID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[snapshotID])
}

// expire runs when a subscription's fallback timer fires.
func (h *Hub) expire(s *Subscription) {
	if !h.remove(s) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev := Event{Type: EventTimeout, SnapshotID: s.snapshotID, Status: string(model.StatusPending)}
	st, err := h.reader.GetStrategy(ctx, s.snapshotID)
	switch {
	case err != nil:
		h.log.Warn("delivery: fallback read failed", zap.String("snapshot_id", s.snapshotID), zap.Error(err))
	case st != nil && st.IsTerminal():
		ev = eventFor(EventComplete, s.snapshotID, st)
	case st != nil:
		ev = eventFor(EventTimeout, s.snapshotID, st)
	}
	s.deliver(ev)
}

func (h *Hub) recheck(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		st, err := h.reader.GetStrategy(ctx, id)
		if err != nil || st == nil || !st.IsTerminal() {
			continue
		}
		for _, s := range h.take(id) {
			s.deliver(eventFor(EventComplete, id, st))
		}
	}
}

// take removes and returns every subscription for snapshotID.
func (h *Hub) take(snapshotID string) []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[snapshotID]
	delete(h.subs, snapshotID)
	out := make([]*Subscription, 0, len(set))
	for s := range set {
		s.timer.Stop()
		out = append(out, s)
	}
	return out
}

// remove deregisters s and reports whether it was still registered.
func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.snapshotID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.snapshotID)
	}
	s.timer.Stop()
	return true
}

func eventFor(typ, snapshotID string, st *model.Strategy) Event {
	return Event{Type: typ, SnapshotID: snapshotID, Status: string(st.Status), Phase: string(st.Phase)}
}

// Subscription receives at most one Event on C, after which C is closed.
type Subscription struct {
	// C yields the single event for this subscription.
	C <-chan Event

	hub        *Hub
	snapshotID string
	ch         chan Event
	timer      *time.Timer
	once       sync.Once
}

// Close deregisters the subscription. It is safe to call more than once and
// after an event was delivered.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) deliver(ev Event) {
	s.once.Do(func() {
		s.ch <- ev
		close(s.ch)
	})
}
