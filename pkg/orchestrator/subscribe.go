package orchestrator

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/gladys-project/gladys/pkg/types"
)

// subscriberBuffer bounds how many undelivered events a slow subscriber can
// accumulate; once it is full, further events are dropped for that
// subscriber (which stays subscribed), so a stalled receiver never blocks the
// broadcast path for everyone else.
const subscriberBuffer = 256

// subscriber is a single live Subscribe() stream.
type subscriber struct {
	id            string
	sourceFilters []string
	eventTypes    []string
	ch            chan types.Event
	closed        chan struct{}
	closeOnce     sync.Once
}

func (s *subscriber) matches(ev types.Event) bool {
	if len(s.sourceFilters) > 0 {
		found := false
		for _, f := range s.sourceFilters {
			if f == ev.Source || (strings.HasSuffix(f, "*") && strings.HasPrefix(ev.Source, strings.TrimSuffix(f, "*"))) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// close is idempotent, so calling the unsubscribe function more than once
// is safe.
func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// SubscriberHub fans out accepted events to live Subscribe() streams:
// snapshot subscribers under a lock, then send outside it so one slow
// receiver cannot stall registration/unregistration for everyone else.
type SubscriberHub struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	logger      *slog.Logger
}

// NewSubscriberHub constructs an empty SubscriberHub.
func NewSubscriberHub(logger *slog.Logger) *SubscriberHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriberHub{subscribers: make(map[string]*subscriber), logger: logger}
}

// Subscribe registers subscriberID for events matching sourceFilters (an
// empty list matches everything) and returns a channel of forwarded events
// plus an unsubscribe function. eventTypes is accepted for forward
// compatibility with typed event streams but is not yet discriminated on
// (GLADyS events carry no explicit type field beyond source today).
func (h *SubscriberHub) Subscribe(subscriberID string, sourceFilters, eventTypes []string) (<-chan types.Event, func()) {
	s := &subscriber{
		id:            subscriberID,
		sourceFilters: sourceFilters,
		eventTypes:    eventTypes,
		ch:            make(chan types.Event, subscriberBuffer),
		closed:        make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[subscriberID] = s
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.subscribers, subscriberID)
		h.mu.Unlock()
		s.close()
	}
	return s.ch, unsubscribe
}

// Publish forwards ev once to each live subscriber whose filters match. A
// subscriber whose buffer is full is considered disconnected-in-practice:
// the event is dropped for that subscriber and logged, but publish never
// blocks on a slow receiver.
func (h *SubscriberHub) Publish(ev types.Event) {
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		if s.matches(ev) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.closed:
		default:
			h.logger.Warn("dropping event for slow subscriber", "subscriber_id", s.id, "event_id", ev.ID)
		}
	}
}

// Count returns the number of live subscribers.
func (h *SubscriberHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
