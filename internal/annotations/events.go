package annotations

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventAnnotationsWritten = "annotations.written"
	EventCacheInvalidated   = "cache.invalidated"

	defaultEventHistory       = 500
	defaultSubscriberCapacity = 64
)

type Event struct {
	EventID       string `json:"eventId"`
	Type          string `json:"type"`
	Repo          string `json:"repo,omitempty"`
	Path          string `json:"path"`
	SHA           string `json:"sha,omitempty"`
	ItemCount     int    `json:"itemCount"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     string `json:"timestamp"`
	// Principal is the fingerprint of the credential that caused the event.
	// It is never serialized; feeds use it to show callers only their own
	// events.
	Principal string `json:"-"`
}

// VisibleTo reports whether the holder of the credential with the given
// fingerprint may see the event. Events without a principal are visible to
// nobody.
func (e Event) VisibleTo(fingerprint string) bool {
	return e.Principal != "" && e.Principal == fingerprint
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

// EventBroker fans change events out to subscribers and keeps a bounded
// history for cursor reads. A subscriber whose buffer is full misses the
// event; the miss is counted on the subscription.
type EventBroker struct {
	mu          sync.RWMutex
	seq         uint64
	history     []Event
	historySize int
	subs        map[*Subscription]struct{}
	bufferSize  int
	now         func() time.Time
}

type EventBrokerOptions struct {
	HistorySize        int
	SubscriberCapacity int
	Now                func() time.Time
}

type Subscription struct {
	C       <-chan Event
	ch      chan Event
	dropped atomic.Uint64
	broker  *EventBroker
	once    sync.Once
}

func NewEventBroker(opts EventBrokerOptions) *EventBroker {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultEventHistory
	}
	if opts.SubscriberCapacity <= 0 {
		opts.SubscriberCapacity = defaultSubscriberCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &EventBroker{
		historySize: opts.HistorySize,
		bufferSize:  opts.SubscriberCapacity,
		subs:        map[*Subscription]struct{}{},
		now:         opts.Now,
	}
}

// Publish stamps the event with an id and timestamp and delivers it without
// blocking. It returns the stamped event.
func (b *EventBroker) Publish(event Event) Event {
	if b == nil {
		return event
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	event.EventID = "evt_" + strconv.FormatUint(b.seq, 10)
	if event.Timestamp == "" {
		event.Timestamp = b.now().UTC().Format(time.RFC3339Nano)
	}
	b.history = append(b.history, event)
	if over := len(b.history) - b.historySize; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return event
}

func (b *EventBroker) Subscribe() *Subscription {
	ch := make(chan Event, b.bufferSize)
	sub := &Subscription{C: ch, ch: ch, broker: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *EventBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Events returns up to limit events published after cursor. An unknown or empty
// cursor starts from the oldest retained event.
func (b *EventBroker) Events(cursor string, limit int) EventFeed {
	return b.page(cursor, limit, nil)
}

// EventsFor is Events restricted to the events caused by the credential with
// the given fingerprint.
func (b *EventBroker) EventsFor(fingerprint, cursor string, limit int) EventFeed {
	return b.page(cursor, limit, func(e Event) bool { return e.VisibleTo(fingerprint) })
}

func (b *EventBroker) page(cursor string, limit int, keep func(Event) bool) EventFeed {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 {
		limit = 200
	}
	start := 0
	if cursor != "" {
		for i := range b.history {
			if b.history[i].EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	page := []Event{}
	var next *string
	for i := start; i < len(b.history); i++ {
		if keep != nil && !keep(b.history[i]) {
			continue
		}
		if len(page) == limit {
			id := page[len(page)-1].EventID
			next = &id
			break
		}
		page = append(page, b.history[i])
	}
	return EventFeed{Events: page, NextCursor: next}
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
		close(s.ch)
	})
}
