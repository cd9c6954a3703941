package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aidin1998/intentex/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

var (
	ErrBusClosed    = errors.New("event bus closed")
	ErrInvalidEvent = errors.New("event payload does not match its kind")
)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) (int, error)
}

// Subscriber is the consumer side of the bus.
type Subscriber interface {
	Subscribe(topic Topic, buffer int) (*Subscription, error)
	SubscribeKinds(scope string, buffer int, kinds ...Kind) (*Subscription, error)
}

// Subscription is a handle on one buffered delivery channel. Events for all of its
// topics arrive on the same channel in publish order.
type Subscription struct {
	id      uint64
	topics  []Topic
	ch      chan Event
	bus     *Bus
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Topics() []Topic { return append([]Topic(nil), s.topics...) }

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes the handle from the bus. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus is an in-memory typed fan-out keyed by (scope, kind). Publishing never
// blocks: a subscriber with a full buffer misses the event.
type Bus struct {
	logger *zap.Logger
	sink   Sink

	// pubMu serializes stamping and delivery so Seq order is delivery order
	// across concurrent publishers.
	pubMu  sync.Mutex
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]*Subscription
	nextID uint64
	closed bool

	seq       atomic.Uint64
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// BusMetrics is a point-in-time copy of the bus counters.
type BusMetrics struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

// NewBus creates a bus. Fill and risk-alert events are also forwarded to sink
// when it is not nil.
func NewBus(logger *zap.Logger, sink Sink) *Bus {
	return &Bus{
		logger: logger.Named("events"),
		sink:   sink,
		subs:   make(map[Topic]map[uint64]*Subscription),
	}
}

// Subscribe registers a handle for a single topic.
func (b *Bus) Subscribe(topic Topic, buffer int) (*Subscription, error) {
	return b.subscribe([]Topic{topic}, buffer)
}

// SubscribeKinds registers one handle for several kinds of the same scope.
func (b *Bus) SubscribeKinds(scope string, buffer int, kinds ...Kind) (*Subscription, error) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	topics := make([]Topic, 0, len(kinds))
	for _, k := range kinds {
		topics = append(topics, Topic{Scope: scope, Kind: k})
	}
	return b.subscribe(topics, buffer)
}

func (b *Bus) subscribe(topics []Topic, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	for _, t := range topics {
		if !t.Kind.Valid() {
			return nil, ErrInvalidEvent
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		topics: topics,
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	for _, t := range topics {
		set, ok := b.subs[t]
		if !ok {
			set = make(map[uint64]*Subscription)
			b.subs[t] = set
		}
		set[sub.id] = sub
	}
	b.logger.Debug("Subscribed", zap.Uint64("subscription", sub.id), zap.Int("topics", len(topics)))
	return sub, nil
}

func (b *Bus) remove(sub *Subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range sub.topics {
			if set, ok := b.subs[t]; ok {
				delete(set, sub.id)
				if len(set) == 0 {
					delete(b.subs, t)
				}
			}
		}
		close(sub.ch)
	})
}

// Publish stamps the event and delivers it to every current subscriber of its
// topic. It returns the number of subscribers that received it.
func (b *Bus) Publish(ctx context.Context, event Event) (int, error) {
	if !event.valid() {
		return 0, ErrInvalidEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	delivered := 0
	b.pubMu.Lock()
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.pubMu.Unlock()
		return 0, ErrBusClosed
	}
	event.Seq = b.seq.Add(1)
	b.published.Add(1)
	// Sends happen under the read lock so that remove cannot close a channel mid-send.
	for _, topic := range []Topic{event.Topic, {Scope: AnyScope, Kind: event.Topic.Kind}} {
		for _, sub := range b.subs[topic] {
			select {
			case sub.ch <- event:
				delivered++
			default:
				sub.dropped.Add(1)
				b.dropped.Add(1)
				metrics.BusDropped.WithLabelValues(string(event.Topic.Kind)).Inc()
			}
		}
	}
	b.mu.RUnlock()
	b.pubMu.Unlock()
	b.delivered.Add(int64(delivered))

	b.forward(ctx, event)
	return delivered, nil
}

func (b *Bus) forward(ctx context.Context, event Event) {
	if b.sink == nil {
		return
	}
	switch event.Topic.Kind {
	case KindFill, KindRiskAlert:
	default:
		return
	}
	if err := b.sink.Publish(ctx, event.Topic.String(), event); err != nil {
		b.logger.Warn("Sink publish failed", zap.String("topic", event.Topic.String()), zap.Error(err))
	}
}

// SubscriberCount returns the number of handles registered for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Metrics returns current event bus metrics
func (b *Bus) Metrics() BusMetrics {
	return BusMetrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Close closes every subscription channel and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[uint64]*Subscription)
	for _, set := range b.subs {
		for id, sub := range set {
			seen[id] = sub
		}
	}
	b.subs = make(map[Topic]map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range seen {
		sub.once.Do(func() { close(sub.ch) })
	}
}
