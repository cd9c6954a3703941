package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testFill(chain string) Fill {
	return Fill{
		Chain:      chain,
		Side:       "BUY",
		Qty:        decimal.NewFromInt(100),
		Price:      decimal.RequireFromString("1.0002"),
		CaptureBps: 1.5,
		Source:     SourceExecution,
	}
}

func receive(t *testing.T, sub *Subscription) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		return ev, ok
	case <-time.After(time.Second):
		return Event{}, false
	}
}

func TestFanOutAndUnsubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()
	topic := Topic{Scope: "alice", Kind: KindFill}

	first, err := bus.Subscribe(topic, 4)
	require.NoError(t, err)
	second, err := bus.Subscribe(topic, 4)
	require.NoError(t, err)

	n, err := bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ev1, ok := receive(t, first)
	require.True(t, ok)
	ev2, ok := receive(t, second)
	require.True(t, ok)
	assert.Equal(t, ev1.Seq, ev2.Seq)
	assert.Equal(t, "eth", ev1.Fill.Chain)

	first.Unsubscribe()
	_, open := <-first.C()
	assert.False(t, open, "unsubscribed channel must be closed")

	n, err = bus.Publish(context.Background(), NewFillEvent("alice", testFill("arb")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, ok := receive(t, second)
	require.True(t, ok)
	assert.Equal(t, "arb", ev.Fill.Chain)
	assert.Equal(t, 1, bus.SubscriberCount(topic))
}

func TestScopeAndKindIsolation(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	bobFills, err := bus.Subscribe(Topic{Scope: "bob", Kind: KindFill}, 4)
	require.NoError(t, err)
	aliceQuotes, err := bus.Subscribe(Topic{Scope: "alice", Kind: KindQuote}, 4)
	require.NoError(t, err)

	n, err := bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bobFills.C())
	assert.Empty(t, aliceQuotes.C())
}

func TestAnyScopeReceivesEveryScope(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	all, err := bus.Subscribe(Topic{Scope: AnyScope, Kind: KindFill}, 4)
	require.NoError(t, err)
	alice, err := bus.Subscribe(Topic{Scope: "alice", Kind: KindFill}, 4)
	require.NoError(t, err)

	n, err := bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = bus.Publish(context.Background(), NewFillEvent("bob", testFill("arb")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev, ok := receive(t, all)
	require.True(t, ok)
	assert.Equal(t, "alice", ev.Topic.Scope)
	ev, ok = receive(t, all)
	require.True(t, ok)
	assert.Equal(t, "bob", ev.Topic.Scope)
	ev, ok = receive(t, alice)
	require.True(t, ok)
	assert.Equal(t, "eth", ev.Fill.Chain)

	_, err = bus.Publish(context.Background(), NewFillEvent(AnyScope, testFill("eth")))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	_, err := bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)

	late, err := bus.Subscribe(Topic{Scope: "alice", Kind: KindFill}, 4)
	require.NoError(t, err)
	assert.Empty(t, late.C())
}

func TestFullBufferDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	slow, err := bus.Subscribe(Topic{Scope: "alice", Kind: KindQuote}, 2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := bus.Publish(context.Background(), NewQuoteEvent("alice", Quote{Chain: "eth", EdgeBps: float64(i)}))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, int64(3), bus.Metrics().Dropped)

	// FIFO: the two buffered events are the first two published.
	ev, _ := receive(t, slow)
	assert.Equal(t, 0.0, ev.Quote.EdgeBps)
	ev, _ = receive(t, slow)
	assert.Equal(t, 1.0, ev.Quote.EdgeBps)
}

func TestSubscribeKindsSharesChannel(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	sub, err := bus.SubscribeKinds("alice", 8, KindQuote, KindFill)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = bus.Publish(ctx, NewQuoteEvent("alice", Quote{Chain: "eth"}))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, NewPnLEvent("alice", PnL{CaptureBps: 1}))
	require.NoError(t, err)

	ev, _ := receive(t, sub)
	assert.Equal(t, KindQuote, ev.Topic.Kind)
	ev, _ = receive(t, sub)
	assert.Equal(t, KindFill, ev.Topic.Kind)
	assert.Empty(t, sub.C())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Zero(t, bus.SubscriberCount(Topic{Scope: "alice", Kind: KindQuote}))
}

func TestPublishRejectsMismatchedPayload(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	_, err := bus.Publish(context.Background(), Event{Topic: Topic{Scope: "alice", Kind: KindFill}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = bus.Subscribe(Topic{Scope: "alice", Kind: "bogus"}, 1)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	sub, err := bus.SubscribeKinds("alice", 1)
	require.NoError(t, err)

	bus.Close()
	_, open := <-sub.C()
	assert.False(t, open)
	sub.Unsubscribe()

	_, err = bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
	assert.ErrorIs(t, err, ErrBusClosed)
	_, err = bus.Subscribe(Topic{Scope: "alice", Kind: KindFill}, 1)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()
	topic := Topic{Scope: "alice", Kind: KindFill}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := bus.Subscribe(topic, 1)
				if err == nil {
					sub.Unsubscribe()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, bus.SubscriberCount(topic))
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingSink) Publish(_ context.Context, topic string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func TestBusForwardsFillsAndAlertsToSink(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(zaptest.NewLogger(t), sink)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Publish(ctx, NewQuoteEvent("alice", Quote{Chain: "eth"}))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, NewFillEvent("alice", testFill("eth")))
	require.NoError(t, err)
	_, err = bus.Publish(ctx, NewRiskAlertEvent("alice", RiskAlert{RuleName: "dd", Action: "alert"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice.fill", "alice.risk_alert"}, sink.topics)
}

func TestRedisSinkRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "intentex")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubsub := client.Subscribe(ctx, "intentex:alice.fill")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	ev := NewFillEvent("alice", testFill("eth"))
	require.NoError(t, sink.Publish(ctx, "alice.fill", ev))

	select {
	case msg := <-pubsub.Channel():
		var decoded Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
		assert.Equal(t, KindFill, decoded.Topic.Kind)
		assert.Equal(t, "eth", decoded.Fill.Chain)
		assert.True(t, decoded.Fill.Qty.Equal(decimal.NewFromInt(100)))
	case <-time.After(2 * time.Second):
		t.Fatal("no message relayed from redis")
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	failing := SinkFunc(func(context.Context, string, any) error { return assert.AnError })
	multi := MultiSink{ok, failing, NewLogSink(zaptest.NewLogger(t))}

	err := multi.Publish(context.Background(), "alice.fill", "x")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []string{"alice.fill"}, ok.topics)
}

func TestKafkaTopicName(t *testing.T) {
	assert.Equal(t, "intentex.notifications", kafkaTopic("intentex"))
	assert.Equal(t, "notifications", kafkaTopic(""))
}

func TestSeqOrderHoldsAcrossConcurrentPublishers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t), nil)
	defer bus.Close()

	const publishers, perPublisher = 8, 200
	sub, err := bus.Subscribe(Topic{Scope: "alice", Kind: KindFill}, publishers*perPublisher)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := bus.Publish(context.Background(), NewFillEvent("alice", testFill("eth")))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		ev, ok := receive(t, sub)
		require.True(t, ok)
		require.Greater(t, ev.Seq, last, "event %d delivered out of order", i)
		last = ev.Seq
	}
}
