package simulator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/database"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

// gateClock blocks every Sleep until release is closed.
type gateClock struct {
	release chan struct{}
}

func (g *gateClock) Now() time.Time { return time.Now().UTC() }

func (g *gateClock) Sleep(ctx context.Context, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.release:
		return nil
	}
}

// flakyStore fails the first n writes with a transient error.
type flakyStore struct {
	*intents.Store
	remaining atomic.Int32
}

func (f *flakyStore) Transition(ctx context.Context, id string, to intents.Status, reason string, from ...intents.Status) (intents.Status, error) {
	if f.remaining.Add(-1) >= 0 {
		return "", apperrors.NewTransientIO(nil, "connection reset")
	}
	return f.Store.Transition(ctx, id, to, reason, from...)
}

type fixture struct {
	db    *gorm.DB
	bus   *events.Bus
	store *intents.Store
	notes *NoteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDB(database.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	bus := events.NewBus(zaptest.NewLogger(t), nil)
	t.Cleanup(bus.Close)
	store := intents.NewStore(db, zaptest.NewLogger(t), bus)
	notes := NewNoteStore(db)
	require.NoError(t, database.Migrate(store, notes))
	return &fixture{db: db, bus: bus, store: store, notes: notes}
}

func testConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    16,
		StageDelay:   10 * time.Millisecond,
		WriteRetries: 3,
		RetryBackoff: time.Millisecond,
		BasePrice:    1,
		PriceJitter:  0.5,
	}
}

func scenarioADraft() intents.Draft {
	return intents.Draft{
		Chain:          "eth",
		Side:           intents.SideBuy,
		Amount:         decimal.NewFromInt(100),
		MinEdgeBps:     1.0,
		MaxSlippageBps: 5.0,
		OrderType:      intents.OrderTypeMarket,
	}
}

func waitStatus(t *testing.T, store *intents.Store, id string, want intents.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		in, err := store.Get(context.Background(), "", id)
		return err == nil && in.Status == want
	}, 5*time.Second, 5*time.Millisecond, "intent %s never reached %s", id, want)
}

func TestScenarioAMarketBuyFills(t *testing.T) {
	f := newFixture(t)
	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}), WithNotes(f.notes))
	sim.Start(context.Background())
	defer sim.Stop()

	fills, err := f.bus.Subscribe(events.Topic{Scope: "alice", Kind: events.KindFill}, 4)
	require.NoError(t, err)

	svc := intents.NewService(f.store, sim, zaptest.NewLogger(t))
	in, err := svc.Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)

	waitStatus(t, f.store, in.ID, intents.StatusFilled)

	execs, err := f.store.ExecutionsForIntent(context.Background(), in.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]
	assert.True(t, exec.QtyFilled.Equal(decimal.NewFromInt(100)))
	assert.GreaterOrEqual(t, exec.CaptureBps, 0.0)
	assert.LessOrEqual(t, exec.CaptureBps, 2.0)
	assert.True(t, exec.AvgPrice.IsPositive())
	assert.Equal(t, intents.ExecutionConfirmed, exec.Status)
	assert.Len(t, exec.TxHash, 66)
	require.NotNil(t, exec.GasUsed)

	select {
	case ev := <-fills.C():
		assert.Equal(t, in.ID, ev.Fill.IntentID)
		assert.Equal(t, events.SourceExecution, ev.Fill.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("fill not published")
	}

	hist, err := f.store.History(context.Background(), in.ID)
	require.NoError(t, err)
	var path []intents.Status
	for _, h := range hist {
		path = append(path, h.ToState)
	}
	assert.Equal(t, []intents.Status{intents.StatusQuoted, intents.StatusExecuting, intents.StatusFilled}, path)

	require.Eventually(t, func() bool {
		notes, err := f.notes.List(context.Background(), "alice", 10)
		return err == nil && len(notes.Insights) == 1 && len(notes.Decisions) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScenarioBCancelBeforeExecuting(t *testing.T) {
	f := newFixture(t)
	clock := &gateClock{release: make(chan struct{})}
	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(clock))

	svc := intents.NewService(f.store, nil, zaptest.NewLogger(t))
	in, err := svc.Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)

	done := make(chan *intents.Execution, 1)
	go func() {
		exec, err := sim.Execute(context.Background(), *in)
		assert.NoError(t, err)
		done <- exec
	}()

	waitStatus(t, f.store, in.ID, intents.StatusQuoted)
	ok, err := svc.Cancel(context.Background(), "alice", in.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	close(clock.release)

	select {
	case exec := <-done:
		assert.Nil(t, exec)
	case <-time.After(5 * time.Second):
		t.Fatal("simulation did not finish")
	}

	got, err := f.store.Get(context.Background(), "alice", in.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusCancelled, got.Status)

	execs, err := f.store.ExecutionsForIntent(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestFilledIntentsHaveExactlyOneExecution(t *testing.T) {
	f := newFixture(t)
	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))
	sim.Start(context.Background())
	defer sim.Stop()
	svc := intents.NewService(f.store, sim, zaptest.NewLogger(t))

	var ids []string
	for i := 0; i < 10; i++ {
		draft := scenarioADraft()
		draft.Amount = decimal.NewFromInt(int64(10 * (i + 1)))
		in, err := svc.Submit(context.Background(), "alice", draft)
		require.NoError(t, err)
		ids = append(ids, in.ID)
	}
	for _, id := range ids {
		waitStatus(t, f.store, id, intents.StatusFilled)
		in, err := f.store.Get(context.Background(), "alice", id)
		require.NoError(t, err)
		execs, err := f.store.ExecutionsForIntent(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, execs, 1)
		assert.True(t, execs[0].QtyFilled.Equal(in.Amount))
	}
}

func TestTransientWritesAreRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store}
	flaky.remaining.Store(2)
	sim := New(testConfig(), flaky, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))

	in, err := intents.NewService(f.store, nil, zaptest.NewLogger(t)).Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)

	exec, err := sim.Execute(context.Background(), *in)
	require.NoError(t, err)
	require.NotNil(t, exec)

	hist, err := f.store.History(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "each stage committed exactly once")
}

func TestExhaustedRetriesFailTheIntent(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyStore{Store: f.store}
	flaky.remaining.Store(100)
	cfg := testConfig()
	cfg.WriteRetries = 2
	sim := New(cfg, flaky, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))

	in, err := intents.NewService(f.store, nil, zaptest.NewLogger(t)).Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)

	exec, err := sim.Execute(context.Background(), *in)
	assert.Nil(t, exec)
	assert.ErrorIs(t, err, apperrors.ErrTransientIO)

	got, err := f.store.Get(context.Background(), "alice", in.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFailed, got.Status)
	execs, err := f.store.ExecutionsForIntent(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExpiredIntentFails(t *testing.T) {
	f := newFixture(t)
	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))

	in, err := intents.NewService(f.store, nil, zaptest.NewLogger(t)).Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)
	in.ExpiresAt = time.Now().Add(-time.Second)

	_, err = sim.Execute(context.Background(), *in)
	assert.ErrorIs(t, err, errExpired)

	got, err := f.store.Get(context.Background(), "alice", in.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFailed, got.Status)
	assert.Equal(t, "expired", got.FailureReason)
}

func TestLimitPriceWithSlippageAgainstCaller(t *testing.T) {
	f := newFixture(t)
	svc := intents.NewService(f.store, nil, zaptest.NewLogger(t))
	limit := decimal.RequireFromString("2.00")

	run := func(side intents.Side) *intents.Execution {
		draft := scenarioADraft()
		draft.Side = side
		draft.OrderType = intents.OrderTypeLimit
		draft.LimitPrice = &limit
		draft.MaxSlippageBps = 10
		in, err := svc.Submit(context.Background(), "alice", draft)
		require.NoError(t, err)
		sim := New(testConfig(), f.store, nil, zaptest.NewLogger(t), WithClock(InstantClock{}), WithRand(func() float64 { return 0.5 }))
		exec, err := sim.Execute(context.Background(), *in)
		require.NoError(t, err)
		return exec
	}

	buy := run(intents.SideBuy)
	assert.True(t, buy.AvgPrice.Equal(decimal.RequireFromString("2.001")), buy.AvgPrice.String())
	assert.Equal(t, 1.0, buy.CaptureBps)

	sell := run(intents.SideSell)
	assert.True(t, sell.AvgPrice.Equal(decimal.RequireFromString("1.999")), sell.AvgPrice.String())
}

func TestDispatchSaturationFailsIntent(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.QueueSize = 1
	sim := New(cfg, f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))
	svc := intents.NewService(f.store, sim, zaptest.NewLogger(t))

	first, err := svc.Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)
	assert.Equal(t, intents.StatusPending, first.Status)

	second, err := svc.Submit(context.Background(), "alice", scenarioADraft())
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFailed, second.Status)
	assert.Equal(t, ErrSaturated.Error(), second.FailureReason)

	sim.Stop()
	got, err := f.store.Get(context.Background(), "alice", first.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFailed, got.Status, "queued intents are failed on stop")
	assert.ErrorIs(t, sim.Dispatch(*first), ErrStopped)
}

func TestWorkersDoNotBlockEachOther(t *testing.T) {
	f := newFixture(t)
	clock := &gateClock{release: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 2
	sim := New(cfg, f.store, nil, zaptest.NewLogger(t), WithClock(clock))
	sim.Start(context.Background())
	svc := intents.NewService(f.store, sim, zaptest.NewLogger(t))

	ids := make([]string, 2)
	for i := range ids {
		in, err := svc.Submit(context.Background(), "alice", scenarioADraft())
		require.NoError(t, err)
		ids[i] = in.ID
	}
	// Both intents reach quoted while the other one is parked in its stage pause.
	for _, id := range ids {
		waitStatus(t, f.store, id, intents.StatusQuoted)
	}
	close(clock.release)
	for _, id := range ids {
		waitStatus(t, f.store, id, intents.StatusFilled)
	}
	sim.Stop()
}

func TestCaptureModel(t *testing.T) {
	def := CaptureModel{}
	lo, hi := def.Bounds(1.5)
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 3.0, hi)
	assert.Equal(t, 0.0, def.Draw(0, 1.5))
	assert.Equal(t, 1.5, def.Draw(0.5, 1.5))
	assert.LessOrEqual(t, def.Draw(0.99999999, 1.5), 3.0)

	neg := CaptureModel{AllowNegative: true}
	lo, hi = neg.Bounds(2)
	assert.Equal(t, -2.0, lo)
	assert.Equal(t, 4.0, hi)
	assert.Equal(t, -2.0, neg.Draw(0, 2))
}

func TestInsightLevel(t *testing.T) {
	assert.Equal(t, LevelExcellent, InsightLevel(3.5))
	assert.Equal(t, LevelGood, InsightLevel(3.0))
	assert.Equal(t, LevelModerate, InsightLevel(1.01))
	assert.Equal(t, LevelLow, InsightLevel(1.0))
	assert.Equal(t, LevelLow, InsightLevel(-2))
}

func TestSyntheticTxHashIsDeterministic(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := syntheticTxHash("id-1", ts)
	assert.Equal(t, a, syntheticTxHash("id-1", ts))
	assert.NotEqual(t, a, syntheticTxHash("id-2", ts))
	assert.Len(t, a, 66)
}

func seedIntent(t *testing.T, store *intents.Store, status intents.Status, edit func(*intents.Intent)) *intents.Intent {
	t.Helper()
	now := time.Now().UTC()
	in := &intents.Intent{
		ID:             uuid.NewString(),
		Scope:          "alice",
		Chain:          "eth",
		Side:           intents.SideBuy,
		Amount:         decimal.NewFromInt(10),
		MinEdgeBps:     1,
		MaxSlippageBps: 5,
		OrderType:      intents.OrderTypeMarket,
		TimeInForce:    intents.TimeInForceGTC,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if edit != nil {
		edit(in)
	}
	require.NoError(t, store.Create(context.Background(), in))
	return in
}

func TestNonPositiveFillPriceFailsIntent(t *testing.T) {
	f := newFixture(t)
	in := seedIntent(t, f.store, intents.StatusPending, func(in *intents.Intent) {
		in.Side = intents.SideSell
		in.Amount = decimal.NewFromInt(1)
		in.MaxSlippageBps = 20000
	})
	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}), WithRand(func() float64 { return 0.99 }))

	exec, err := sim.Execute(context.Background(), *in)
	assert.Nil(t, exec)
	assert.ErrorIs(t, err, errBadPrice)

	got, err := f.store.Get(context.Background(), "alice", in.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFailed, got.Status)
	execs, err := f.store.ExecutionsForIntent(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestStartResumesUnfinishedIntents(t *testing.T) {
	f := newFixture(t)
	pending := seedIntent(t, f.store, intents.StatusPending, nil)
	quoted := seedIntent(t, f.store, intents.StatusQuoted, nil)
	executing := seedIntent(t, f.store, intents.StatusExecuting, nil)
	filled := seedIntent(t, f.store, intents.StatusFilled, nil)

	sim := New(testConfig(), f.store, f.bus, zaptest.NewLogger(t), WithClock(InstantClock{}))
	sim.Start(context.Background())
	defer sim.Stop()

	waitStatus(t, f.store, pending.ID, intents.StatusFilled)
	for _, id := range []string{quoted.ID, executing.ID} {
		got, err := f.store.Get(context.Background(), "", id)
		require.NoError(t, err)
		assert.Equal(t, intents.StatusFailed, got.Status)
		assert.Equal(t, "interrupted", got.FailureReason)
	}

	got, err := f.store.Get(context.Background(), "", filled.ID)
	require.NoError(t, err)
	assert.Equal(t, intents.StatusFilled, got.Status)

	open, err := f.store.ListNonTerminal(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}
