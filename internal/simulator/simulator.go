package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/config"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Aidin1998/intentex/internal/simulator")

var (
	ErrSaturated = errors.New("simulator saturated")
	ErrStopped   = errors.New("simulator stopped")

	errExpired     = errors.New("expired")
	errInterrupted = errors.New("interrupted")
	errBadPrice    = errors.New("non-positive fill price")

	// errSuperseded ends a task whose intent was moved by another writer.
	errSuperseded = errors.New("intent superseded")
)

// IntentStore is the subset of the intent store the simulator writes through.
type IntentStore interface {
	Get(ctx context.Context, scope, id string) (*intents.Intent, error)
	Transition(ctx context.Context, id string, to intents.Status, reason string, from ...intents.Status) (intents.Status, error)
	CompleteFill(ctx context.Context, exec *intents.Execution) error
	Fail(ctx context.Context, id, reason string) error
	ListNonTerminal(ctx context.Context) ([]intents.Intent, error)
}

// Config tunes the worker pool and the stochastic fill model.
type Config struct {
	Workers      int
	QueueSize    int
	StageDelay   time.Duration
	WriteRetries int
	RetryBackoff time.Duration
	BasePrice    float64
	PriceJitter  float64 // percent
	Capture      CaptureModel
}

// ConfigFrom converts the loaded simulator section.
func ConfigFrom(c config.SimulatorConfig) Config {
	return Config{
		Workers:      c.Workers,
		QueueSize:    c.QueueSize,
		StageDelay:   c.StageDelay,
		WriteRetries: c.WriteRetries,
		RetryBackoff: c.RetryBackoff,
		BasePrice:    c.BasePrice,
		PriceJitter:  c.PriceJitter,
		Capture:      CaptureModel{AllowNegative: c.AllowNegative},
	}
}

// Simulator turns pending intents into fills. Each dispatched intent is one
// task on a bounded queue served by a fixed pool of workers.
type Simulator struct {
	cfg       Config
	store     IntentStore
	publisher events.Publisher
	notes     *NoteStore
	clock     Clock
	logger    *zap.Logger
	rand      func() float64

	mu      sync.RWMutex
	queue   chan intents.Intent
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Simulator.
type Option func(*Simulator)

func WithClock(c Clock) Option { return func(s *Simulator) { s.clock = c } }

// WithRand replaces the uniform [0,1) source.
func WithRand(f func() float64) Option { return func(s *Simulator) { s.rand = f } }

// WithNotes enables insight and decision records.
func WithNotes(n *NoteStore) Option { return func(s *Simulator) { s.notes = n } }

func New(cfg Config, store IntentStore, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Simulator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 1
	}
	s := &Simulator{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		clock:     RealClock{},
		logger:    logger.Named("simulator"),
		rand:      rand.Float64,
		queue:     make(chan intents.Intent, cfg.QueueSize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dispatch enqueues an intent without blocking.
func (s *Simulator) Dispatch(in intents.Intent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.queue <- in:
		return nil
	default:
		return ErrSaturated
	}
}

// Start launches the workers and then resumes intents a previous process
// left unfinished. Calling it twice is a no-op.
func (s *Simulator) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.mu.Unlock()
	s.logger.Info("Simulator started", zap.Int("workers", s.cfg.Workers), zap.Int("queue_size", s.cfg.QueueSize))

	s.resume(ctx)
}

// resume re-queues pending intents found in the store. Quoted and executing
// intents were mid-stage when their process died and are failed, not retried.
func (s *Simulator) resume(ctx context.Context) {
	open, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		s.logger.Error("Failed to load unfinished intents", zap.Error(err))
		return
	}
	requeued, failed := 0, 0
	for _, in := range open {
		reason := errInterrupted.Error()
		if in.Status == intents.StatusPending {
			err := s.Dispatch(in)
			if err == nil {
				requeued++
				continue
			}
			reason = err.Error()
		}
		s.fail(in.ID, reason)
		failed++
	}
	if len(open) > 0 {
		s.logger.Info("Resumed unfinished intents", zap.Int("requeued", requeued), zap.Int("failed", failed))
	}
}

// Stop refuses new work, cancels in-flight tasks and waits for the workers.
// Intents still queued are failed.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	for in := range s.queue {
		s.fail(in.ID, ErrStopped.Error())
	}
	s.logger.Info("Simulator stopped")
}

func (s *Simulator) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-s.queue:
			if !ok {
				return
			}
			if _, err := s.Execute(ctx, in); err != nil {
				s.logger.Warn("Simulation failed", zap.String("intent_id", in.ID), zap.Error(err))
			}
		}
	}
}

// Execute runs every stage for one intent. It returns (nil, nil) when a
// concurrent writer such as a cancel moved the intent first.
func (s *Simulator) Execute(ctx context.Context, in intents.Intent) (*intents.Execution, error) {
	start := s.clock.Now()
	defer func() { metrics.SimulationLatency.Observe(s.clock.Now().Sub(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "simulate",
		trace.WithAttributes(
			attribute.String("intent.id", in.ID),
			attribute.String("intent.chain", in.Chain),
			attribute.String("intent.side", string(in.Side)),
		))
	defer span.End()

	exec, err := s.run(ctx, &in)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Float64("execution.capture_bps", exec.CaptureBps))
		return exec, nil
	case errors.Is(err, errSuperseded):
		span.SetAttributes(attribute.Bool("superseded", true))
		s.logger.Debug("Simulation superseded", zap.String("intent_id", in.ID))
		return nil, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(in.ID, err.Error())
		return nil, err
	}
}

func (s *Simulator) run(ctx context.Context, in *intents.Intent) (*intents.Execution, error) {
	if in.Expired(s.clock.Now()) {
		return nil, errExpired
	}
	if err := s.advance(ctx, in.ID, intents.StatusQuoted, intents.StatusPending); err != nil {
		return nil, err
	}
	if err := s.clock.Sleep(ctx, s.cfg.StageDelay); err != nil {
		return nil, err
	}

	if in.Expired(s.clock.Now()) {
		return nil, errExpired
	}
	if err := s.advance(ctx, in.ID, intents.StatusExecuting, intents.StatusQuoted); err != nil {
		return nil, err
	}
	if err := s.clock.Sleep(ctx, s.cfg.StageDelay); err != nil {
		return nil, err
	}

	exec, err := s.price(in)
	if err != nil {
		return nil, err
	}
	if err := s.retry(ctx, func() error { return s.store.CompleteFill(ctx, exec) }); err != nil {
		if apperrors.KindOf(err) != apperrors.KindInvalidState {
			return nil, err
		}
		if err := s.settled(ctx, in.ID, intents.StatusFilled, err); err != nil {
			return nil, err
		}
	}
	metrics.Executions.WithLabelValues(exec.Chain, string(exec.Side)).Inc()
	s.logger.Info("Intent filled",
		zap.String("intent_id", in.ID),
		zap.String("chain", exec.Chain),
		zap.String("price", exec.AvgPrice.String()),
		zap.Float64("capture_bps", exec.CaptureBps),
	)

	s.publishFill(ctx, in.Scope, exec)
	s.writeNotes(ctx, in.Scope, exec)
	return exec, nil
}

// advance performs one stage transition with retries on transient failures.
func (s *Simulator) advance(ctx context.Context, id string, to intents.Status, from intents.Status) error {
	err := s.retry(ctx, func() error {
		_, err := s.store.Transition(ctx, id, to, "", from)
		return err
	})
	if err != nil && apperrors.KindOf(err) == apperrors.KindInvalidState {
		return s.settled(ctx, id, to, err)
	}
	return err
}

// settled resolves an InvalidState result: a retried write that already
// committed counts as success, any other state means another writer won.
func (s *Simulator) settled(ctx context.Context, id string, want intents.Status, cause error) error {
	cur, err := s.store.Get(ctx, "", id)
	if err != nil {
		return err
	}
	if cur.Status == want {
		return nil
	}
	return fmt.Errorf("%w: %v", errSuperseded, cause)
}

// retry runs op, repeating it on TransientIO up to WriteRetries times.
func (s *Simulator) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			if serr := s.clock.Sleep(ctx, backoff); serr != nil {
				return serr
			}
			s.logger.Debug("Retrying store write", zap.Int("attempt", attempt), zap.Error(err))
		}
		if err = op(); err == nil || !apperrors.IsTransient(err) {
			return err
		}
	}
	return err
}

// price computes the fill: base price, slippage against the caller, capture.
func (s *Simulator) price(in *intents.Intent) (*intents.Execution, error) {
	base := s.marketPrice()
	if in.OrderType == intents.OrderTypeLimit && in.LimitPrice.Valid {
		base = in.LimitPrice.Decimal
	}
	slip := s.rand() * in.MaxSlippageBps
	avg := applySlippage(base, in.Side == intents.SideBuy, slip)
	if !avg.IsPositive() {
		return nil, fmt.Errorf("%w: %s", errBadPrice, avg)
	}
	capture := s.cfg.Capture.Draw(s.rand(), in.MinEdgeBps)

	now := s.clock.Now()
	gas := uint64(21000 + s.rand()*150000)
	return &intents.Execution{
		ID:         uuid.NewString(),
		IntentID:   in.ID,
		Chain:      in.Chain,
		Side:       in.Side,
		QtyFilled:  in.Amount,
		AvgPrice:   avg,
		CaptureBps: capture,
		TxHash:     syntheticTxHash(in.ID, now),
		GasUsed:    &gas,
		Status:     intents.ExecutionConfirmed,
		Timestamp:  now,
	}, nil
}

// marketPrice draws BasePrice ± PriceJitter percent.
func (s *Simulator) marketPrice() decimal.Decimal {
	jitter := (s.rand()*2 - 1) * s.cfg.PriceJitter / 100
	return decimal.NewFromFloat(s.cfg.BasePrice * (1 + jitter)).Round(8)
}

// syntheticTxHash is keccak256(id|unix-nanos) in 0x-hex form.
func syntheticTxHash(id string, ts time.Time) string {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%d", id, ts.UnixNano()))).Hex()
}

func (s *Simulator) publishFill(ctx context.Context, scope string, exec *intents.Execution) {
	if s.publisher == nil {
		return
	}
	ev := events.NewFillEvent(scope, events.Fill{
		IntentID:    exec.IntentID,
		ExecutionID: exec.ID,
		Chain:       exec.Chain,
		Side:        string(exec.Side),
		Qty:         exec.QtyFilled,
		Price:       exec.AvgPrice,
		CaptureBps:  exec.CaptureBps,
		NotionalUSD: exec.Notional().Round(2),
		Source:      events.SourceExecution,
		TS:          exec.Timestamp,
	})
	if _, err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish fill", zap.String("intent_id", exec.IntentID), zap.Error(err))
	}
}

func (s *Simulator) writeNotes(ctx context.Context, scope string, exec *intents.Execution) {
	if s.notes == nil {
		return
	}
	insight := &Insight{
		IntentID:    exec.IntentID,
		ExecutionID: exec.ID,
		Scope:       scope,
		Chain:       exec.Chain,
		Level:       InsightLevel(exec.CaptureBps),
		CaptureBps:  exec.CaptureBps,
		CreatedAt:   exec.Timestamp,
	}
	decision := &DecisionRecord{
		IntentID: exec.IntentID,
		Scope:    scope,
		Summary: fmt.Sprintf("%s %s on %s at %s, captured %.2f bps",
			exec.Side, exec.QtyFilled, exec.Chain, exec.AvgPrice, exec.CaptureBps),
		CreatedAt: exec.Timestamp,
	}
	if err := s.notes.Save(ctx, insight, decision); err != nil {
		s.logger.Warn("Failed to write notes", zap.String("intent_id", exec.IntentID), zap.Error(err))
	}
}

// fail forces the intent to failed, detached from the task's context.
func (s *Simulator) fail(id, reason string) {
	ctx := context.Background()
	err := s.retry(ctx, func() error { return s.store.Fail(ctx, id, reason) })
	if err != nil && apperrors.KindOf(err) != apperrors.KindInvalidState {
		s.logger.Error("Failed to mark intent failed", zap.String("intent_id", id), zap.Error(err))
	}
}
