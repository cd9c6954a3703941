package stream

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/config"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxVenues bounds the venue set of a single stream.
const MaxVenues = 16

// Config tunes the synthetic market model.
type Config struct {
	Cadence      time.Duration
	EdgeFloorBps float64
	EdgeStepBps  float64
	FillRatio    float64
	Buffer       int
	BasePrice    float64
}

func ConfigFrom(c config.StreamConfig, basePrice float64) Config {
	return Config{
		Cadence:      c.Cadence,
		EdgeFloorBps: c.EdgeFloorBps,
		EdgeStepBps:  c.EdgeStepBps,
		FillRatio:    c.FillRatio,
		Buffer:       c.Buffer,
		BasePrice:    basePrice,
	}
}

// Generator opens per-subscriber quote/fill/pnl streams.
type Generator struct {
	cfg    Config
	bus    events.Subscriber
	cache  QuoteCache
	logger *zap.Logger
	rand   func() float64
}

func NewGenerator(cfg Config, bus events.Subscriber, cache QuoteCache, logger *zap.Logger) *Generator {
	if cfg.Cadence <= 0 {
		cfg.Cadence = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = events.DefaultBuffer
	}
	if cfg.BasePrice <= 0 {
		cfg.BasePrice = 1
	}
	if cfg.EdgeStepBps <= 0 {
		cfg.EdgeStepBps = 0.25
	}
	if cache == nil {
		cache = NewMemoryQuoteCache()
	}
	return &Generator{
		cfg:    cfg,
		bus:    bus,
		cache:  cache,
		logger: logger.Named("stream"),
		rand:   rand.Float64,
	}
}

// LatestQuote returns the most recent quote any stream produced for chain.
func (g *Generator) LatestQuote(ctx context.Context, chain string) (*events.Quote, error) {
	return g.cache.Get(ctx, strings.ToLower(chain))
}

// Open starts a stream for scope over venues. Real fills published on the bus
// for the scope are folded into the same channel.
func (g *Generator) Open(ctx context.Context, scope string, venues []string) (*Stream, error) {
	if scope == "" {
		return nil, apperrors.NewValidation("scope is required")
	}
	venues, err := normalizeVenues(venues)
	if err != nil {
		return nil, err
	}

	var fills *events.Subscription
	if g.bus != nil {
		fills, err = g.bus.Subscribe(events.Topic{Scope: scope, Kind: events.KindFill}, g.cfg.Buffer)
		if err != nil {
			return nil, apperrors.NewInternal(err, "subscribe to fills")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ID:     uuid.NewString(),
		Scope:  scope,
		Venues: venues,
		out:    make(chan events.Event, g.cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		fills:  fills,
	}
	st := g.newMarket(venues)

	metrics.StreamSubscribers.Inc()
	g.logger.Debug("Stream opened", zap.String("stream", s.ID), zap.String("scope", scope), zap.Strings("venues", venues))
	go g.produce(ctx, s, st)
	return s, nil
}

// Replace closes old and opens a new stream for the same scope. A venue set
// change always yields a fresh stream.
func (g *Generator) Replace(ctx context.Context, old *Stream, venues []string) (*Stream, error) {
	if _, err := normalizeVenues(venues); err != nil {
		return nil, err
	}
	old.Close()
	return g.Open(ctx, old.Scope, venues)
}

func normalizeVenues(venues []string) ([]string, error) {
	seen := make(map[string]struct{}, len(venues))
	out := make([]string, 0, len(venues))
	for _, v := range venues {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, apperrors.NewValidation("at least one venue is required").WithField("venues", "is required")
	}
	if len(out) > MaxVenues {
		return nil, apperrors.NewValidation("too many venues").WithField("venues", "at most 16")
	}
	sort.Strings(out)
	return out, nil
}

// venueState is the random walk of one venue.
type venueState struct {
	edge  float64
	price float64
}

// market is owned by the producer goroutine of one stream.
type market struct {
	venues     map[string]*venueState
	order      []string
	fills      int
	captureSum float64
	turnover   decimal.Decimal
}

func (g *Generator) newMarket(venues []string) *market {
	m := &market{venues: make(map[string]*venueState, len(venues)), order: venues, turnover: decimal.Zero}
	for _, v := range venues {
		m.venues[v] = &venueState{
			edge:  g.cfg.EdgeFloorBps + 1 + g.rand()*2,
			price: g.cfg.BasePrice,
		}
	}
	return m
}

func (g *Generator) produce(ctx context.Context, s *Stream, m *market) {
	ticker := time.NewTicker(g.cfg.Cadence)
	defer func() {
		ticker.Stop()
		if s.fills != nil {
			s.fills.Unsubscribe()
		}
		close(s.out)
		close(s.done)
		metrics.StreamSubscribers.Dec()
	}()

	var fillCh <-chan events.Event
	if s.fills != nil {
		fillCh = s.fills.C()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fillCh:
			if !ok {
				fillCh = nil
				continue
			}
			m.record(ev.Fill.CaptureBps, ev.Fill.NotionalUSD)
			if !s.emit(ctx, ev) {
				return
			}
		case now := <-ticker.C:
			if !g.tick(ctx, s, m, now.UTC()) {
				return
			}
		}
	}
}

// tick emits one quote per venue, maybe a simulated fill, and a pnl snapshot.
func (g *Generator) tick(ctx context.Context, s *Stream, m *market, now time.Time) bool {
	for _, chain := range m.order {
		v := m.venues[chain]
		v.edge = math.Max(g.cfg.EdgeFloorBps, v.edge+(g.rand()*2-1)*g.cfg.EdgeStepBps)
		v.price = v.price * (1 + (g.rand()*2-1)*0.0005)
		q := events.Quote{
			Chain:    chain,
			EdgeBps:  round(v.edge, 4),
			FloorBps: g.cfg.EdgeFloorBps,
			Price:    decimal.NewFromFloat(v.price).Round(8),
			Qty:      decimal.NewFromFloat(100 + g.rand()*900).Round(2),
			TS:       now,
		}
		if err := g.cache.Put(ctx, q); err != nil {
			g.logger.Debug("Quote cache write failed", zap.String("chain", chain), zap.Error(err))
		}
		if !s.emit(ctx, events.NewQuoteEvent(s.Scope, q)) {
			return false
		}
	}

	if g.rand() < g.cfg.FillRatio {
		chain := m.order[int(g.rand()*float64(len(m.order)))%len(m.order)]
		v := m.venues[chain]
		side := "BUY"
		if g.rand() < 0.5 {
			side = "SELL"
		}
		qty := decimal.NewFromFloat(10 + g.rand()*490).Round(2)
		price := decimal.NewFromFloat(v.price).Round(8)
		f := events.Fill{
			Chain:       chain,
			Side:        side,
			Qty:         qty,
			Price:       price,
			CaptureBps:  round(v.edge*g.rand(), 4),
			NotionalUSD: qty.Mul(price).Round(2),
			Source:      events.SourceSimulated,
			TS:          now,
		}
		m.record(f.CaptureBps, f.NotionalUSD)
		if !s.emit(ctx, events.NewFillEvent(s.Scope, f)) {
			return false
		}
	}

	return s.emit(ctx, events.NewPnLEvent(s.Scope, m.snapshot(now)))
}

func (m *market) record(capture float64, notional decimal.Decimal) {
	m.fills++
	m.captureSum += capture
	m.turnover = m.turnover.Add(notional)
}

func (m *market) snapshot(now time.Time) events.PnL {
	var capture float64
	if m.fills > 0 {
		capture = m.captureSum / float64(m.fills)
	}
	var pegSum float64
	for _, v := range m.venues {
		pegSum += v.price
	}
	return events.PnL{
		CaptureBps:  round(capture, 4),
		TurnoverUSD: m.turnover.Round(2),
		PegUSD:      decimal.NewFromFloat(pegSum / float64(len(m.venues))).Round(6),
		TS:          now,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Stream is one subscriber's long-lived event channel.
type Stream struct {
	ID     string
	Scope  string
	Venues []string

	out    chan events.Event
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	fills  *events.Subscription
	once   sync.Once
}

// Events returns the delivery channel; it is closed when the stream ends.
func (s *Stream) Events() <-chan events.Event { return s.out }

// Done is closed once the producer has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close stops the producer and waits for it to release its resources.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// emit delivers ev in generation order; it gives up when the stream is closing.
func (s *Stream) emit(ctx context.Context, ev events.Event) bool {
	s.seq++
	ev.Seq = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.out <- ev:
		metrics.StreamEvents.WithLabelValues(string(ev.Topic.Kind)).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}
