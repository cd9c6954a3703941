package risk

import (
	"context"
	stderrors "errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultInitialEquity is the starting equity in bps when none is configured.
const DefaultInitialEquity = 100.0

// Evaluator keeps per-scope aggregates in memory and rules and limits in the
// database. A rule fires once per breach: the false → true flip of its
// triggered flag is a guarded update, and only the caller that wins it alerts.
type Evaluator struct {
	db            *gorm.DB
	publisher     events.Publisher
	handler       ActionHandler
	validate      *validator.Validate
	logger        *zap.Logger
	initialEquity float64
	now           func() time.Time

	mu    sync.Mutex
	books map[string]*book

	wg sync.WaitGroup
}

type Option func(*Evaluator)

// WithActionHandler routes pause and liquidate signals to h.
func WithActionHandler(h ActionHandler) Option {
	return func(e *Evaluator) { e.handler = h }
}

// NewEvaluator creates an evaluator; publisher may be nil.
func NewEvaluator(db *gorm.DB, initialEquity float64, publisher events.Publisher, logger *zap.Logger, opts ...Option) *Evaluator {
	if initialEquity <= 0 {
		initialEquity = DefaultInitialEquity
	}
	e := &Evaluator{
		db:            db,
		publisher:     publisher,
		validate:      apperrors.NewValidator(),
		logger:        logger.Named("risk"),
		initialEquity: initialEquity,
		now:           func() time.Time { return time.Now().UTC() },
		books:         make(map[string]*book),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evaluator) Migrate() error {
	return e.db.AutoMigrate(&Rule{}, &Limit{})
}

func dbError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFound(format, args...)
	}
	return apperrors.NewTransientIO(err, format, args...)
}

// stats is the running aggregate of a venue or a scope.
type stats struct {
	exposure   decimal.Decimal
	equity     float64
	peak       float64
	worst      float64
	executions int
}

func newStats(initial float64) *stats {
	return &stats{exposure: decimal.Zero, equity: initial, peak: initial}
}

func (s *stats) apply(o Observation) {
	s.exposure = s.exposure.Add(o.Qty)
	s.equity += o.CaptureBps
	if s.equity > s.peak {
		s.peak = s.equity
	}
	if s.executions == 0 || o.CaptureBps < s.worst {
		s.worst = o.CaptureBps
	}
	s.executions++
}

func (s *stats) view(chain string) VenueRisk {
	var dd float64
	if s.peak > 0 {
		dd = (s.peak - s.equity) / s.peak * 100
	}
	return VenueRisk{
		Chain:           chain,
		Exposure:        s.exposure,
		EquityBps:       round4(s.equity),
		PeakBps:         round4(s.peak),
		DrawdownPct:     round4(dd),
		WorstCaptureBps: s.worst,
		Executions:      s.executions,
	}
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

type book struct {
	total  *stats
	venues map[string]*stats
}

func (e *Evaluator) book(scope string) *book {
	b, ok := e.books[scope]
	if !ok {
		b = &book{total: newStats(e.initialEquity), venues: make(map[string]*stats)}
		e.books[scope] = b
	}
	return b
}

// Observe folds one execution into the aggregates of its scope and venue and
// evaluates the scope's rules and the venue's limits. It returns the alerts
// raised by this observation.
func (e *Evaluator) Observe(ctx context.Context, o Observation) ([]events.RiskAlert, error) {
	o.Chain = strings.ToLower(o.Chain)
	if o.Scope == "" || o.Chain == "" {
		return nil, apperrors.NewValidation("observation needs scope and chain")
	}
	if o.At.IsZero() {
		o.At = e.now()
	}

	e.mu.Lock()
	b := e.book(o.Scope)
	v, ok := b.venues[o.Chain]
	if !ok {
		v = newStats(e.initialEquity)
		b.venues[o.Chain] = v
	}
	v.apply(o)
	b.total.apply(o)
	venue := v.view(o.Chain)
	total := b.total.view("")
	e.mu.Unlock()

	alerts, err := e.evaluateRules(ctx, o, venue, total)
	if err != nil {
		return alerts, err
	}
	limitAlerts, err := e.evaluateLimits(ctx, o, venue)
	alerts = append(alerts, limitAlerts...)
	return alerts, err
}

func (e *Evaluator) evaluateRules(ctx context.Context, o Observation, venue, total VenueRisk) ([]events.RiskAlert, error) {
	var rules []Rule
	err := e.db.WithContext(ctx).
		Where("scope = ? AND enabled = ? AND triggered = ?", o.Scope, true, false).
		Order("created_at ASC").
		Find(&rules).Error
	if err != nil {
		return nil, dbError(err, "load rules")
	}

	var alerts []events.RiskAlert
	for _, r := range rules {
		view := total
		if r.Chain != "" {
			if r.Chain != o.Chain {
				continue
			}
			view = venue
		}
		value := view.value(r.Condition)
		if value < r.Threshold {
			continue
		}
		res := e.db.WithContext(ctx).Model(&Rule{}).
			Where("id = ? AND enabled = ? AND triggered = ?", r.ID, true, false).
			Updates(map[string]any{"triggered": true, "updated_at": e.now()})
		if res.Error != nil {
			return alerts, dbError(res.Error, "trigger rule %s", r.ID)
		}
		if res.RowsAffected == 0 {
			continue
		}
		alert := events.RiskAlert{
			RuleID:    r.ID,
			RuleName:  r.Name,
			Chain:     o.Chain,
			Condition: string(r.Condition),
			Threshold: r.Threshold,
			Value:     value,
			Action:    string(r.Action),
			TS:        o.At,
		}
		e.raise(ctx, o.Scope, alert)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// limitCheck describes one ceiling of a limit and its latch column.
type limitCheck struct {
	name      string
	column    string
	condition Condition
	threshold float64
	value     float64
	breached  bool
	latched   bool
}

func (e *Evaluator) evaluateLimits(ctx context.Context, o Observation, venue VenueRisk) ([]events.RiskAlert, error) {
	var limit Limit
	err := e.db.WithContext(ctx).Where("scope = ? AND chain = ? AND enabled = ?", o.Scope, o.Chain, true).First(&limit).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError(err, "load limit")
	}

	checks := []limitCheck{
		{
			name:      "max_position",
			column:    "position_breached",
			condition: ConditionExposure,
			threshold: limit.MaxPosition.InexactFloat64(),
			value:     venue.Exposure.InexactFloat64(),
			breached:  limit.MaxPosition.IsPositive() && venue.Exposure.GreaterThan(limit.MaxPosition),
			latched:   limit.PositionBreached,
		},
		{
			name:      "max_drawdown_pct",
			column:    "drawdown_breached",
			condition: ConditionDrawdown,
			threshold: limit.MaxDrawdownPct,
			value:     venue.DrawdownPct,
			breached:  limit.MaxDrawdownPct > 0 && venue.DrawdownPct > limit.MaxDrawdownPct,
			latched:   limit.DrawdownBreached,
		},
	}

	var alerts []events.RiskAlert
	for _, c := range checks {
		if c.breached == c.latched {
			continue
		}
		res := e.db.WithContext(ctx).Model(&Limit{}).
			Where("scope = ? AND chain = ? AND "+c.column+" = ?", o.Scope, o.Chain, c.latched).
			Updates(map[string]any{c.column: c.breached, "updated_at": e.now()})
		if res.Error != nil {
			return alerts, dbError(res.Error, "update limit %s", o.Chain)
		}
		if res.RowsAffected == 0 || !c.breached {
			continue
		}
		alert := events.RiskAlert{
			RuleID:    "limit:" + o.Chain,
			RuleName:  c.name,
			Chain:     o.Chain,
			Condition: string(c.condition),
			Threshold: c.threshold,
			Value:     c.value,
			Action:    string(ActionAlert),
			TS:        o.At,
		}
		e.raise(ctx, o.Scope, alert)
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// raise counts, logs and publishes an alert and hands enforcement signals to
// the action handler.
func (e *Evaluator) raise(ctx context.Context, scope string, alert events.RiskAlert) {
	metrics.RiskAlerts.WithLabelValues(alert.Condition, alert.Action).Inc()
	e.logger.Warn("Risk alert",
		zap.String("scope", scope),
		zap.String("rule", alert.RuleName),
		zap.String("chain", alert.Chain),
		zap.String("condition", alert.Condition),
		zap.Float64("threshold", alert.Threshold),
		zap.Float64("value", alert.Value),
		zap.String("action", alert.Action),
	)
	if e.publisher != nil {
		if _, err := e.publisher.Publish(ctx, events.NewRiskAlertEvent(scope, alert)); err != nil {
			e.logger.Warn("Failed to publish risk alert", zap.Error(err))
		}
	}
	if e.handler == nil || alert.Action == string(ActionAlert) {
		return
	}
	if err := e.handler.Handle(ctx, scope, alert); err != nil {
		e.logger.Error("Risk action failed", zap.String("action", alert.Action), zap.Error(err))
	}
}

// Start feeds execution fills published for scope (or events.AnyScope) into
// Observe until ctx is done.
func (e *Evaluator) Start(ctx context.Context, bus events.Subscriber, scope string) error {
	sub, err := bus.Subscribe(events.Topic{Scope: scope, Kind: events.KindFill}, 1024)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if ev.Fill == nil || ev.Fill.Source != events.SourceExecution {
					continue
				}
				if _, err := e.Observe(ctx, FromFill(ev.Topic.Scope, *ev.Fill)); err != nil {
					e.logger.Error("Observe failed", zap.String("scope", ev.Topic.Scope), zap.Error(err))
				}
			}
		}
	}()
	e.logger.Info("Risk evaluator subscribed", zap.String("scope", scope))
	return nil
}

// Wait blocks until every Start loop has returned.
func (e *Evaluator) Wait() { e.wg.Wait() }

// Snapshot returns the aggregates of scope, venues sorted by chain.
func (e *Evaluator) Snapshot(scope string) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.books[scope]
	if !ok {
		return Snapshot{Total: newStats(e.initialEquity).view(""), Venues: []VenueRisk{}}
	}
	out := Snapshot{Total: b.total.view(""), Venues: make([]VenueRisk, 0, len(b.venues))}
	for chain, v := range b.venues {
		out.Venues = append(out.Venues, v.view(chain))
	}
	sort.Slice(out.Venues, func(i, j int) bool { return out.Venues[i].Chain < out.Venues[j].Chain })
	return out
}

func (e *Evaluator) venueView(scope, chain string) VenueRisk {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.books[scope]; ok {
		if v, ok := b.venues[chain]; ok {
			return v.view(chain)
		}
	}
	return newStats(e.initialEquity).view(chain)
}

// AddRule validates and stores a rule. Rules start enabled unless the draft
// says otherwise.
func (e *Evaluator) AddRule(ctx context.Context, scope string, d RuleDraft) (*Rule, error) {
	if scope == "" {
		return nil, apperrors.NewValidation("scope is required")
	}
	d.Chain = strings.ToLower(strings.TrimSpace(d.Chain))
	d.Name = strings.TrimSpace(d.Name)
	if err := e.validate.Struct(d); err != nil {
		return nil, apperrors.FromValidator(err)
	}
	if d.Action == "" {
		d.Action = ActionAlert
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	now := e.now()
	rule := &Rule{
		ID:        uuid.NewString(),
		Scope:     scope,
		Name:      d.Name,
		Chain:     d.Chain,
		Condition: d.Condition,
		Threshold: d.Threshold,
		Action:    d.Action,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, dbError(err, "create rule")
	}
	e.logger.Info("Risk rule added",
		zap.String("rule_id", rule.ID),
		zap.String("name", rule.Name),
		zap.String("condition", string(rule.Condition)),
		zap.Float64("threshold", rule.Threshold),
	)
	return rule, nil
}

func (e *Evaluator) ListRules(ctx context.Context, scope string) ([]Rule, error) {
	var out []Rule
	if err := e.db.WithContext(ctx).Where("scope = ?", scope).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list rules")
	}
	return out, nil
}

// SetRuleEnabled toggles a rule. Any toggle clears the triggered latch.
func (e *Evaluator) SetRuleEnabled(ctx context.Context, scope, id string, enabled bool) (*Rule, error) {
	var rule Rule
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND scope = ?", id, scope).First(&rule).Error; err != nil {
			return dbError(err, "rule %s not found", id)
		}
		now := e.now()
		if err := tx.Model(&Rule{}).Where("id = ?", id).
			Updates(map[string]any{"enabled": enabled, "triggered": false, "updated_at": now}).Error; err != nil {
			return err
		}
		rule.Enabled = enabled
		rule.Triggered = false
		rule.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, dbError(err, "update rule %s", id)
	}
	e.logger.Info("Risk rule toggled", zap.String("rule_id", id), zap.Bool("enabled", enabled))
	return &rule, nil
}

// SetLimit creates or replaces the limit of scope on chain and re-arms it.
func (e *Evaluator) SetLimit(ctx context.Context, scope, chain string, d LimitDraft) (*Limit, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if scope == "" || chain == "" {
		return nil, apperrors.NewValidation("scope and chain are required")
	}
	if err := e.validate.Struct(d); err != nil {
		return nil, apperrors.FromValidator(err)
	}
	if d.MaxPosition.IsNegative() {
		return nil, apperrors.NewValidation("max_position must not be negative").WithField("max_position", "must be >= 0")
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	limit := &Limit{
		Scope:          scope,
		Chain:          chain,
		MaxPosition:    d.MaxPosition,
		MaxDrawdownPct: d.MaxDrawdownPct,
		Enabled:        enabled,
		UpdatedAt:      e.now(),
	}
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}, {Name: "chain"}},
		UpdateAll: true,
	}).Create(limit).Error
	if err != nil {
		return nil, dbError(err, "set limit %s", chain)
	}
	e.fillCurrent(limit)
	return limit, nil
}

// Limits returns the scope's limits with their current values.
func (e *Evaluator) Limits(ctx context.Context, scope string) ([]Limit, error) {
	var out []Limit
	if err := e.db.WithContext(ctx).Where("scope = ?", scope).Order("chain ASC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list limits")
	}
	for i := range out {
		e.fillCurrent(&out[i])
	}
	return out, nil
}

func (e *Evaluator) fillCurrent(l *Limit) {
	v := e.venueView(l.Scope, l.Chain)
	l.CurrentPosition = v.Exposure
	l.CurrentDrawdownPct = v.DrawdownPct
}
