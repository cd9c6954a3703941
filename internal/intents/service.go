package intents

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultTTL is applied when a draft carries no expiry.
const DefaultTTL = 24 * time.Hour

// Dispatcher hands a stored intent to the execution simulator.
type Dispatcher interface {
	Dispatch(intent Intent) error
}

// Service is the caller-facing intent API.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	validate   *validator.Validate
	logger     *zap.Logger
	ttl        time.Duration
}

func NewService(store *Store, dispatcher Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		validate:   apperrors.NewValidator(),
		logger:     logger.Named("intents-service"),
		ttl:        DefaultTTL,
	}
}

func (s *Service) Store() *Store { return s.store }

// Submit validates the draft, stores it as pending and dispatches it. A
// saturated dispatcher fails the intent rather than the call.
func (s *Service) Submit(ctx context.Context, scope string, draft Draft) (*Intent, error) {
	if scope == "" {
		return nil, apperrors.NewValidation("scope is required")
	}
	now := s.store.now()
	intent, err := s.build(draft, now)
	if err != nil {
		return nil, err
	}
	intent.Scope = scope

	if err := s.store.Create(ctx, intent); err != nil {
		return nil, err
	}
	metrics.IntentsSubmitted.WithLabelValues(intent.Chain).Inc()
	s.logger.Info("Intent submitted",
		zap.String("intent_id", intent.ID),
		zap.String("chain", intent.Chain),
		zap.String("side", string(intent.Side)),
		zap.String("amount", intent.Amount.String()),
	)

	if s.dispatcher == nil {
		return intent, nil
	}
	if err := s.dispatcher.Dispatch(*intent); err != nil {
		s.logger.Warn("Dispatch failed", zap.String("intent_id", intent.ID), zap.Error(err))
		if ferr := s.store.Fail(ctx, intent.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		return s.store.Get(ctx, scope, intent.ID)
	}
	return intent, nil
}

// build normalizes and validates a draft into a pending intent.
func (s *Service) build(d Draft, now time.Time) (*Intent, error) {
	d.Chain = strings.ToLower(strings.TrimSpace(d.Chain))
	d.Side = Side(strings.ToUpper(string(d.Side)))
	d.OrderType = OrderType(strings.ToUpper(string(d.OrderType)))
	d.TimeInForce = TimeInForce(strings.ToUpper(string(d.TimeInForce)))
	if d.OrderType == "" {
		d.OrderType = OrderTypeMarket
	}
	if d.TimeInForce == "" {
		d.TimeInForce = TimeInForceGTC
	}

	if err := s.validate.Struct(d); err != nil {
		return nil, apperrors.FromValidator(err)
	}
	if err := validateDraft(d, now); err != nil {
		return nil, err
	}

	expires := now.Add(s.ttl)
	if d.ExpiresAt != nil {
		expires = d.ExpiresAt.UTC()
	}

	return &Intent{
		ID:             uuid.NewString(),
		Chain:          d.Chain,
		Side:           d.Side,
		Amount:         d.Amount,
		MinEdgeBps:     d.MinEdgeBps,
		MaxSlippageBps: d.MaxSlippageBps,
		OrderType:      d.OrderType,
		LimitPrice:     nullable(d.LimitPrice),
		StopLoss:       nullable(d.StopLoss),
		TakeProfit:     nullable(d.TakeProfit),
		TimeInForce:    d.TimeInForce,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      expires,
	}, nil
}

// validateDraft checks the cross-field rules the tag validator cannot express.
func validateDraft(d Draft, now time.Time) error {
	if !d.Amount.IsPositive() {
		return apperrors.NewValidation("amount must be positive").WithField("amount", "must be > 0")
	}
	if d.MaxSlippageBps < 0 || d.MaxSlippageBps >= MaxSlippageBps {
		return apperrors.NewValidation("max_slippage_bps must be in [0, %d)", MaxSlippageBps).
			WithField("max_slippage_bps", "must be >= 0 and < 10000")
	}
	switch d.OrderType {
	case OrderTypeLimit:
		if d.LimitPrice == nil {
			return apperrors.NewValidation("limit order requires limit_price").WithField("limit_price", "is required for LIMIT")
		}
		if !d.LimitPrice.IsPositive() {
			return apperrors.NewValidation("limit_price must be positive").WithField("limit_price", "must be > 0")
		}
	case OrderTypeMarket:
		if d.LimitPrice != nil {
			return apperrors.NewValidation("limit_price is only allowed on LIMIT orders").WithField("limit_price", "must be empty for MARKET")
		}
	}
	if d.StopLoss != nil && d.TakeProfit != nil {
		switch d.Side {
		case SideBuy:
			if !d.StopLoss.LessThan(*d.TakeProfit) {
				return apperrors.NewValidation("buy stop_loss must be below take_profit").WithField("stop_loss", "must be < take_profit")
			}
		case SideSell:
			if !d.StopLoss.GreaterThan(*d.TakeProfit) {
				return apperrors.NewValidation("sell stop_loss must be above take_profit").WithField("stop_loss", "must be > take_profit")
			}
		}
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return apperrors.NewValidation("expires_at must be after created_at").WithField("expires_at", "must be in the future")
	}
	return nil
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

// Cancel succeeds only while the intent is pending or quoted.
func (s *Service) Cancel(ctx context.Context, scope, id string) (bool, error) {
	if err := s.store.Cancel(ctx, scope, id); err != nil {
		return false, err
	}
	s.logger.Info("Intent cancelled", zap.String("intent_id", id))
	return true, nil
}

func (s *Service) Get(ctx context.Context, scope, id string) (*Intent, error) {
	return s.store.Get(ctx, scope, id)
}

func (s *Service) List(ctx context.Context, scope string, status Status) ([]Intent, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.NewValidation("unknown status %q", status).WithField("status", "unknown status")
	}
	return s.store.List(ctx, scope, status)
}

// History returns the transition log of a scope's intent.
func (s *Service) History(ctx context.Context, scope, id string) ([]StateLog, error) {
	if _, err := s.store.Get(ctx, scope, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

func (s *Service) GetExecution(ctx context.Context, scope, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, scope, id)
}

func (s *Service) ListExecutions(ctx context.Context, scope, chain string) ([]Execution, error) {
	return s.store.ListExecutions(ctx, scope, strings.ToLower(chain))
}

func (s *Service) Stats(ctx context.Context, scope, period string) (*Stats, error) {
	return s.store.Stats(ctx, scope, period)
}

// CancelOpen cancels every cancellable intent of scope on chain and returns
// how many were cancelled. Intents already executing are left alone.
func (s *Service) CancelOpen(ctx context.Context, scope, chain string) (int, error) {
	open, err := s.store.ListOpen(ctx, scope, chain)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range open {
		if !in.Status.Cancellable() {
			continue
		}
		if err := s.store.Cancel(ctx, scope, in.ID); err != nil {
			if apperrors.KindOf(err) == apperrors.KindInvalidState {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
