package risk

import (
	"context"

	"github.com/Aidin1998/intentex/internal/events"
	"go.uber.org/zap"
)

// ActionHandler enacts pause and liquidate signals. The evaluator itself only
// signals; without a handler the signal is just the published alert.
type ActionHandler interface {
	Handle(ctx context.Context, scope string, alert events.RiskAlert) error
}

// HandlerFunc adapts a function to ActionHandler.
type HandlerFunc func(ctx context.Context, scope string, alert events.RiskAlert) error

func (f HandlerFunc) Handle(ctx context.Context, scope string, alert events.RiskAlert) error {
	return f(ctx, scope, alert)
}

// OpenIntents cancels a scope's cancellable intents on one venue.
type OpenIntents interface {
	CancelOpen(ctx context.Context, scope, chain string) (int, error)
}

// IntentCanceller answers pause and liquidate by cancelling the scope's
// pending and quoted intents on the venue that breached. Intents already
// executing run to completion.
type IntentCanceller struct {
	intents OpenIntents
	logger  *zap.Logger
}

func NewIntentCanceller(intents OpenIntents, logger *zap.Logger) *IntentCanceller {
	return &IntentCanceller{intents: intents, logger: logger.Named("risk-actions")}
}

func (c *IntentCanceller) Handle(ctx context.Context, scope string, alert events.RiskAlert) error {
	switch Action(alert.Action) {
	case ActionPause, ActionLiquidate:
	default:
		return nil
	}
	n, err := c.intents.CancelOpen(ctx, scope, alert.Chain)
	if err != nil {
		return err
	}
	c.logger.Info("Open intents cancelled",
		zap.String("scope", scope),
		zap.String("chain", alert.Chain),
		zap.String("action", alert.Action),
		zap.String("rule", alert.RuleName),
		zap.Int("cancelled", n),
	)
	return nil
}
