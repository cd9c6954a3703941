// Package risk aggregates exposure and drawdown from executions and evaluates
// threshold rules and per-venue limits against them.
//
// Drawdown is the peak-to-trough decline of cumulative realized capture equity.
// Equity starts at the configured initial equity (in bps) and every execution
// adds its capture_bps; drawdown% = (peak - equity) / peak * 100.
// Exposure is the sum of filled quantity.
package risk

import (
	"time"

	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/shopspring/decimal"
)

// Condition is the metric a rule watches
type Condition string

const (
	ConditionDrawdown Condition = "drawdown"
	ConditionExposure Condition = "exposure"
)

// Action is what a rule signals when it triggers
type Action string

const (
	ActionAlert     Action = "alert"
	ActionPause     Action = "pause"
	ActionLiquidate Action = "liquidate"
)

// Rule is a user-defined threshold. Triggered latches on the first breach and
// is reset only by disabling the rule.
type Rule struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Scope     string    `gorm:"type:varchar(128);not null;index" json:"-"`
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	Chain     string    `gorm:"type:varchar(32)" json:"chain,omitempty"`
	Condition Condition `gorm:"type:varchar(16);not null" json:"condition"`
	Threshold float64   `gorm:"not null" json:"threshold"`
	Action    Action    `gorm:"type:varchar(16);not null" json:"action"`
	Enabled   bool      `gorm:"not null" json:"enabled"`
	Triggered bool      `gorm:"not null" json:"triggered"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// RuleDraft is the caller input for a new rule. An empty chain watches the
// scope-wide aggregate.
type RuleDraft struct {
	Name      string    `json:"name" yaml:"name" validate:"required,max=128"`
	Chain     string    `json:"chain" yaml:"chain" validate:"max=32"`
	Condition Condition `json:"condition" yaml:"condition" validate:"required,oneof=drawdown exposure"`
	Threshold float64   `json:"threshold" yaml:"threshold" validate:"gt=0"`
	Action    Action    `json:"action" yaml:"action" validate:"omitempty,oneof=alert pause liquidate"`
	Enabled   *bool     `json:"enabled,omitempty" yaml:"enabled"`
}

// Limit is a per-venue ceiling. The breach flags latch until the value is back
// within the limit or the limit is reconfigured.
type Limit struct {
	Scope            string          `gorm:"primaryKey;type:varchar(128)" json:"-"`
	Chain            string          `gorm:"primaryKey;type:varchar(32)" json:"chain"`
	MaxPosition      decimal.Decimal `gorm:"type:numeric;not null" json:"max_position"`
	MaxDrawdownPct   float64         `gorm:"not null" json:"max_drawdown_pct"`
	Enabled          bool            `gorm:"not null" json:"enabled"`
	PositionBreached bool            `gorm:"not null" json:"position_breached"`
	DrawdownBreached bool            `gorm:"not null" json:"drawdown_breached"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`

	CurrentPosition    decimal.Decimal `gorm:"-" json:"current_position"`
	CurrentDrawdownPct float64         `gorm:"-" json:"current_drawdown_pct"`
}

// LimitDraft is the caller input for SetLimit. A zero ceiling is not enforced.
type LimitDraft struct {
	MaxPosition    decimal.Decimal `json:"max_position"`
	MaxDrawdownPct float64         `json:"max_drawdown_pct" validate:"gte=0"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

// Observation is one realized execution as seen by the evaluator.
type Observation struct {
	Scope      string
	Chain      string
	Qty        decimal.Decimal
	CaptureBps float64
	At         time.Time
}

func FromExecution(e intents.Execution) Observation {
	return Observation{Scope: e.Scope, Chain: e.Chain, Qty: e.QtyFilled, CaptureBps: e.CaptureBps, At: e.Timestamp}
}

func FromFill(scope string, f events.Fill) Observation {
	return Observation{Scope: scope, Chain: f.Chain, Qty: f.Qty, CaptureBps: f.CaptureBps, At: f.TS}
}

// VenueRisk is the aggregate of one venue, or of the whole scope.
type VenueRisk struct {
	Chain           string          `json:"chain,omitempty"`
	Exposure        decimal.Decimal `json:"exposure"`
	EquityBps       float64         `json:"equity_bps"`
	PeakBps         float64         `json:"peak_bps"`
	DrawdownPct     float64         `json:"drawdown_pct"`
	WorstCaptureBps float64         `json:"worst_capture_bps"`
	Executions      int             `json:"executions"`
}

func (v VenueRisk) value(c Condition) float64 {
	if c == ConditionExposure {
		return v.Exposure.InexactFloat64()
	}
	return v.DrawdownPct
}

// Snapshot is the current risk view of a scope.
type Snapshot struct {
	Total  VenueRisk   `json:"total"`
	Venues []VenueRisk `json:"venues"`
}
