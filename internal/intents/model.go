package intents

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceDAY TimeInForce = "DAY"
)

// Status is the lifecycle state of an intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQuoted    Status = "quoted"
	StatusExecuting Status = "executing"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionConfirmed ExecutionStatus = "confirmed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Intent is a caller's request to trade. Rows are never deleted.
type Intent struct {
	ID             string              `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Scope          string              `gorm:"type:varchar(128);not null;index:idx_intents_scope_status,priority:1" json:"-"`
	Chain          string              `gorm:"type:varchar(32);not null" json:"chain"`
	Side           Side                `gorm:"type:varchar(8);not null" json:"side"`
	Amount         decimal.Decimal     `gorm:"type:numeric;not null" json:"amount"`
	MinEdgeBps     float64             `gorm:"not null" json:"min_edge_bps"`
	MaxSlippageBps float64             `gorm:"not null" json:"max_slippage_bps"`
	OrderType      OrderType           `gorm:"type:varchar(8);not null" json:"order_type"`
	LimitPrice     decimal.NullDecimal `gorm:"type:numeric" json:"limit_price,omitempty"`
	StopLoss       decimal.NullDecimal `gorm:"type:numeric" json:"stop_loss,omitempty"`
	TakeProfit     decimal.NullDecimal `gorm:"type:numeric" json:"take_profit,omitempty"`
	TimeInForce    TimeInForce         `gorm:"type:varchar(4);not null" json:"time_in_force"`
	Status         Status              `gorm:"type:varchar(16);not null;index:idx_intents_scope_status,priority:2" json:"status"`
	FailureReason  string              `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt      time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"not null" json:"updated_at"`
	ExpiresAt      time.Time           `gorm:"not null" json:"expires_at"`
}

// Expired reports whether the intent is past its expiry at now.
func (i *Intent) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Execution is the realized result of a filled intent. At most one per intent.
type Execution struct {
	ID         string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	IntentID   string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"intent_id"`
	Scope      string          `gorm:"type:varchar(128);not null;index" json:"-"`
	Chain      string          `gorm:"type:varchar(32);not null;index" json:"chain"`
	Side       Side            `gorm:"type:varchar(8);not null" json:"side"`
	QtyFilled  decimal.Decimal `gorm:"type:numeric;not null" json:"qty_filled"`
	AvgPrice   decimal.Decimal `gorm:"type:numeric;not null" json:"avg_price"`
	CaptureBps float64         `gorm:"not null" json:"capture_bps"`
	TxHash     string          `gorm:"type:varchar(66)" json:"tx_hash"`
	GasUsed    *uint64         `json:"gas_used,omitempty"`
	Status     ExecutionStatus `gorm:"type:varchar(16);not null" json:"status"`
	Timestamp  time.Time       `gorm:"not null;index" json:"timestamp"`
}

// Notional is qty_filled × avg_price.
func (e *Execution) Notional() decimal.Decimal {
	return e.QtyFilled.Mul(e.AvgPrice)
}

// StateLog is the audit row written for every intent transition.
type StateLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	IntentID  string    `gorm:"type:varchar(36);not null;index" json:"intent_id"`
	FromState Status    `gorm:"type:varchar(16);not null" json:"from"`
	ToState   Status    `gorm:"type:varchar(16);not null" json:"to"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

// MaxSlippageBps is the exclusive upper bound on a draft's slippage; at
// 10000 bps a sell would fill at a zero price.
const MaxSlippageBps = 10000

// Draft is the caller-supplied input for a new intent.
type Draft struct {
	Chain          string           `json:"chain" validate:"required,max=32"`
	Side           Side             `json:"side" validate:"required,oneof=BUY SELL"`
	Amount         decimal.Decimal  `json:"amount"`
	MinEdgeBps     float64          `json:"min_edge_bps" validate:"gte=0"`
	MaxSlippageBps float64          `json:"max_slippage_bps" validate:"gte=0,lt=10000"`
	OrderType      OrderType        `json:"order_type" validate:"omitempty,oneof=MARKET LIMIT"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	TimeInForce    TimeInForce      `json:"time_in_force" validate:"omitempty,oneof=GTC IOC FOK DAY"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
}
