package events

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the closed set of event types carried by the bus.
type Kind string

const (
	KindQuote        Kind = "quote"
	KindFill         Kind = "fill"
	KindPnL          Kind = "pnl"
	KindRiskAlert    Kind = "risk_alert"
	KindIntentUpdate Kind = "intent_update"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{KindQuote, KindFill, KindPnL, KindRiskAlert, KindIntentUpdate}

func (k Kind) Valid() bool {
	switch k {
	case KindQuote, KindFill, KindPnL, KindRiskAlert, KindIntentUpdate:
		return true
	}
	return false
}

// AnyScope subscribes to a kind across every scope. Events cannot be
// published to it.
const AnyScope = "*"

// Topic partitions delivery by caller scope and event kind.
type Topic struct {
	Scope string `json:"scope"`
	Kind  Kind   `json:"kind"`
}

func (t Topic) String() string {
	return fmt.Sprintf("%s.%s", t.Scope, t.Kind)
}

// Fill provenance
const (
	SourceExecution = "execution"
	SourceSimulated = "simulated"
)

type Quote struct {
	Chain    string          `json:"chain"`
	EdgeBps  float64         `json:"edge_bps"`
	FloorBps float64         `json:"floor_bps"`
	Price    decimal.Decimal `json:"price"`
	Qty      decimal.Decimal `json:"qty"`
	TS       time.Time       `json:"ts"`
}

type Fill struct {
	IntentID    string          `json:"intent_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Chain       string          `json:"chain"`
	Side        string          `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	CaptureBps  float64         `json:"capture_bps"`
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	Source      string          `json:"source"`
	TS          time.Time       `json:"ts"`
}

type PnL struct {
	CaptureBps  float64         `json:"capture_bps"`
	TurnoverUSD decimal.Decimal `json:"turnover_usd"`
	PegUSD      decimal.Decimal `json:"peg_usd"`
	TS          time.Time       `json:"ts"`
}

// RiskAlert is emitted once per rule or limit breach edge.
type RiskAlert struct {
	RuleID    string    `json:"rule_id,omitempty"`
	RuleName  string    `json:"rule_name"`
	Chain     string    `json:"chain,omitempty"`
	Condition string    `json:"condition"`
	Threshold float64   `json:"threshold"`
	Value     float64   `json:"value"`
	Action    string    `json:"action"`
	TS        time.Time `json:"ts"`
}

type IntentUpdate struct {
	IntentID string    `json:"intent_id"`
	Chain    string    `json:"chain"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	TS       time.Time `json:"ts"`
}

// Event is the envelope published on the bus. Exactly one payload field is set,
// matching Topic.Kind.
type Event struct {
	Topic     Topic     `json:"topic"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Quote        *Quote        `json:"quote,omitempty"`
	Fill         *Fill         `json:"fill,omitempty"`
	PnL          *PnL          `json:"pnl,omitempty"`
	RiskAlert    *RiskAlert    `json:"risk_alert,omitempty"`
	IntentUpdate *IntentUpdate `json:"intent_update,omitempty"`
}

// Payload returns the set payload, or nil if the envelope is empty.
func (e Event) Payload() any {
	switch e.Topic.Kind {
	case KindQuote:
		return e.Quote
	case KindFill:
		return e.Fill
	case KindPnL:
		return e.PnL
	case KindRiskAlert:
		return e.RiskAlert
	case KindIntentUpdate:
		return e.IntentUpdate
	}
	return nil
}

func (e Event) valid() bool {
	if e.Topic.Scope == AnyScope {
		return false
	}
	switch e.Topic.Kind {
	case KindQuote:
		return e.Quote != nil
	case KindFill:
		return e.Fill != nil
	case KindPnL:
		return e.PnL != nil
	case KindRiskAlert:
		return e.RiskAlert != nil
	case KindIntentUpdate:
		return e.IntentUpdate != nil
	}
	return false
}

func NewQuoteEvent(scope string, q Quote) Event {
	return Event{Topic: Topic{Scope: scope, Kind: KindQuote}, Quote: &q}
}

func NewFillEvent(scope string, f Fill) Event {
	return Event{Topic: Topic{Scope: scope, Kind: KindFill}, Fill: &f}
}

func NewPnLEvent(scope string, p PnL) Event {
	return Event{Topic: Topic{Scope: scope, Kind: KindPnL}, PnL: &p}
}

func NewRiskAlertEvent(scope string, a RiskAlert) Event {
	return Event{Topic: Topic{Scope: scope, Kind: KindRiskAlert}, RiskAlert: &a}
}

func NewIntentUpdateEvent(scope string, u IntentUpdate) Event {
	return Event{Topic: Topic{Scope: scope, Kind: KindIntentUpdate}, IntentUpdate: &u}
}
