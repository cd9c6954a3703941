// Package settlement moves value under three strategies: remote custody
// escrows, deferred minting and canonical minting. Every strategy is backed by
// a claim with the common lifecycle pending → settled → redeemed, or
// pending → expired once expires_at passes unsettled.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClaimStatus represents the lifecycle state of a claim
type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "pending"
	ClaimSettled  ClaimStatus = "settled"
	ClaimRedeemed ClaimStatus = "redeemed"
	ClaimExpired  ClaimStatus = "expired"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimPending: {ClaimSettled, ClaimExpired},
	ClaimSettled: {ClaimRedeemed},
}

// Valid reports whether s is a known claim status.
func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimSettled, ClaimRedeemed, ClaimExpired:
		return true
	}
	return false
}

func canMoveClaim(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SettlementType selects the settlement strategy
type SettlementType string

const (
	RemoteCustody    SettlementType = "remote_custody"
	DeferredMinting  SettlementType = "deferred_minting"
	CanonicalMinting SettlementType = "canonical_minting"
)

// SettlementTypes lists every strategy in a stable order.
var SettlementTypes = []SettlementType{RemoteCustody, DeferredMinting, CanonicalMinting}

func (t SettlementType) Valid() bool {
	switch t {
	case RemoteCustody, DeferredMinting, CanonicalMinting:
		return true
	}
	return false
}

// Claim is a unit of value movement under one strategy.
type Claim struct {
	ID             string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Scope          string          `gorm:"type:varchar(128);not null;index:idx_claims_scope_status,priority:1" json:"-"`
	Status         ClaimStatus     `gorm:"type:varchar(16);not null;index:idx_claims_scope_status,priority:2" json:"status"`
	Amount         decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	Asset          string          `gorm:"type:varchar(16);not null" json:"asset"`
	SettlementType SettlementType  `gorm:"type:varchar(32);not null" json:"settlement_type"`
	Chain          string          `gorm:"type:varchar(32)" json:"chain,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
	ExpiresAt      time.Time       `gorm:"not null;index" json:"expires_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
	RedeemedAt     *time.Time      `json:"redeemed_at,omitempty"`
}

// pastDue reports whether an unsettled claim has outlived its expiry.
func (c *Claim) pastDue(now time.Time) bool {
	return c.Status == ClaimPending && !now.Before(c.ExpiresAt)
}

// EscrowStatus is the state of a remote custody escrow
type EscrowStatus string

const (
	EscrowOpen   EscrowStatus = "open"
	EscrowClosed EscrowStatus = "closed"
)

// Escrow holds funds for a remote_custody claim until it is closed. Its
// status is independent of the claim's.
type Escrow struct {
	ID       string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Scope    string          `gorm:"type:varchar(128);not null;index" json:"-"`
	ClaimID  string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"claim_id"`
	Status   EscrowStatus    `gorm:"type:varchar(8);not null" json:"status"`
	Balance  decimal.Decimal `gorm:"type:numeric;not null" json:"balance"`
	Asset    string          `gorm:"type:varchar(16);not null" json:"asset"`
	Chain    string          `gorm:"type:varchar(32);not null" json:"chain"`
	OpenedAt time.Time       `gorm:"not null" json:"opened_at"`
	ClosedAt *time.Time      `json:"closed_at,omitempty"`
	TxHash   string          `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
}

// CloseResult is returned by CloseCustody.
type CloseResult struct {
	EscrowID string `json:"escrow_id"`
	Closed   bool   `json:"closed"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// MintStatus is the progress of a deferred mint
type MintStatus string

const (
	MintPending   MintStatus = "pending"
	MintMinting   MintStatus = "minting"
	MintCompleted MintStatus = "completed"
	MintFailed    MintStatus = "failed"
)

func (s MintStatus) terminal() bool {
	return s == MintCompleted || s == MintFailed
}

// DeferredMint tracks an asynchronous mint that callers poll.
type DeferredMint struct {
	ID                  string          `gorm:"primaryKey;type:varchar(36)" json:"deferred_id"`
	Scope               string          `gorm:"type:varchar(128);not null;index" json:"-"`
	ClaimID             string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"claim_id"`
	Status              MintStatus      `gorm:"type:varchar(16);not null;index" json:"status"`
	Amount              decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	Asset               string          `gorm:"type:varchar(16);not null" json:"asset"`
	Chain               string          `gorm:"type:varchar(32);not null" json:"chain"`
	RequestedAt         time.Time       `gorm:"not null" json:"requested_at"`
	EstimatedSettlement time.Time       `gorm:"not null" json:"estimated_settlement"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	TxHash              string          `gorm:"type:varchar(66)" json:"tx_hash,omitempty"`
	FailureReason       string          `gorm:"type:text" json:"failure_reason,omitempty"`
}

// DeferredReceipt is returned by RequestDeferred.
type DeferredReceipt struct {
	DeferredID          string    `json:"deferred_id"`
	ClaimID             string    `json:"claim_id"`
	EstimatedSettlement time.Time `json:"estimated_settlement"`
}

// MintReceipt records a canonical mint.
type MintReceipt struct {
	ID          string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Scope       string          `gorm:"type:varchar(128);not null;index" json:"-"`
	ClaimID     string          `gorm:"type:varchar(36);not null;uniqueIndex" json:"claim_id"`
	TxHash      string          `gorm:"type:varchar(66);not null" json:"tx_hash"`
	BlockNumber uint64          `gorm:"not null" json:"block_number"`
	Amount      decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
	Asset       string          `gorm:"type:varchar(16);not null" json:"asset"`
	Chain       string          `gorm:"type:varchar(32);not null" json:"chain"`
	MintedAt    time.Time       `gorm:"not null" json:"minted_at"`
}

// Request carries the inputs shared by every strategy.
type Request struct {
	Amount         decimal.Decimal `json:"amount"`
	Asset          string          `json:"asset" validate:"required,max=16"`
	Chain          string          `json:"chain" validate:"max=32"`
	SettlementType SettlementType  `json:"settlement_type" validate:"omitempty,oneof=remote_custody deferred_minting canonical_minting"`
}
