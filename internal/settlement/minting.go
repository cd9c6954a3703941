package settlement

import (
	"context"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestDeferred queues a mint that completes after the configured delay.
// Callers poll DeferredStatus.
func (e *Engine) RequestDeferred(ctx context.Context, scope string, req Request) (*DeferredReceipt, error) {
	if err := e.normalize(scope, &req, true); err != nil {
		return nil, err
	}
	now := e.now()
	claim := e.newClaim(scope, req, DeferredMinting, now)
	mint := &DeferredMint{
		ID:                  uuid.NewString(),
		Scope:               scope,
		ClaimID:             claim.ID,
		Status:              MintPending,
		Amount:              req.Amount,
		Asset:               req.Asset,
		Chain:               req.Chain,
		RequestedAt:         now,
		EstimatedSettlement: now.Add(e.cfg.DeferredSettleAfter),
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		return tx.Create(mint).Error
	})
	if err != nil {
		return nil, dbError(err, "request deferred mint")
	}
	e.claimChanged(claim)
	e.logger.Info("Deferred mint requested",
		zap.String("deferred_id", mint.ID),
		zap.String("chain", mint.Chain),
		zap.Time("estimated_settlement", mint.EstimatedSettlement),
	)
	return &DeferredReceipt{DeferredID: mint.ID, ClaimID: claim.ID, EstimatedSettlement: mint.EstimatedSettlement}, nil
}

// DeferredStatus returns the mint after advancing it by elapsed time.
func (e *Engine) DeferredStatus(ctx context.Context, scope, id string) (*DeferredMint, error) {
	var mint DeferredMint
	if err := e.db.WithContext(ctx).Where("id = ? AND scope = ?", id, scope).First(&mint).Error; err != nil {
		return nil, dbError(err, "deferred mint %s not found", id)
	}
	if mint.Status.terminal() || e.phase(&mint, e.now()) == mint.Status {
		return &mint, nil
	}
	return e.advance(ctx, id)
}

// phase is the status a mint should have at now.
func (e *Engine) phase(m *DeferredMint, now time.Time) MintStatus {
	elapsed := now.Sub(m.RequestedAt)
	switch {
	case elapsed >= e.cfg.DeferredSettleAfter:
		return MintCompleted
	case elapsed >= e.cfg.DeferredSettleAfter/2:
		return MintMinting
	default:
		return MintPending
	}
}

// advance moves one mint to its current phase. Completion settles the claim;
// a claim that expired first fails the mint.
func (e *Engine) advance(ctx context.Context, id string) (*DeferredMint, error) {
	var (
		mint    DeferredMint
		claim   Claim
		touched bool
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&mint).Error; err != nil {
			return dbError(err, "deferred mint %s not found", id)
		}
		if mint.Status.terminal() {
			return nil
		}
		if err := tx.Where("id = ?", mint.ClaimID).First(&claim).Error; err != nil {
			return dbError(err, "claim %s not found", mint.ClaimID)
		}

		now := e.now()
		target := e.phase(&mint, now)
		updates := map[string]any{"status": target}
		switch {
		case claim.pastDue(now) || claim.Status == ClaimExpired:
			target = MintFailed
			mint.FailureReason = "claim expired before minting completed"
			updates = map[string]any{"status": target, "failure_reason": mint.FailureReason}
			if claim.Status == ClaimPending {
				if err := casClaim(tx, &claim, ClaimExpired, now); err != nil {
					return err
				}
				touched = true
			}
		case target == mint.Status:
			return nil
		case target == MintCompleted:
			hash := e.hashFor("deferred", id, now)
			updates["completed_at"] = now
			updates["tx_hash"] = hash
			mint.CompletedAt = &now
			mint.TxHash = hash
			if claim.Status == ClaimPending {
				if err := casClaim(tx, &claim, ClaimSettled, now); err != nil {
					return err
				}
				touched = true
			}
		}

		res := tx.Model(&DeferredMint{}).Where("id = ? AND status = ?", id, mint.Status).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NewInvalidState("deferred mint %s changed concurrently", id)
		}
		mint.Status = target
		return nil
	})
	if err != nil {
		return nil, dbError(err, "advance deferred mint %s", id)
	}
	if touched {
		e.claimChanged(&claim)
	}
	e.logger.Debug("Deferred mint advanced", zap.String("deferred_id", id), zap.String("status", string(mint.Status)))
	return &mint, nil
}

// advanceDeferred moves every open mint whose phase has changed.
func (e *Engine) advanceDeferred(ctx context.Context) error {
	var open []DeferredMint
	if err := e.db.WithContext(ctx).Where("status IN ?", []MintStatus{MintPending, MintMinting}).Find(&open).Error; err != nil {
		return dbError(err, "load deferred mints")
	}
	now := e.now()
	for i := range open {
		var claim Claim
		if err := e.db.WithContext(ctx).Where("id = ?", open[i].ClaimID).First(&claim).Error; err != nil {
			return dbError(err, "claim %s not found", open[i].ClaimID)
		}
		if e.phase(&open[i], now) == open[i].Status && !claim.pastDue(now) {
			continue
		}
		if _, err := e.advance(ctx, open[i].ID); err != nil && apperrors.KindOf(err) != apperrors.KindInvalidState {
			return err
		}
	}
	return nil
}

// Mint settles a canonical_minting claim immediately and returns its receipt.
func (e *Engine) Mint(ctx context.Context, scope string, req Request) (*MintReceipt, error) {
	if err := e.normalize(scope, &req, true); err != nil {
		return nil, err
	}
	now := e.now()
	claim := e.newClaim(scope, req, CanonicalMinting, now)
	claim.Status = ClaimSettled
	claim.SettledAt = &now
	receipt := &MintReceipt{
		ID:          uuid.NewString(),
		Scope:       scope,
		ClaimID:     claim.ID,
		TxHash:      e.hashFor("mint", claim.ID, now),
		BlockNumber: e.nextBlock(),
		Amount:      req.Amount,
		Asset:       req.Asset,
		Chain:       req.Chain,
		MintedAt:    now,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		return tx.Create(receipt).Error
	})
	if err != nil {
		return nil, dbError(err, "mint")
	}
	e.claimChanged(claim)
	e.logger.Info("Minted",
		zap.String("claim_id", claim.ID),
		zap.String("chain", receipt.Chain),
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
	)
	return receipt, nil
}

// PreviewFees prices a settlement without reading or writing any state.
func (e *Engine) PreviewFees(req Request) (FeePreview, error) {
	return e.fees.Preview(req.Amount, req.Asset, req.SettlementType, req.Chain)
}

// CompareChains prices one strategy across chains, or every known chain.
func (e *Engine) CompareChains(req Request, chains []string) (Comparison, error) {
	return e.fees.Compare(req.Amount, req.Asset, req.SettlementType, chains)
}
