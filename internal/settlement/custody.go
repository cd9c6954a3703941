package settlement

import (
	"context"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenCustody opens an escrow holding amount of asset on chain, together with
// the remote_custody claim it backs.
func (e *Engine) OpenCustody(ctx context.Context, scope string, req Request) (*Escrow, error) {
	if err := e.normalize(scope, &req, true); err != nil {
		return nil, err
	}
	now := e.now()
	claim := e.newClaim(scope, req, RemoteCustody, now)
	escrow := &Escrow{
		ID:       uuid.NewString(),
		Scope:    scope,
		ClaimID:  claim.ID,
		Status:   EscrowOpen,
		Balance:  req.Amount,
		Asset:    req.Asset,
		Chain:    req.Chain,
		OpenedAt: now,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		return tx.Create(escrow).Error
	})
	if err != nil {
		return nil, dbError(err, "open custody")
	}
	e.claimChanged(claim)
	e.logger.Info("Custody opened",
		zap.String("escrow_id", escrow.ID),
		zap.String("asset", escrow.Asset),
		zap.String("chain", escrow.Chain),
		zap.String("balance", escrow.Balance.String()),
	)
	return escrow, nil
}

func (e *Engine) GetEscrow(ctx context.Context, scope, id string) (*Escrow, error) {
	var escrow Escrow
	if err := e.db.WithContext(ctx).Where("id = ? AND scope = ?", id, scope).First(&escrow).Error; err != nil {
		return nil, dbError(err, "escrow %s not found", id)
	}
	return &escrow, nil
}

// CloseCustody releases an open escrow. Closing an escrow that is already
// closed fails with InvalidState.
func (e *Engine) CloseCustody(ctx context.Context, scope, id string) (*CloseResult, error) {
	var escrow Escrow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND scope = ?", id, scope).First(&escrow).Error; err != nil {
			return dbError(err, "escrow %s not found", id)
		}
		if escrow.Status != EscrowOpen {
			return apperrors.NewInvalidState("escrow %s is already %s", id, escrow.Status)
		}
		now := e.now()
		hash := e.hashFor("custody", id, now)
		res := tx.Model(&Escrow{}).
			Where("id = ? AND status = ?", id, EscrowOpen).
			Updates(map[string]any{"status": EscrowClosed, "closed_at": now, "tx_hash": hash})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.NewInvalidState("escrow %s changed concurrently", id)
		}
		escrow.Status = EscrowClosed
		escrow.ClosedAt = &now
		escrow.TxHash = hash
		return nil
	})
	if err != nil {
		return nil, dbError(err, "close escrow %s", id)
	}
	e.logger.Info("Custody closed", zap.String("escrow_id", id), zap.String("tx_hash", escrow.TxHash))
	return &CloseResult{EscrowID: id, Closed: true, TxHash: escrow.TxHash}, nil
}
