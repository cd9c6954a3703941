package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/config"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config tunes claim expiry and deferred minting.
type Config struct {
	ClaimTTL            time.Duration
	DeferredSettleAfter time.Duration
	SweepInterval       time.Duration
	Venues              map[string]config.VenueFee
}

func ConfigFrom(c config.SettlementConfig) Config {
	return Config{
		ClaimTTL:            c.ClaimTTL,
		DeferredSettleAfter: c.DeferredSettleAfter,
		SweepInterval:       c.ExpirySweep,
		Venues:              c.Venues,
	}
}

// Engine owns claims, escrows, deferred mints and mint receipts.
type Engine struct {
	db       *gorm.DB
	cfg      Config
	fees     *FeeTable
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
	height   atomic.Uint64
}

func NewEngine(db *gorm.DB, cfg Config, logger *zap.Logger) *Engine {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 24 * time.Hour
	}
	if cfg.DeferredSettleAfter <= 0 {
		cfg.DeferredSettleAfter = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if len(cfg.Venues) == 0 {
		cfg.Venues = config.DefaultVenues()
	}
	e := &Engine{
		db:       db,
		cfg:      cfg,
		fees:     NewFeeTable(cfg.Venues),
		validate: apperrors.NewValidator(),
		logger:   logger.Named("settlement"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.height.Store(uint64(time.Now().Unix()))
	return e
}

func (e *Engine) Migrate() error {
	return e.db.AutoMigrate(&Claim{}, &Escrow{}, &DeferredMint{}, &MintReceipt{})
}

// Fees exposes the fee table used by previews.
func (e *Engine) Fees() *FeeTable { return e.fees }

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

func txHash(parts ...string) string {
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "|"))).Hex()
}

// normalize validates a request and fills the defaults shared by strategies.
func (e *Engine) normalize(scope string, req *Request, chainRequired bool) error {
	if scope == "" {
		return apperrors.NewValidation("scope is required")
	}
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.Chain = strings.ToLower(strings.TrimSpace(req.Chain))
	if err := e.validate.Struct(req); err != nil {
		return apperrors.FromValidator(err)
	}
	if !req.Amount.IsPositive() {
		return apperrors.NewValidation("amount must be positive").WithField("amount", "must be greater than 0")
	}
	if req.Chain == "" && chainRequired {
		return apperrors.NewValidation("chain is required").WithField("chain", "is required")
	}
	if req.Chain != "" && !e.fees.Has(req.Chain) {
		return apperrors.NewValidation("unknown chain %q", req.Chain).WithField("chain", "is not supported")
	}
	return nil
}

func (e *Engine) newClaim(scope string, req Request, typ SettlementType, now time.Time) *Claim {
	return &Claim{
		ID:             uuid.NewString(),
		Scope:          scope,
		Status:         ClaimPending,
		Amount:         req.Amount,
		Asset:          req.Asset,
		SettlementType: typ,
		Chain:          req.Chain,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(e.cfg.ClaimTTL),
	}
}

func (e *Engine) claimChanged(c *Claim) {
	metrics.Claims.WithLabelValues(string(c.SettlementType), string(c.Status)).Inc()
	e.logger.Debug("Claim status",
		zap.String("claim_id", c.ID),
		zap.String("type", string(c.SettlementType)),
		zap.String("status", string(c.Status)),
	)
}

// CreateClaim stores a pending claim of the requested strategy.
func (e *Engine) CreateClaim(ctx context.Context, scope string, req Request) (*Claim, error) {
	if err := e.normalize(scope, &req, false); err != nil {
		return nil, err
	}
	if req.SettlementType == "" {
		return nil, apperrors.NewValidation("settlement_type is required").WithField("settlement_type", "is required")
	}
	claim := e.newClaim(scope, req, req.SettlementType, e.now())
	if err := e.db.WithContext(ctx).Create(claim).Error; err != nil {
		return nil, dbError(err, "create claim")
	}
	e.claimChanged(claim)
	return claim, nil
}

// GetClaim returns a claim of scope. An unsettled claim past its expiry is
// flipped to expired before it is returned.
func (e *Engine) GetClaim(ctx context.Context, scope, id string) (*Claim, error) {
	var claim Claim
	if err := e.db.WithContext(ctx).Where("id = ? AND scope = ?", id, scope).First(&claim).Error; err != nil {
		return nil, dbError(err, "claim %s not found", id)
	}
	if !claim.pastDue(e.now()) {
		return &claim, nil
	}
	c, err := e.moveClaim(ctx, scope, id, ClaimExpired, ClaimPending)
	if apperrors.KindOf(err) == apperrors.KindInvalidState {
		// Someone else moved it first; report what is stored now.
		if err := e.db.WithContext(ctx).Where("id = ?", id).First(&claim).Error; err != nil {
			return nil, dbError(err, "claim %s not found", id)
		}
		return &claim, nil
	}
	return c, err
}

// ListClaims returns the scope's claims, newest first, optionally by status.
func (e *Engine) ListClaims(ctx context.Context, scope string, status ClaimStatus) ([]Claim, error) {
	if status != "" && !status.Valid() {
		return nil, apperrors.NewValidation("unknown claim status %q", status).WithField("status", "is invalid")
	}
	if _, err := e.expireDue(ctx, scope); err != nil {
		return nil, err
	}
	var out []Claim
	q := e.db.WithContext(ctx).Where("scope = ?", scope)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list claims")
	}
	return out, nil
}

// SettleClaim moves a pending, unexpired claim to settled.
func (e *Engine) SettleClaim(ctx context.Context, scope, id string) (*Claim, error) {
	return e.moveClaim(ctx, scope, id, ClaimSettled, ClaimPending)
}

// RedeemClaim moves a settled claim to redeemed.
func (e *Engine) RedeemClaim(ctx context.Context, scope, id string) (*Claim, error) {
	return e.moveClaim(ctx, scope, id, ClaimRedeemed, ClaimSettled)
}

// moveClaim changes a claim from `from` to `to`. A pending claim found past its
// expiry is expired instead and the call fails with InvalidState.
func (e *Engine) moveClaim(ctx context.Context, scope, id string, to, from ClaimStatus) (*Claim, error) {
	var claim Claim
	expired := false
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND scope = ?", id, scope).First(&claim).Error; err != nil {
			return dbError(err, "claim %s not found", id)
		}
		now := e.now()
		if claim.pastDue(now) && to != ClaimExpired {
			expired = true
			return casClaim(tx, &claim, ClaimExpired, now)
		}
		if claim.Status != from || !canMoveClaim(claim.Status, to) {
			return apperrors.NewInvalidState("claim %s is %s, cannot move to %s", id, claim.Status, to)
		}
		return casClaim(tx, &claim, to, now)
	})
	if err != nil {
		return nil, dbError(err, "update claim %s", id)
	}
	e.claimChanged(&claim)
	if expired {
		return nil, apperrors.NewInvalidState("claim %s expired at %s", id, claim.ExpiresAt.Format(time.RFC3339))
	}
	return &claim, nil
}

// casClaim updates claim to `to` guarded by the status just read.
func casClaim(tx *gorm.DB, claim *Claim, to ClaimStatus, now time.Time) error {
	updates := map[string]any{"status": to, "updated_at": now}
	switch to {
	case ClaimSettled:
		updates["settled_at"] = now
		claim.SettledAt = &now
	case ClaimRedeemed:
		updates["redeemed_at"] = now
		claim.RedeemedAt = &now
	}
	res := tx.Model(&Claim{}).Where("id = ? AND status = ?", claim.ID, claim.Status).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.NewInvalidState("claim %s changed concurrently", claim.ID)
	}
	claim.Status = to
	claim.UpdatedAt = now
	return nil
}

// expireDue flips every past-due pending claim; an empty scope covers all scopes.
func (e *Engine) expireDue(ctx context.Context, scope string) (int64, error) {
	now := e.now()
	q := e.db.WithContext(ctx).Model(&Claim{}).Where("status = ? AND expires_at <= ?", ClaimPending, now)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	var due []Claim
	if err := q.Find(&due).Error; err != nil {
		return 0, dbError(err, "load due claims")
	}
	var n int64
	for i := range due {
		c := &due[i]
		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return casClaim(tx, c, ClaimExpired, now)
		})
		if apperrors.KindOf(err) == apperrors.KindInvalidState {
			continue
		}
		if err != nil {
			return n, dbError(err, "expire claim %s", c.ID)
		}
		e.claimChanged(c)
		n++
	}
	return n, nil
}

// Sweep advances due deferred mints and expires past-due claims across scopes.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	if err := e.advanceDeferred(ctx); err != nil {
		return 0, err
	}
	return e.expireDue(ctx, "")
}

// Run sweeps on the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	e.logger.Info("Settlement sweeper started", zap.Duration("interval", e.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Settlement sweeper stopped")
			return
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Warn("Settlement sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("Expired claims", zap.Int64("count", n))
			}
		}
	}
}

func (e *Engine) nextBlock() uint64 {
	return e.height.Add(1)
}

func (e *Engine) hashFor(kind, id string, now time.Time) string {
	return txHash(kind, id, fmt.Sprint(now.UnixNano()))
}
