package intents

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store persists intents, executions and their transition log. Every status
// change is a compare-and-transition inside a transaction.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
}

// NewStore creates a store; publisher may be nil.
func NewStore(db *gorm.DB, logger *zap.Logger, publisher events.Publisher) *Store {
	return &Store{
		db:        db,
		logger:    logger.Named("intents"),
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Intent{}, &Execution{}, &StateLog{})
}

// dbError maps gorm failures onto the error taxonomy.
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

func (s *Store) Create(ctx context.Context, intent *Intent) error {
	now := s.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = intent.CreatedAt
	if err := s.db.WithContext(ctx).Create(intent).Error; err != nil {
		return dbError(err, "create intent %s", intent.ID)
	}
	return nil
}

// Get returns an intent within scope. An empty scope matches any owner.
func (s *Store) Get(ctx context.Context, scope, id string) (*Intent, error) {
	var intent Intent
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if err := q.First(&intent).Error; err != nil {
		return nil, dbError(err, "intent %s not found", id)
	}
	return &intent, nil
}

// List returns the scope's intents, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, scope string, status Status) ([]Intent, error) {
	var out []Intent
	q := s.db.WithContext(ctx).Where("scope = ?", scope)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list intents")
	}
	return out, nil
}

// ListOpen returns non-terminal intents of a scope on one venue.
func (s *Store) ListOpen(ctx context.Context, scope, chain string) ([]Intent, error) {
	var out []Intent
	err := s.db.WithContext(ctx).
		Where("scope = ? AND chain = ? AND status IN ?", scope, chain, []Status{StatusPending, StatusQuoted, StatusExecuting}).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, dbError(err, "list open intents")
	}
	return out, nil
}

// ListNonTerminal returns every intent of any scope that has not reached a
// terminal state, oldest first.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Intent, error) {
	var out []Intent
	err := s.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusPending, StatusQuoted, StatusExecuting}).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, dbError(err, "list non-terminal intents")
	}
	return out, nil
}

// Transition moves intent id to `to` if its current state is one of from and the
// edge is legal. It returns the state that was replaced.
func (s *Store) Transition(ctx context.Context, id string, to Status, reason string, from ...Status) (Status, error) {
	var intent Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		intent, err = s.transition(tx, "", id, to, reason, from)
		return err
	})
	if err != nil {
		return "", dbError(err, "transition intent %s", id)
	}
	s.afterTransition(ctx, &intent, intent.Status, to, reason)
	return intent.Status, nil
}

// Fail forces a non-terminal intent to failed.
func (s *Store) Fail(ctx context.Context, id, reason string) error {
	_, err := s.Transition(ctx, id, StatusFailed, reason, sourcesOf(StatusFailed)...)
	return err
}

// Cancel moves a pending or quoted intent of scope to cancelled.
func (s *Store) Cancel(ctx context.Context, scope, id string) error {
	var intent Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		intent, err = s.transition(tx, scope, id, StatusCancelled, "cancelled by caller", sourcesOf(StatusCancelled))
		return err
	})
	if err != nil {
		return dbError(err, "cancel intent %s", id)
	}
	s.afterTransition(ctx, &intent, intent.Status, StatusCancelled, "cancelled by caller")
	return nil
}

// CompleteFill writes the execution and flips the intent executing → filled in
// one transaction. Nothing is written if the intent is no longer executing.
func (s *Store) CompleteFill(ctx context.Context, exec *Execution) error {
	var intent Intent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		intent, err = s.transition(tx, "", exec.IntentID, StatusFilled, "", []Status{StatusExecuting})
		if err != nil {
			return err
		}
		if !exec.QtyFilled.Equal(intent.Amount) {
			return apperrors.NewInternal(nil, "fill qty %s differs from intent amount %s", exec.QtyFilled, intent.Amount)
		}
		exec.Scope = intent.Scope
		return tx.Create(exec).Error
	})
	if err != nil {
		return dbError(err, "complete fill for intent %s", exec.IntentID)
	}
	s.afterTransition(ctx, &intent, StatusExecuting, StatusFilled, "")
	return nil
}

// transition runs inside tx. The UPDATE is guarded by the status just read, so
// a concurrent writer makes it affect zero rows.
func (s *Store) transition(tx *gorm.DB, scope, id string, to Status, reason string, from []Status) (Intent, error) {
	var intent Intent
	q := tx.Where("id = ?", id)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if err := q.First(&intent).Error; err != nil {
		return intent, dbError(err, "intent %s not found", id)
	}

	current := intent.Status
	if !containsStatus(from, current) || !CanTransition(current, to) {
		return intent, apperrors.NewInvalidState("intent %s is %s, cannot move to %s", id, current, to)
	}

	now := s.now()
	updates := map[string]any{"status": to, "updated_at": now}
	if to == StatusFailed && reason != "" {
		updates["failure_reason"] = reason
	}
	res := tx.Model(&Intent{}).Where("id = ? AND status = ?", id, current).Updates(updates)
	if res.Error != nil {
		return intent, res.Error
	}
	if res.RowsAffected == 0 {
		return intent, apperrors.NewInvalidState("intent %s changed concurrently", id)
	}

	entry := StateLog{IntentID: id, FromState: current, ToState: to, Reason: reason, Timestamp: now}
	if err := tx.Create(&entry).Error; err != nil {
		return intent, err
	}
	return intent, nil
}

func (s *Store) afterTransition(ctx context.Context, intent *Intent, from, to Status, reason string) {
	metrics.IntentTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Debug("Intent transition",
		zap.String("intent_id", intent.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	if s.publisher == nil {
		return
	}
	ev := events.NewIntentUpdateEvent(intent.Scope, events.IntentUpdate{
		IntentID: intent.ID,
		Chain:    intent.Chain,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
		TS:       s.now(),
	})
	if _, err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish intent update", zap.String("intent_id", intent.ID), zap.Error(err))
	}
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// History returns the transition log of an intent in order.
func (s *Store) History(ctx context.Context, id string) ([]StateLog, error) {
	var out []StateLog
	if err := s.db.WithContext(ctx).Where("intent_id = ?", id).Order("id ASC").Find(&out).Error; err != nil {
		return nil, dbError(err, "history of intent %s", id)
	}
	return out, nil
}

func (s *Store) GetExecution(ctx context.Context, scope, id string) (*Execution, error) {
	var exec Execution
	q := s.db.WithContext(ctx).Where("id = ?", id)
	if scope != "" {
		q = q.Where("scope = ?", scope)
	}
	if err := q.First(&exec).Error; err != nil {
		return nil, dbError(err, "execution %s not found", id)
	}
	return &exec, nil
}

// ExecutionsForIntent returns every execution referencing the intent.
func (s *Store) ExecutionsForIntent(ctx context.Context, intentID string) ([]Execution, error) {
	var out []Execution
	if err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Find(&out).Error; err != nil {
		return nil, dbError(err, "executions of intent %s", intentID)
	}
	return out, nil
}

// ListExecutions returns the scope's executions, newest first, optionally for one chain.
func (s *Store) ListExecutions(ctx context.Context, scope, chain string) ([]Execution, error) {
	var out []Execution
	q := s.db.WithContext(ctx).Where("scope = ?", scope)
	if chain != "" {
		q = q.Where("chain = ?", chain)
	}
	if err := q.Order("timestamp DESC").Find(&out).Error; err != nil {
		return nil, dbError(err, "list executions")
	}
	return out, nil
}

// ConfirmExecution moves an execution from pending to confirmed.
func (s *Store) ConfirmExecution(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Execution{}).
		Where("id = ? AND status = ?", id, ExecutionPending).
		Update("status", ExecutionConfirmed)
	if res.Error != nil {
		return dbError(res.Error, "confirm execution %s", id)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetExecution(ctx, "", id); err != nil {
			return err
		}
		return apperrors.NewInvalidState("execution %s is not pending", id)
	}
	return nil
}

// executionsSince returns the scope's executions at or after since.
func (s *Store) executionsSince(ctx context.Context, scope string, since time.Time) ([]Execution, error) {
	var out []Execution
	if err := s.db.WithContext(ctx).Where("scope = ? AND timestamp >= ?", scope, since).Order("timestamp ASC").Find(&out).Error; err != nil {
		return nil, dbError(err, "load executions")
	}
	return out, nil
}

type statusCount struct {
	Status Status
	Count  int64
}

// countByStatus counts the scope's intents created at or after since.
func (s *Store) countByStatus(ctx context.Context, scope string, since time.Time) (map[Status]int64, error) {
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(&Intent{}).
		Select("status, COUNT(*) AS count").
		Where("scope = ? AND created_at >= ?", scope, since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count intents")
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
