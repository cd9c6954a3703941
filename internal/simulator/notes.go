package simulator

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Insight is the qualitative note derived from one execution.
type Insight struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	IntentID    string    `gorm:"type:varchar(36);not null;index" json:"intent_id"`
	ExecutionID string    `gorm:"type:varchar(36);not null" json:"execution_id"`
	Scope       string    `gorm:"type:varchar(128);not null;index" json:"-"`
	Chain       string    `gorm:"type:varchar(32);not null" json:"chain"`
	Level       string    `gorm:"type:varchar(16);not null" json:"level"`
	CaptureBps  float64   `json:"capture_bps"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecisionRecord summarizes what was executed and what it achieved.
type DecisionRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	IntentID  string    `gorm:"type:varchar(36);not null;index" json:"intent_id"`
	Scope     string    `gorm:"type:varchar(128);not null;index" json:"-"`
	Summary   string    `gorm:"type:text;not null" json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Notes groups a scope's audit artifacts.
type Notes struct {
	Insights  []Insight        `json:"insights"`
	Decisions []DecisionRecord `json:"decisions"`
}

type NoteStore struct {
	db *gorm.DB
}

func NewNoteStore(db *gorm.DB) *NoteStore {
	return &NoteStore{db: db}
}

func (n *NoteStore) Migrate() error {
	return n.db.AutoMigrate(&Insight{}, &DecisionRecord{})
}

// Save writes both notes in one transaction.
func (n *NoteStore) Save(ctx context.Context, insight *Insight, decision *DecisionRecord) error {
	return n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(insight).Error; err != nil {
			return err
		}
		return tx.Create(decision).Error
	})
}

// List returns the newest notes of a scope, at most limit of each kind.
func (n *NoteStore) List(ctx context.Context, scope string, limit int) (*Notes, error) {
	if limit <= 0 {
		limit = 100
	}
	out := &Notes{Insights: []Insight{}, Decisions: []DecisionRecord{}}
	db := n.db.WithContext(ctx)
	if err := db.Where("scope = ?", scope).Order("id DESC").Limit(limit).Find(&out.Insights).Error; err != nil {
		return nil, err
	}
	if err := db.Where("scope = ?", scope).Order("id DESC").Limit(limit).Find(&out.Decisions).Error; err != nil {
		return nil, err
	}
	return out, nil
}
