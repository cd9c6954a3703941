package database

import (
	"errors"
	"strings"
	"testing"

	"github.com/Aidin1998/intentex/internal/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type widget struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

type stubStore struct{ migrateErr error }

func (p stubStore) Migrate() error { return p.migrateErr }

func TestOpenSQLiteMemory(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: MemoryDSN(t.Name())}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&widget{}))
	require.NoError(t, db.Create(&widget{Name: "eth"}).Error)

	var got widget
	require.NoError(t, db.First(&got).Error)
	assert.Equal(t, "eth", got.Name)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "mysql"}, zap.NewNop())
	assert.Error(t, err)
}

func TestMigrateStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := Migrate(stubStore{}, stubStore{migrateErr: boom}, stubStore{})
	assert.ErrorIs(t, err, boom)
}

type ledgerRow struct {
	ID     uint                `gorm:"primaryKey"`
	Amount decimal.Decimal     `gorm:"type:numeric;not null"`
	Price  decimal.NullDecimal `gorm:"type:numeric"`
	Active bool
}

func TestSQLiteKeepsDecimalPrecision(t *testing.T) {
	db, err := NewSQLiteDB(MemoryDSN(t.Name()))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&ledgerRow{}))

	amount := decimal.RequireFromString("12345678901234567.123456789")
	price := decimal.RequireFromString("0.000000000000000001")
	require.NoError(t, db.Create(&ledgerRow{Amount: amount, Price: decimal.NewNullDecimal(price), Active: true}).Error)

	var got ledgerRow
	require.NoError(t, db.First(&got).Error)
	assert.True(t, amount.Equal(got.Amount), "stored %s", got.Amount)
	require.True(t, got.Price.Valid)
	assert.True(t, price.Equal(got.Price.Decimal), "stored %s", got.Price.Decimal)
	assert.True(t, got.Active)

	cols, err := db.Migrator().ColumnTypes(&ledgerRow{})
	require.NoError(t, err)
	types := map[string]string{}
	for _, c := range cols {
		types[c.Name()] = strings.ToLower(c.DatabaseTypeName())
	}
	assert.Equal(t, "text", types["amount"])
	assert.Equal(t, "text", types["price"])
}
