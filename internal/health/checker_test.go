package health

import (
	"context"
	"errors"
	"testing"

	"github.com/Aidin1998/intentex/internal/database"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReadyWhenEveryCheckPasses(t *testing.T) {
	db, err := database.NewSQLiteDB(database.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := NewChecker(zaptest.NewLogger(t), 0)
	c.Register("redis", Redis(client))
	c.Register("database", Database(db))

	report := c.Run(context.Background())
	assert.True(t, report.Ready)
	assert.Equal(t, StatusUp, report.Status)
	require.Len(t, report.Components, 2)
	assert.Equal(t, "database", report.Components[0].Name)
	assert.Equal(t, "redis", report.Components[1].Name)
}

func TestNotReadyWhenRedisIsGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	c := NewChecker(zaptest.NewLogger(t), 0)
	c.Register("redis", Redis(client))
	c.Register("static", func(context.Context) error { return nil })

	report := c.Run(context.Background())
	assert.False(t, report.Ready)
	assert.Equal(t, StatusDown, report.Status)
	assert.Equal(t, StatusDown, report.Components[0].Status)
	assert.NotEmpty(t, report.Components[0].Error)
	assert.Equal(t, StatusUp, report.Components[1].Status)
}

func TestRegisterReplaces(t *testing.T) {
	c := NewChecker(zaptest.NewLogger(t), 0)
	c.Register("x", func(context.Context) error { return errors.New("down") })
	c.Register("x", func(context.Context) error { return nil })
	report := c.Run(context.Background())
	assert.True(t, report.Ready)
	assert.Len(t, report.Components, 1)
}
