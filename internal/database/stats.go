package database

import (
	"context"
	"time"

	"github.com/Aidin1998/intentex/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecordPoolStats copies the pool counters of db into the DB gauges under label.
func RecordPoolStats(db *gorm.DB, label string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(label).Set(float64(stats.OpenConnections))
	metrics.DBIdleConns.WithLabelValues(label).Set(float64(stats.Idle))
	metrics.DBInUseConns.WithLabelValues(label).Set(float64(stats.InUse))
	return nil
}

// CollectPoolStats records pool stats every interval until ctx is done.
func CollectPoolStats(ctx context.Context, db *gorm.DB, label string, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := RecordPoolStats(db, label); err != nil {
				log.Warn("Pool stats unavailable", zap.Error(err))
			}
		}
	}
}
