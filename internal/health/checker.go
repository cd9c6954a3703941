// Package health runs readiness probes against the service's dependencies.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check probes one dependency. A nil error means the dependency is usable.
type Check func(ctx context.Context) error

// Component is the outcome of one check.
type Component struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report is the overall readiness.
type Report struct {
	Ready      bool        `json:"ready"`
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Checker runs its registered checks concurrently.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

func NewChecker(logger *zap.Logger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]Check),
		timeout: timeout,
		logger:  logger.Named("health"),
	}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every check and reports ready only if all pass.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		components = make([]Component, 0, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			comp := Component{Name: name, Status: StatusUp}
			if err := check(checkCtx); err != nil {
				comp.Status = StatusDown
				comp.Error = err.Error()
				c.logger.Warn("Readiness check failed", zap.String("component", name), zap.Error(err))
			}
			comp.Duration = time.Since(start)

			mu.Lock()
			components = append(components, comp)
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report := Report{Ready: true, Status: StatusUp, Timestamp: time.Now().UTC(), Components: components}
	for _, comp := range components {
		if comp.Status == StatusDown {
			report.Ready = false
			report.Status = StatusDown
		}
	}
	return report
}

// Database pings the pool behind db.
func Database(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// Redis pings the client.
func Redis(client *redis.Client) Check {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
