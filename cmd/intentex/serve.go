package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/Aidin1998/intentex/api"
	"github.com/Aidin1998/intentex/internal/config"
	"github.com/Aidin1998/intentex/internal/database"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/internal/health"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/Aidin1998/intentex/internal/risk"
	"github.com/Aidin1998/intentex/internal/settlement"
	"github.com/Aidin1998/intentex/internal/simulator"
	"github.com/Aidin1998/intentex/internal/stream"
	"github.com/Aidin1998/intentex/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const quoteTTL = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, simulator, settlement sweeper and risk evaluator",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// services is the domain layer shared by the commands.
type services struct {
	store      *intents.Store
	notes      *simulator.NoteStore
	sim        *simulator.Simulator
	intents    *intents.Service
	settlement *settlement.Engine
	risk       *risk.Evaluator
}

func newServices(cfg *config.Config, db *gorm.DB, bus *events.Bus, logger *zap.Logger) *services {
	var pub events.Publisher
	if bus != nil {
		pub = bus
	}
	s := &services{
		store: intents.NewStore(db, logger, pub),
		notes: simulator.NewNoteStore(db),
	}
	s.sim = simulator.New(simulator.ConfigFrom(cfg.Simulator), s.store, pub, logger, simulator.WithNotes(s.notes))
	s.intents = intents.NewService(s.store, s.sim, logger)
	s.settlement = settlement.NewEngine(db, settlement.ConfigFrom(cfg.Settlement), logger)

	var opts []risk.Option
	if cfg.Risk.EnforceActions {
		opts = append(opts, risk.WithActionHandler(risk.NewIntentCanceller(s.intents, logger)))
	}
	s.risk = risk.NewEvaluator(db, cfg.Risk.InitialEquity, pub, logger, opts...)
	return s
}

func (s *services) migrators() []database.Migrator {
	return []database.Migrator{s.store, s.notes, s.settlement, s.risk}
}

// newSink fans bus notifications out to the log and, when enabled, to Redis
// pub/sub and Kafka. The returned cleanup closes the external clients.
func newSink(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (events.Sink, func()) {
	sinks := events.MultiSink{events.NewLogSink(logger)}
	var closers []func() error
	if redisClient != nil {
		sinks = append(sinks, events.NewRedisSink(redisClient, "intentex"))
	}
	if cfg.Kafka.Enabled {
		k := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix, logger)
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}
	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Sink close failed", zap.Error(err))
			}
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Tracing:        cfg.Telemetry.Tracing,
		Metrics:        cfg.Telemetry.Metrics,
		MetricInterval: cfg.Telemetry.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		zapLogger.Info("Redis connected", zap.String("address", cfg.Redis.Address))
	}

	sink, closeSinks := newSink(cfg, redisClient, zapLogger)
	defer closeSinks()
	bus := events.NewBus(zapLogger, sink)
	defer bus.Close()

	svc := newServices(cfg, db, bus, zapLogger)
	if err := database.Migrate(svc.migrators()...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if cfg.Risk.RulesFile != "" {
		rules, err := risk.LoadRules(cfg.Risk.RulesFile)
		if err != nil {
			return err
		}
		n, err := svc.risk.Install(ctx, rules)
		if err != nil {
			return fmt.Errorf("install risk rules: %w", err)
		}
		zapLogger.Info("Risk rules installed", zap.String("file", cfg.Risk.RulesFile), zap.Int("added", n))
	}

	var cache stream.QuoteCache
	if redisClient != nil {
		cache = stream.NewRedisQuoteCache(redisClient, "intentex", quoteTTL)
	}
	gen := stream.NewGenerator(stream.ConfigFrom(cfg.Stream, cfg.Simulator.BasePrice), bus, cache, zapLogger)

	checker := health.NewChecker(zapLogger, 0)
	checker.Register("database", health.Database(db))
	if redisClient != nil {
		checker.Register("redis", health.Redis(redisClient))
	}
	go database.CollectPoolStats(ctx, db, cfg.Database.Driver, 0, zapLogger)

	svc.sim.Start(ctx)
	go svc.settlement.Run(ctx)
	if err := svc.risk.Start(ctx, bus, events.AnyScope); err != nil {
		return fmt.Errorf("start risk evaluator: %w", err)
	}

	var scopes api.ScopeProvider = api.HeaderScopeProvider{Header: cfg.Server.ScopeHeader}
	if cfg.Server.JWTSecret != "" {
		scopes = api.JWTScopeProvider{Secret: []byte(cfg.Server.JWTSecret)}
	}
	apiServer := api.NewServer(zapLogger, api.Deps{
		Intents:        svc.intents,
		Notes:          svc.notes,
		Settlement:     svc.settlement,
		Risk:           svc.risk,
		Stream:         stream.NewHandler(gen, checkOrigin(cfg.Server.AllowedOrigins), zapLogger),
		Health:         checker,
		Scopes:         scopes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			zapLogger.Error("API server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	svc.sim.Stop()
	svc.risk.Wait()
	zapLogger.Info("Stopped")
	return nil
}
