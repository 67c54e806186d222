package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/percolator/internal/mapping"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/consumer"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/handler"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/index"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/lookup"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/percolator/store"
	"github.com/Adithya-Monish-Kumar-K/percolator/internal/query"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/percolator/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/percolator/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("percolator service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("percolator service stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting percolator service",
		"port", cfg.Server.Port,
		"field", cfg.Percolator.FieldName,
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()

	fieldMapping, err := mapping.Load(cfg.Percolator.MappingPath)
	if err != nil {
		return fmt.Errorf("loading mapping: %w", err)
	}
	slog.Info("mapping loaded",
		"path", cfg.Percolator.MappingPath,
		"fields", len(fieldMapping.Fields()),
	)

	var source query.TermsSource
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisClient.Close()
		source = lookup.NewSource(redisClient, cfg.Lookup, m)
		checker.Register("redis", health.PingCheck(redisClient.Ping))
		slog.Info("terms lookups enabled", "addr", cfg.Redis.Addr)
	} else {
		slog.Warn("redis disabled, queries with terms lookups will be rejected")
	}

	opts := []percolator.Option{percolator.WithMetrics(m)}
	var recordStore *store.Store
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		recordStore = store.New(db)
		if err := recordStore.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, percolator.WithStore(recordStore))
		checker.Register("postgres", health.PingCheck(db.DB.PingContext))
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.QueryRegistered)
		defer producer.Close()
		opts = append(opts, percolator.WithPublisher(producer))
	}

	var rewriter query.Rewriter
	if source != nil {
		rewriter = query.NewRewriter(source)
	}
	engine, err := percolator.NewEngine(cfg.Percolator, fieldMapping, rewriter, opts...)
	if err != nil {
		return fmt.Errorf("creating percolator engine: %w", err)
	}
	defer engine.Close()

	if recordStore != nil && engine.SegmentCount() == 0 {
		restored := 0
		err := recordStore.Each(ctx, func(rec index.Record) error {
			restored++
			return engine.Restore(rec)
		})
		if err != nil {
			return fmt.Errorf("restoring records from postgres: %w", err)
		}
		slog.Info("records restored from postgres", "count", restored)
	}

	engine.StartFlushLoop(ctx)
	checker.Register("percolator_engine", func(ctx context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d segments active", engine.SegmentCount()),
		}
	})

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	h := handler.New(engine)
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("percolator service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Kafka.Enabled {
		registerConsumer := consumer.New(kafka.NewConsumer(
			cfg.Kafka,
			cfg.Kafka.Topics.PercolatorRegister,
			consumer.HandleMessage(engine),
		))
		g.Go(func() error {
			return registerConsumer.Start(gctx)
		})
		slog.Info("consuming registrations from kafka",
			"topic", cfg.Kafka.Topics.PercolatorRegister,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}
	return g.Wait()
}
