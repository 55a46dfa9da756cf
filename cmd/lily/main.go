// Command lily runs the swim-data entity resolution service: the ingestion API, the
// review queue and the optional Kafka observation feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"

	"github.com/Ramsey-B/lily/config"
	"github.com/Ramsey-B/lily/db"
	"github.com/Ramsey-B/lily/pkg/database"
	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/graph"
	"github.com/Ramsey-B/lily/pkg/ingestion"
	"github.com/Ramsey-B/lily/pkg/kafka"
	"github.com/Ramsey-B/lily/pkg/locking"
	"github.com/Ramsey-B/lily/pkg/matching"
	"github.com/Ramsey-B/lily/pkg/merging"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/redis"
	"github.com/Ramsey-B/lily/pkg/resolution"
	"github.com/Ramsey-B/lily/pkg/routes"
	"github.com/Ramsey-B/lily/pkg/routes/health"
	"github.com/Ramsey-B/lily/pkg/startup"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/store/pgstore"
	"github.com/Ramsey-B/lily/pkg/tracing"
	"github.com/Ramsey-B/lily/pkg/tracing/exporters"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := newZapLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapCfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapCfg.Level = level
	return zapCfg.Build(zap.Fields(zap.String("service", cfg.AppName), zap.String("version", version)))
}

// infra holds the connections startup opens. Unset fields are disabled.
type infra struct {
	db       database.DB
	redis    *redis.Client
	graph    *graph.Client
	producer *kafka.Producer
	consumer *kafka.Consumer
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	if otlpCfg, enabled := cfg.Tracing(); enabled {
		exporter, err := exporters.NewOTLPExporter(ctx, otlpCfg)
		if err != nil {
			return err
		}
		shutdown := tracing.Init(cfg.AppName, version, exporter)
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush traces")
			}
		}()
	}

	var deps infra
	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	registerInfra(boot, cfg, logger, &deps)
	if err := boot.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := boot.Stop(stopCtx); err != nil {
			logger.WithError(err).Error("Failed to stop dependencies cleanly")
		}
	}()

	var st store.Store
	if deps.db != nil {
		st = pgstore.New(deps.db, logger)
	} else {
		logger.Warn("Using the in-memory store, state is lost on exit")
		st = store.NewMemory()
	}

	var locker locking.Locker = locking.NewLocal(cfg.LockTimeout)
	if deps.redis != nil {
		locker = locking.NewRedis(redis.NewLocker(deps.redis, cfg.RedisKeyPrefix), cfg.LockTTL, cfg.LockTimeout, logger)
	}

	var sinks []events.Sink
	if deps.producer != nil {
		sinks = append(sinks, events.NewKafkaSink(deps.producer))
	}
	if deps.graph != nil {
		sinks = append(sinks, graph.NewProjector(deps.graph, logger))
	}

	generator := matching.NewCandidateGenerator(cfg.Blocking(), st, normalizers.Default, logger)
	scorer := matching.NewSimilarityScorer(cfg.Similarity(), normalizers.Default)
	merger := merging.NewManager(st, generator, merging.NewFieldMerger(merging.DefaultStrategies()), logger)
	engine := resolution.NewEngine(logger, cfg.ResolutionPolicy(), st, normalizers.Default, scorer, generator, merger,
		locker, events.NewEmitter(logger, sinks...))
	coordinator := ingestion.NewCoordinator(logger, cfg.Ingestion(), engine, st)

	if cfg.KafkaConsumerEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "kafka-consumer",
			OnStart: func(context.Context) error {
				deps.consumer = kafka.NewConsumer(cfg.Consumer(), logger, coordinator.HandleMessage)
				return deps.consumer.Start(ctx)
			},
			OnStop: func(context.Context) error { return deps.consumer.Stop() },
		})
		if err := boot.Start(ctx); err != nil {
			return err
		}
	}

	checker := health.NewChecker(version)
	addHealthChecks(checker, &deps)
	server := routes.NewServer(serverOptions(cfg), logger, coordinator, engine, checker)
	checker.SetReady(true)

	logger.WithFields(map[string]any{"store": cfg.StoreDriver, "port": cfg.Port}).Info("Service started")
	err := server.Start(ctx)
	checker.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutting down")
	return nil
}

// registerInfra adds every enabled external dependency to boot. Connections land in deps
// once their dependency starts.
func registerInfra(boot *startup.Startup, cfg *config.Config, logger ectologger.Logger, deps *infra) {
	if cfg.StoreDriver == "postgres" {
		boot.AddDependency(startup.Dependency{
			Name: "postgres",
			OnStart: func(ctx context.Context) error {
				conn, err := database.Connect(ctx, cfg.DatabaseURL(), database.PoolConfig{
					MaxOpenConns:    cfg.DatabaseMaxOpenConns,
					MaxIdleConns:    cfg.DatabaseMaxIdleConns,
					ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
				}, logger)
				if err != nil {
					return err
				}
				migrations := database.NewMigrationService(logger, cfg.MigrationConfig())
				if err := migrations.Migrate(conn.Unwrap(), cfg.DatabaseName, db.Migrations); err != nil {
					_ = conn.Close()
					return err
				}
				deps.db = conn
				return nil
			},
			OnStop: func(context.Context) error { return deps.db.Close() },
		})
	}

	if cfg.RedisEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "redis",
			OnStart: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, cfg.Redis(), logger)
				if err != nil {
					return err
				}
				deps.redis = client
				return nil
			},
			OnStop: func(context.Context) error { return deps.redis.Close() },
		})
	}

	if cfg.GraphEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "graph",
			OnStart: func(ctx context.Context) error {
				client, err := graph.NewClient(cfg.Graph(), logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					_ = client.Close(ctx)
					return err
				}
				deps.graph = client
				return nil
			},
			OnStop: func(ctx context.Context) error { return deps.graph.Close(ctx) },
		})
	}

	if cfg.KafkaProducerEnabled {
		boot.AddDependency(startup.Dependency{
			Name: "kafka-producer",
			OnStart: func(context.Context) error {
				deps.producer = kafka.NewProducer(cfg.Producer(), logger)
				return nil
			},
			OnStop: func(context.Context) error { return deps.producer.Close() },
		})
	}
}

func addHealthChecks(checker *health.Checker, deps *infra) {
	if deps.db != nil {
		checker.AddCheck("postgres", health.PingFunc(deps.db.PingContext))
	}
	if deps.redis != nil {
		checker.AddCheck("redis", deps.redis)
	}
	if deps.graph != nil {
		checker.AddCheck("graph", health.PingFunc(deps.graph.VerifyConnectivity))
	}
	if deps.consumer != nil {
		consumer := deps.consumer
		checker.AddCheck("kafka-consumer", health.PingFunc(func(context.Context) error {
			if !consumer.Health() {
				return errors.New("consumer is not running")
			}
			return nil
		}))
	}
}

func serverOptions(cfg *config.Config) routes.Options {
	return routes.Options{
		ServiceName:       cfg.AppName,
		Port:              cfg.Port,
		ReadTimeout:       seconds(cfg.HttpServerReadTimeoutSeconds),
		ReadHeaderTimeout: seconds(cfg.ReadHeaderTimeoutSeconds),
		WriteTimeout:      seconds(cfg.HttpServerWriteTimeoutSeconds),
		IdleTimeout:       seconds(cfg.HttpServerIdleTimeoutSeconds),
		ShutdownTimeout:   cfg.ShutdownTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		AllowOrigins:      cfg.AllowOrigins,
		AllowMethods:      cfg.AllowMethods,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
