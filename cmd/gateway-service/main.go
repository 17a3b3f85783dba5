// Package main is the entry point for the policy decision gateway.
// It answers access requests against the active policy version and records
// every decision and policy change in a hash-chained ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/config"
	"github.com/policygate/policygate/internal/common/database"
	"github.com/policygate/policygate/internal/common/events"
	"github.com/policygate/policygate/internal/common/health"
	"github.com/policygate/policygate/internal/common/logger"
	"github.com/policygate/policygate/internal/common/middleware"
	"github.com/policygate/policygate/internal/common/shutdown"
	"github.com/policygate/policygate/internal/common/tracing"
	"github.com/policygate/policygate/internal/gateway"
	"github.com/policygate/policygate/internal/identity"
	"github.com/policygate/policygate/internal/ledger"
	"github.com/policygate/policygate/internal/policy"
	"github.com/policygate/policygate/internal/sinks"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

const serviceName = "gateway-service"

func main() {
	log := logger.WithService(logger.New(), serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("Starting policy gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load(serviceName)
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg.LogSecurityWarnings(log)

	ctx, stop := shutdown.SignalContext(context.Background())
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Gateway stopped with error", zap.Error(err))
	}
	log.Info("Gateway exited")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	sm := shutdown.New(log, 30*time.Second)

	shutdownTracer, err := tracing.Init(ctx, tracing.ConfigFromEnv(serviceName, cfg.Environment), log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		sm.OnShutdown("tracer", shutdownTracer)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	healthSvc := health.NewHealthService(log, Version)

	// Shared connections are opened only when some component needs them
	var db *database.PostgresDB
	if cfg.Policy.Backend == "postgres" || cfg.Ledger.Backend == "postgres" {
		db, err = database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to PostgreSQL: %w", err)
		}
		sm.OnShutdown("postgres", func(context.Context) error { return db.Close() })
		healthSvc.RegisterCheck(health.NewPingChecker("postgres", db, 200*time.Millisecond))
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rc, err := database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect to Redis: %w", err)
		}
		rdb = rc.Client
		sm.OnShutdown("redis", func(context.Context) error { return rc.Close() })
		healthSvc.RegisterCheck(health.NewPingChecker("redis", rc, 100*time.Millisecond))
	}

	bus := events.NewMemoryBus(cfg.Sinks.QueueSize)
	bus.SetErrorHandler(func(sub *events.Subscription, err error) {
		log.Warn("Audit sink failed", zap.String("sink", sub.Name), zap.Error(err))
	})

	backend, closeBackend, err := openLedgerBackend(ctx, cfg.Ledger, db)
	if err != nil {
		return err
	}
	sm.OnShutdown("ledger_backend", func(context.Context) error { return closeBackend() })

	ledgerOpts := []ledger.Option{ledger.WithEventBus(bus), ledger.WithLogger(log)}
	if cfg.Ledger.HMACSecret != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithHMACSecret(cfg.Ledger.HMACSecret))
	}
	l, err := ledger.Open(ctx, backend, ledgerOpts...)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	log.Info("Ledger opened", zap.String("backend", cfg.Ledger.Backend), zap.Int64("entries", l.Len()))

	store, err := openPolicyStore(ctx, cfg.Policy, db, log)
	if err != nil {
		return err
	}
	if err := restorePolicyHistory(ctx, store, l, log); err != nil {
		return err
	}

	resolver, err := identity.FromConfig(cfg.Resolver, rdb, log)
	if err != nil {
		return fmt.Errorf("build identity resolver: %w", err)
	}
	if ir, ok := identity.FindIntrospection(resolver); ok {
		healthSvc.RegisterCheck(health.CheckFunc{CheckName: "token_introspection", Fn: ir.Ready})
	}

	gw := gateway.New(resolver, store, l, gateway.Config{
		ResolveTimeout: cfg.Gateway.ResolveTimeout,
		PolicyTimeout:  cfg.Gateway.PolicyTimeout,
	}, log)

	if err := bootstrapPolicy(ctx, gw, cfg.Policy.BootstrapFile, log); err != nil {
		return err
	}

	stream, err := attachSinks(ctx, cfg, bus, rdb, sm, log)
	if err != nil {
		return err
	}
	// registered after the sinks so queued events are delivered before they close
	sm.OnShutdown("event_bus", func(context.Context) error { return bus.Close() })

	var chainBroken atomic.Pointer[ledger.IntegrityError]
	monitor := ledger.NewMonitor(l, cfg.Ledger.VerifyInterval, bus, log)
	monitor.OnBroken = func(err *ledger.IntegrityError) { chainBroken.Store(err) }
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go monitor.Run(monitorCtx)
	sm.OnShutdown("ledger_monitor", func(context.Context) error {
		stopMonitor()
		return nil
	})
	healthSvc.RegisterCheck(health.CheckFunc{CheckName: "ledger", Fn: func(ctx context.Context) error {
		if err := chainBroken.Load(); err != nil {
			return err
		}
		return nil
	}})

	var limiter *middleware.SlidingWindowLimiter
	if rdb != nil && cfg.Admin.RateLimitPerMinute > 0 {
		limiter = middleware.NewSlidingWindowLimiter(rdb, "policygate:ratelimit:admin:", cfg.Admin.RateLimitPerMinute, time.Minute)
	}

	router := gateway.NewRouter(gw, gateway.RouterConfig{
		ServiceName:    serviceName,
		Production:     cfg.IsProduction(),
		AdminKeyHash:   cfg.Admin.APIKeyHash,
		AllowOpenAdmin: cfg.IsDevelopment(),
		AdminLimiter:   limiter,
		Health:         healthSvc,
		Stream:         stream,
		Logger:         log,
	})

	sm.Serve("http", &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	})
	log.Info("Gateway listening", zap.Int("port", cfg.Port))

	return sm.Run(ctx)
}

// openLedgerBackend returns the configured backend and a func releasing it
func openLedgerBackend(ctx context.Context, cfg config.LedgerConfig, db *database.PostgresDB) (ledger.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "memory", "":
		return ledger.NewMemoryBackend(), noop, nil
	case "file":
		b, err := ledger.NewFileBackend(cfg.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger file: %w", err)
		}
		return b, b.Close, nil
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("postgres ledger backend needs a database connection")
		}
		b, err := ledger.NewPostgresBackend(ctx, db)
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger table: %w", err)
		}
		return b, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

func openPolicyStore(ctx context.Context, cfg config.PolicyConfig, db *database.PostgresDB, log *zap.Logger) (policy.Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return policy.NewMemoryStore(), nil
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres policy backend needs a database connection")
		}
		s, err := policy.NewPostgresStore(ctx, db, log)
		if err != nil {
			return nil, fmt.Errorf("open policy store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown policy backend %q", cfg.Backend)
	}
}

// restorePolicyHistory refills a memory store from the ledger so version ids
// keep counting from where the previous process stopped. Other stores
// persist their own versions.
func restorePolicyHistory(ctx context.Context, store policy.Store, l *ledger.Ledger, log *zap.Logger) error {
	ms, ok := store.(*policy.MemoryStore)
	if !ok || l.Len() == 0 {
		return nil
	}
	n, err := gateway.RestorePolicies(ctx, l, ms)
	if err != nil {
		return fmt.Errorf("restore policy history from ledger: %w", err)
	}
	if n > 0 {
		log.Info("Policy history restored from ledger", zap.Int("versions", n))
	}
	return nil
}

// bootstrapPolicy publishes path as version 1 when the store holds no
// versions yet. Publishing goes through the gateway so it is audited.
func bootstrapPolicy(ctx context.Context, gw *gateway.Gateway, path string, log *zap.Logger) error {
	if path == "" {
		return nil
	}
	versions, err := gw.Versions(ctx)
	if err != nil {
		return fmt.Errorf("list policy versions: %w", err)
	}
	if len(versions) > 0 {
		log.Info("Policy store already populated, skipping bootstrap", zap.Int("versions", len(versions)))
		return nil
	}

	f, err := policy.LoadFile(path)
	if err != nil {
		return fmt.Errorf("bootstrap policy: %w", err)
	}
	author := f.Author
	if author == "" {
		author = "bootstrap"
	}
	v, err := gw.Publish(ctx, f.Rules, author)
	if err != nil {
		return fmt.Errorf("publish bootstrap policy: %w", err)
	}
	log.Info("Bootstrap policy published", zap.String("file", path), zap.Int64("version", v.ID))
	return nil
}

// attachSinks subscribes the configured secondary consumers to the bus.
// The websocket hub is always attached and returned for the router.
func attachSinks(ctx context.Context, cfg *config.Config, bus events.Bus, rdb *redis.Client, sm *shutdown.Manager, log *zap.Logger) (*sinks.StreamHub, error) {
	stream := sinks.NewStreamHub(log, cfg.Admin.AllowedOrigins...)
	sm.OnShutdown("audit_stream", func(context.Context) error {
		stream.Close()
		return nil
	})
	attached := []sinks.Sink{stream}

	if cfg.Sinks.RedisStream != "" && rdb != nil {
		attached = append(attached, sinks.NewRedisStreamSink(rdb, cfg.Sinks.RedisStream, 100000))
	}

	if cfg.Sinks.ElasticsearchIndex != "" {
		es, err := database.NewElasticsearch(cfg.ElasticsearchURL)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch sink: %w", err)
		}
		sink := sinks.NewElasticsearchSink(es, cfg.Sinks.ElasticsearchIndex)
		if err := sink.EnsureIndex(ctx); err != nil {
			log.Warn("Could not create audit index, indexing will retry per entry", zap.Error(err))
		}
		attached = append(attached, sink)
	}

	if len(cfg.Sinks.KafkaBrokers) > 0 {
		sink := sinks.NewKafkaSink(sinks.NewKafkaWriter(cfg.Sinks.KafkaBrokers, cfg.Sinks.KafkaTopic))
		sm.OnShutdown("kafka_sink", func(context.Context) error { return sink.Close() })
		attached = append(attached, sink)
	}

	sinks.Attach(bus, log, attached...)
	return stream, nil
}
