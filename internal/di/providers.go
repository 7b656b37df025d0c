package di

import (
	"context"
	"fmt"
	"time"

	domrepo "ScreenPulse/internal/domain/repository"
	"ScreenPulse/internal/analysis"
	"ScreenPulse/internal/autoscale"
	"ScreenPulse/internal/feed"
	"ScreenPulse/internal/handler/api"
	"ScreenPulse/internal/health"
	"ScreenPulse/internal/metrics"
	"ScreenPulse/internal/notify"
	"ScreenPulse/internal/orchestrator"
	internalrepo "ScreenPulse/internal/repository"
	"ScreenPulse/internal/screening"
	"ScreenPulse/internal/syncbuf"
	"ScreenPulse/pkg/cache"
	pkgch "ScreenPulse/pkg/clickhouse"
	"ScreenPulse/pkg/config"
	xhttp "ScreenPulse/pkg/http"
	"ScreenPulse/pkg/logger"
)

// App bundles the running pieces main needs to drive.
type App struct {
	Config *config.Config
	Engine *orchestrator.Engine
	Server *xhttp.Server
	Log    *logger.Logger
}

// ProvideLogger creates the process-wide structured logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	format := "json"
	if cfg.Environment == "development" || cfg.Environment == "test" {
		format = "console"
	}
	return logger.New(&logger.Config{Level: "info", Format: format})
}

// ProvideClickHouseClient creates the ClickHouse client. Schema setup
// happens in ProvideStore.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	client, err := pkgch.NewClient(
		pkgch.WithAddr(cfg.ClickHouse.Host, cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithPool(10, 5, time.Hour),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideCache creates the shared cache service. Redis when enabled,
// in-process otherwise.
func ProvideCache(cfg *config.Config) (cache.Service, error) {
	if cfg.Redis.Enabled {
		redis, err := cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
		)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return redis, nil
	}
	return cache.NewMemoryCache(), nil
}

// ProvideStore creates the persistence layer: the ClickHouse store wrapped
// with a tier cache.
func ProvideStore(cfg *config.Config, ch *pkgch.Client, c cache.Service, log *logger.Logger) (domrepo.Store, error) {
	store := internalrepo.NewClickHouseStore(ch, cfg.Machine.MachineID, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return internalrepo.NewTierCachedStore(store, c, cfg.Redis.TierTTL, log), nil
}

// ProvideMetrics creates the Prometheus recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

// ProvideMarketFeed creates the websocket market feed.
func ProvideMarketFeed(cfg *config.Config, log *logger.Logger) domrepo.MarketFeed {
	return feed.New(cfg.Feed, log)
}

// ProvideAnalyzer creates the HTTP analysis client, wrapped with a verdict
// cache when one is configured.
func ProvideAnalyzer(cfg *config.Config, c cache.Service, log *logger.Logger) domrepo.Analyzer {
	client := analysis.NewClient(cfg.Analyzer)
	if cfg.Analyzer.CacheTTL > 0 {
		return analysis.NewCachedAnalyzer(client, c, cfg.Analyzer.CacheTTL, log)
	}
	return client
}

// ProvideHub creates the websocket notification hub. The hub always
// exists: the control API's event stream uses it even when Kafka is the
// configured sink.
func ProvideHub(log *logger.Logger) *notify.Hub {
	return notify.NewHub(log)
}

// ProvideSink assembles the notification sink from the configured
// transports.
func ProvideSink(cfg *config.Config, hub *notify.Hub, log *logger.Logger) (domrepo.NotificationSink, error) {
	switch cfg.Sink.Type {
	case "websocket":
		return hub, nil
	case "kafka", "both":
		kafkaSink, err := notify.NewKafkaSink(cfg.Kafka, cfg.Sink.Topic, cfg.Machine.MachineID, log)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		// The hub rides along either way: /ws clients and inbound
		// commands flow through it.
		return notify.NewMultiSink(hub, kafkaSink), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

// ProvidePool creates the screening pool with the interpreter-backed
// filter compiler.
func ProvidePool(cfg *config.Config, m domrepo.Metrics, log *logger.Logger) *screening.Pool {
	return screening.NewPool(cfg.Pool, screening.DefaultCompiler(cfg.Pool.EvalTimeout), m, log)
}

// ProvideAutoscaler creates the pool autoscaler.
func ProvideAutoscaler(cfg *config.Config, pool *screening.Pool, log *logger.Logger) *autoscale.Autoscaler {
	return autoscale.New(cfg.Scaling, pool, log)
}

// ProvideSyncBuffer creates the durable write buffer.
func ProvideSyncBuffer(cfg *config.Config, store domrepo.Store, m domrepo.Metrics, log *logger.Logger) *syncbuf.Buffer {
	return syncbuf.NewBuffer(store, cfg.Machine.MachineID, cfg.Sync, m, log)
}

// ProvideHealthRegistry creates the component health registry.
func ProvideHealthRegistry() *health.Registry {
	return health.NewRegistry(60)
}

// ProvideEngine creates the orchestrator.
func ProvideEngine(
	cfg *config.Config,
	store domrepo.Store,
	marketFeed domrepo.MarketFeed,
	analyzer domrepo.Analyzer,
	pool *screening.Pool,
	scaler *autoscale.Autoscaler,
	buffer *syncbuf.Buffer,
	sink domrepo.NotificationSink,
	reg *health.Registry,
	m domrepo.Metrics,
	log *logger.Logger,
) *orchestrator.Engine {
	return orchestrator.New(cfg, store, marketFeed, analyzer, pool, scaler, buffer, sink, reg, m, log)
}

// ProvideServer creates the control API server.
func ProvideServer(cfg *config.Config, engine *orchestrator.Engine, reg *health.Registry, hub *notify.Hub, log *logger.Logger) *xhttp.Server {
	handler := api.NewMachineHandler(engine, reg, hub, log)
	return xhttp.NewServer(handler,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	)
}

// ProvideApp bundles everything main drives.
func ProvideApp(cfg *config.Config, engine *orchestrator.Engine, server *xhttp.Server, log *logger.Logger) *App {
	return &App{Config: cfg, Engine: engine, Server: server, Log: log}
}
