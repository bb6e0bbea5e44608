package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"whalewatch/internal/alerting"
	"whalewatch/internal/config"
	"whalewatch/internal/dispatch"
	"whalewatch/internal/observability"
	"whalewatch/internal/pricing"
	"whalewatch/internal/queue"
	"whalewatch/internal/scheduler"
	"whalewatch/internal/server"
	"whalewatch/internal/service"
	"whalewatch/internal/storage"
	"whalewatch/internal/storage/migrations"
	"whalewatch/internal/version"
)

// migrationLockKey serialises schema changes across replicas.
const migrationLockKey int64 = 0x7768616c65

var errNoDatabase = fmt.Errorf("database.dsn not configured: %w", storage.ErrNotConfigured)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// stores bundles the rule and history backends with their closer.
type stores struct {
	rules   storage.RuleStore
	history storage.HistoryStore
	pg      *storage.Store
	close   func()
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openStores returns the postgres store, or an in-memory one when
// allowMemory is set and no DSN is configured.
func (a *App) openStores(ctx context.Context, allowMemory bool) (*stores, error) {
	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if pg == nil {
		if !allowMemory {
			return nil, errNoDatabase
		}
		a.Logger.Warn().Msg("database.dsn not configured; rules and history are kept in memory and lost on exit")
		mem := storage.NewMemoryStore()
		return &stores{rules: mem, history: mem, close: func() {}}, nil
	}

	if a.Config.Database.AutoMigrate {
		if err := a.migrate(ctx, pg); err != nil {
			closeStore()
			return nil, err
		}
	}
	return &stores{rules: pg, history: pg, pg: pg, close: closeStore}, nil
}

func (a *App) migrate(ctx context.Context, pg *storage.Store) error {
	unlock, acquired, err := pg.TryAdvisoryLock(ctx, migrationLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		a.Logger.Info().Msg("migration lock held by another instance, skipping")
		return nil
	}
	defer unlock()

	if err := migrations.RunPostgresMigrations(ctx, pg.Pool()); err != nil {
		return err
	}
	files, _ := migrations.Files()
	a.Logger.Info().Int("files", len(files)).Msg("database migrations applied")
	return nil
}

// openQueue connects to redis, or falls back to a process-local queue when
// allowMemory is set and no address is configured.
func (a *App) openQueue(ctx context.Context, allowMemory bool) (queue.Queue, func(), error) {
	qcfg := a.Config.Queue
	if a.Config.Redis.Addr == "" {
		if !allowMemory {
			return nil, nil, errors.New("redis.addr not configured")
		}
		a.Logger.Warn().Msg("redis.addr not configured; delivery queue is in memory and not durable")
		return queue.NewMemoryQueue(qcfg.PollTimeout), func() {}, nil
	}

	rdb := queue.NewRedisClient(a.Config.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", a.Config.Redis.Addr, err)
	}
	q := queue.NewRedisQueue(rdb, a.Config.Redis.Prefix, qcfg.PollTimeout)
	return q, func() { _ = rdb.Close() }, nil
}

func (a *App) newQuoteSource() pricing.QuoteSource {
	pc := a.Config.Pricing
	switch strings.ToLower(pc.Source) {
	case "chainlink":
		return pricing.NewChainlink(pricing.ChainlinkOptions{
			RPCURL:     pc.Chainlink.RPCURL,
			Aggregator: pc.Chainlink.Aggregator,
			Timeout:    pc.Timeout,
		}, a.Logger)
	default:
		return pricing.NewCoinGecko(pricing.CoinGeckoOptions{
			BaseURL:   pc.CoinGecko.BaseURL,
			APIKey:    pc.CoinGecko.APIKey,
			Timeout:   pc.Timeout,
			UserAgent: version.UserAgent(),
		}, a.Logger)
	}
}

func (a *App) newOracle(source pricing.QuoteSource, metrics *observability.Metrics) *pricing.Oracle {
	pc := a.Config.Pricing
	return pricing.NewOracle(source, pricing.OracleOptions{
		TTL:          pc.TTL,
		Timeout:      pc.Timeout,
		FallbackRate: decimal.NewFromFloat(pc.FallbackRate),
		Recorder:     metrics,
	}, a.Logger)
}

func (a *App) retryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{Attempts: a.Config.Queue.Attempts, Backoff: a.Config.Queue.Backoff}
}

func (a *App) newPipeline(st *stores, q queue.Queue, oracle *pricing.Oracle, metrics *observability.Metrics) *dispatch.Pipeline {
	return dispatch.NewPipeline(st.rules, st.history, q, oracle, dispatch.Options{
		Policy:        a.retryPolicy(),
		ExplorerURL:   a.Config.Notify.ExplorerURL,
		DefaultEmail:  a.Config.Notify.DefaultEmail,
		DefaultChatID: a.Config.Notify.DefaultChatID,
		Recorder:      metrics,
	}, a.Logger)
}

func (a *App) newSender(metrics *observability.Metrics) *alerting.Sender {
	transports := alerting.TransportsFromConfig(a.Config.Notify, a.Logger)
	if len(transports) == 0 {
		a.Logger.Warn().Msg("no notification channel enabled; every delivery will be dead-lettered")
	}
	return alerting.NewSender(transports, alerting.SenderOptions{
		ChannelTimeout: a.Config.Notify.ChannelTimeout,
		Recorder:       metrics,
	}, a.Logger)
}

// Serve runs the webhook server, delivery workers and price warm-up until
// SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStores(ctx, true)
	if err != nil {
		return err
	}
	defer st.close()

	q, closeQueue, err := a.openQueue(ctx, true)
	if err != nil {
		return err
	}
	defer closeQueue()

	metrics := observability.NewMetrics(a.Config.App.Name)
	oracle := a.newOracle(a.newQuoteSource(), metrics)
	pipeline := a.newPipeline(st, q, oracle, metrics)
	runner := dispatch.NewRunner(pipeline, dispatch.RunnerOptions{
		MaxConcurrent: a.Config.Webhook.MaxConcurrent,
		MaxPending:    a.Config.Webhook.MaxPending,
		Timeout:       a.Config.Webhook.EventTimeout,
	}, a.Logger)
	sender := a.newSender(metrics)

	pool := queue.NewPool(q, sender.HandleJob, queue.PoolOptions{
		Workers:    a.Config.Queue.Workers,
		JobTimeout: a.Config.Queue.JobTimeout,
		Recorder:   metrics,
	}, a.Logger)

	srv := server.New(a.Config.Server, a.Config.Webhook, server.Options{
		Submitter: runner,
		Recorder:  metrics,
		Metrics:   metrics.Handler(),
		Checks:    a.healthChecks(st, q),
	}, a.Logger)

	if a.Config.Webhook.AuthToken == "" {
		a.Logger.Warn().Msg("webhook.auth_token not set; webhook accepts unauthenticated requests")
	}

	svc := service.New(service.Deps{
		Server: srv,
		Runner: runner,
		Pool:   pool,
		Queue:  q,
		Oracle: oracle,
		Depth:  metrics,
		Price: scheduler.New(scheduler.Options{
			Name:       "price_warmup",
			Interval:   a.Config.Pricing.RefreshInterval,
			RunOnStart: true,
		}, a.Logger),
		Sampler: scheduler.New(scheduler.Options{
			Name:     "queue_depth",
			Interval: 15 * time.Second,
		}, a.Logger),
	}, a.Config.Server.ShutdownTimeout, a.Logger)

	a.Logger.Info().Str("version", version.Version).Msg("starting whale watcher")
	return svc.Run(ctx)
}

func (a *App) healthChecks(st *stores, q queue.Queue) map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{
		"queue": func(ctx context.Context) error {
			_, err := q.Stats(ctx)
			if errors.Is(err, redis.ErrClosed) {
				return errors.New("redis client closed")
			}
			return err
		},
	}
	if st.pg != nil {
		checks["database"] = func(ctx context.Context) error {
			return st.pg.Pool().Ping(ctx)
		}
	}
	return checks
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	RuleID    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	RuleID string
	Since  time.Duration
}

// ReplayOptions select recorded alerts to deliver again.
type ReplayOptions struct {
	From   time.Time
	To     time.Time
	RuleID string
	DryRun bool
}
