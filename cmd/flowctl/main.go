// Package main is the flowctl operator CLI. It loads configuration, wires the
// flow engine against the configured store, and exposes template validation,
// schema migration and flow transitions as subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/authz"
	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/flow"
	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/workorder"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c := newCLI()
	defer c.close()

	if err := newRootCommand(c).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// cli holds state shared by subcommands.
type cli struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
	promReg *prometheus.Registry

	registry *flow.Registry
	metrics  *observability.Metrics
	store    flow.Store
	idem     idempotency.Store
	engine   *flow.Engine

	closers []func()
}

func newCLI() *cli {
	return &cli{v: viper.New(), promReg: prometheus.NewRegistry()}
}

func (c *cli) setupFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file. Defaults plus WORKORDER_* environment when empty.")
	flags.String("store-driver", "", "Flow store driver (memory, postgres). Overrides the config file.")
	flags.String("log-level", "", "Log level (debug, info, warn, error). Overrides the config file.")
	flags.String("log-format", "", "Log format (json, console). Overrides the config file.")
	flags.Duration("transition-timeout", 0, "Per-transition deadline. Overrides the config file.")
	flags.StringSlice("definitions", nil, "Extra template directories, added to the configured ones.")
	flags.String("metrics-file", "", "Write metrics in Prometheus text format to this file on exit.")
	return c.v.BindPFlags(flags)
}

// setupConfig loads the config file and applies flag overrides.
func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return err
	}

	if c.v.IsSet("store-driver") {
		cfg.Store.Driver = c.v.GetString("store-driver")
	}
	if c.v.IsSet("log-level") {
		cfg.Observability.LogLevel = c.v.GetString("log-level")
	}
	if c.v.IsSet("log-format") {
		cfg.Observability.LogFormat = c.v.GetString("log-format")
	}
	if c.v.IsSet("transition-timeout") {
		cfg.Engine.TransitionTimeout = c.v.GetDuration("transition-timeout")
	}
	cfg.Definitions.Directories = append(cfg.Definitions.Directories, c.v.GetStringSlice("definitions")...)

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}

	observability.Version = version
	observability.Commit = commit
	shutdown, err := observability.InitTracing(cmd.Context(), cfg.Observability.Tracing, "workorder-flowctl", version)
	if err != nil {
		return err
	}
	c.addCloser(func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	})

	c.cfg = cfg
	c.logger = logger
	return nil
}

// loadRegistry builds the template registry once.
func (c *cli) loadRegistry() (*flow.Registry, error) {
	if c.registry != nil {
		return c.registry, nil
	}
	reg, err := workorder.BuildRegistry(c.cfg.Definitions.Directories...)
	if err != nil {
		return nil, err
	}
	c.registry = reg
	return reg, nil
}

// open wires the engine and every store it depends on.
func (c *cli) open(ctx context.Context) error {
	if c.engine != nil {
		return nil
	}

	registry, err := c.loadRegistry()
	if err != nil {
		return err
	}

	if c.cfg.Observability.Metrics.Enabled {
		c.metrics = observability.InitMetrics(c.promReg)
		c.metrics.SetTemplatesLoaded(len(registry.All()))
		if path := c.v.GetString("metrics-file"); path != "" {
			c.addCloser(func() {
				if err := prometheus.WriteToTextfile(path, c.promReg); err != nil {
					c.logger.Warn("writing metrics file failed", zap.String("path", path), zap.Error(err))
				}
			})
		}
	}

	store, closer, err := buildFlowStore(ctx, c.cfg.Store, c.logger)
	if err != nil {
		return err
	}
	c.store = store
	c.addCloser(closer)

	resolver, err := buildRoleResolver(c.cfg.Authz)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		resolver.SetObserver(c.metrics)
	}

	opts := []flow.Option{
		flow.WithLogger(c.logger),
		flow.WithMetrics(c.metrics),
		flow.WithAuthorizer(authz.NewAuthorizer(resolver)),
		flow.WithTransitionTimeout(c.cfg.Engine.TransitionTimeout),
	}

	idem, idemCloser, err := buildIdempotencyStore(ctx, c.cfg.Idempotency, c.logger)
	if err != nil {
		return err
	}
	c.addCloser(idemCloser)
	if idem != nil {
		c.idem = idem
		opts = append(opts, flow.WithIdempotency(idem, c.cfg.Idempotency.Store.DefaultTTL))
	}

	c.engine = flow.NewEngine(registry, store, opts...)
	return nil
}

func (c *cli) addCloser(fn func()) {
	if fn != nil {
		c.closers = append(c.closers, fn)
	}
}

func (c *cli) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// buildFlowStore creates the flow store based on config.
func buildFlowStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (flow.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory flow store")
		return flow.NewMemoryStore(), nil, nil
	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return flow.NewPgStore(pool, flow.WithLockTimeout(cfg.LockTimeout)), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported flow store driver: %q", cfg.Driver)
	}
}

// openPool connects to PostgreSQL with query tracing enabled.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("flow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("flow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("flow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("flow store: ping: %w", err)
	}
	return pool, nil
}

// buildRoleResolver creates the role resolver, backed by the static policy
// file when one is configured.
func buildRoleResolver(cfg config.AuthzConfig) (*authz.Resolver, error) {
	if cfg.PolicyFile == "" {
		return authz.NewResolver(authz.DeclaredRoles{}, cfg.Cache.TTL), nil
	}
	policy, err := authz.NewStaticPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("authz policy: %w", err)
	}
	return authz.NewResolver(policy, cfg.Cache.TTL), nil
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil, nil
	case config.DriverRedis:
		addr := cfg.Store.Addr()
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		return idempotency.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
