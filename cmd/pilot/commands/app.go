package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stackpilot/stackpilot/pkg/api"
	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/policy"
	"github.com/stackpilot/stackpilot/pkg/stores"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
	transport "github.com/stackpilot/stackpilot/pkg/transports/ssh"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg       *config.ServerConfig
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store      *stores.SQLiteStore
	runner     *engine.SSHRunner
	redis      *redis.Client
	pool       *engine.WorkerPool
	deps       *engine.Deps
	hosts      *engine.HostRegistry
	installer  *engine.Installer
	tasks      *engine.TaskRunner
	bootstrap  *engine.Bootstrapper
	deployer   *engine.Deployer
	dispatcher *engine.Dispatcher
	ingestor   *engine.SampleIngestor
	schemas    *config.SchemaRegistry
	policies   *policy.Engine
	tokens     *api.TokenService
}

type appOptions struct {
	// withPool runs jobs on a worker pool instead of inline.
	withPool bool

	// skipMigrate leaves the schema untouched, for the migrate command.
	skipMigrate bool
}

func loadConfig() (*config.ServerConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if jsonOutput {
		cfg.Telemetry.LogFormat = "json"
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

func telemetryConfig(cfg *config.ServerConfig) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if appVersion != "" {
		tc.ServiceVersion = appVersion
	}
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Logging.Output = "stderr"
	tc.Metrics.Enabled = cfg.Telemetry.Metrics
	tc.Tracing.Exporter = cfg.Telemetry.Tracing
	tc.Tracing.Enabled = cfg.Telemetry.Tracing != "none"
	tc.Tracing.Endpoint = cfg.Telemetry.OTLPEndpoint
	return tc
}

// newApp wires the store, runner, locker and every job type. Close releases
// what it opened.
func newApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
	if err != nil {
		return nil, err
	}
	a = &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("cli").Zerolog(),
	}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.store, err = stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Logger:       tel.Logger.Zerolog(),
	})
	if err != nil {
		return a, err
	}
	if err = a.store.Init(ctx); err != nil {
		return a, fmt.Errorf("failed to open store: %w", err)
	}
	if !opts.skipMigrate {
		if err = a.store.Migrate(ctx); err != nil {
			return a, err
		}
	}

	keys, err := transport.EnsureKeyPair(filepath.Dir(cfg.SSH.KeyPath), filepath.Base(cfg.SSH.KeyPath))
	if err != nil {
		return a, err
	}
	a.runner = engine.NewSSHRunner(transport.NewPool(), engine.SSHRunnerConfig{
		Signer:                keys.Signer,
		KnownHostsPath:        cfg.SSH.KnownHostsPath,
		StrictHostKeyChecking: cfg.SSH.KnownHostsPath != "",
		ConnectTimeout:        cfg.SSH.ConnectTimeout,
		KeepAliveInterval:     cfg.SSH.KeepAlive,
	}, tel.Logger.Zerolog())

	locker, err := a.newLocker(ctx)
	if err != nil {
		return a, err
	}

	a.deps = &engine.Deps{
		Store:     a.store,
		Runner:    a.runner,
		Locker:    locker,
		Publisher: tel.Hub,
		Metrics:   tel.Metrics,
		Tracer:    tel.Tracer,
		Logger:    tel.Logger,
	}

	if opts.withPool {
		a.pool = engine.NewWorkerPool(a.deps, cfg.Engine.Workers, cfg.Engine.QueueSize)
	}

	if cfg.Ingest.JWTSecret != "" {
		a.tokens, err = api.NewTokenService(cfg.Ingest.JWTSecret, cfg.Ingest.TokenTTL)
		if err != nil {
			return a, err
		}
	}

	var admission engine.Admission
	if cfg.Policy.Enabled {
		limits := make(map[engine.Kind]int, len(cfg.Policy.Limits))
		for kind, n := range cfg.Policy.Limits {
			limits[engine.Kind(kind)] = n
		}
		a.policies, err = policy.NewEngine(tel.Logger.Zerolog(), policy.Options{
			Limits: limits,
			Admins: cfg.Policy.Admins,
		})
		if err != nil {
			return a, err
		}
		if cfg.Policy.Dir != "" {
			if err = a.policies.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
				return a, err
			}
		}
		admission = a.policies
	}

	a.schemas = config.NewSchemaRegistry()
	a.hosts = engine.NewHostRegistry(a.deps)
	a.ingestor = engine.NewSampleIngestor(a.deps)
	a.installer = engine.NewInstaller(a.deps, engine.NewEmitter(a.deps), cfg.Engine.InstallerTimeout)
	a.tasks = engine.NewTaskRunner(a.deps, a.pool)
	a.installer.OnSettled(a.tasks.Sync)

	var issuer engine.TokenIssuer
	if a.tokens != nil {
		issuer = a.tokens
	}
	a.bootstrap = engine.NewBootstrapper(a.deps, a.pool, engine.BootstrapConfig{
		AuthorizedKey: keys.AuthorizedKey,
		IngestURL:     cfg.Server.PublicURL,
		StepTimeout:   cfg.Engine.BootstrapStepTimeout,
	}, issuer)
	a.deployer = engine.NewDeployer(a.deps, a.pool, cfg.Engine.DeployTimeout)
	a.dispatcher = engine.NewDispatcher(a.deps, engine.DispatcherOptions{
		Pool:         a.pool,
		Installer:    a.installer,
		Bootstrapper: a.bootstrap,
		Tasks:        a.tasks,
		Deployer:     a.deployer,
		Schemas:      a.schemas,
		Admission:    admission,
	})
	return a, nil
}

func (a *app) newLocker(ctx context.Context) (engine.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return engine.NewMemoryLocker(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr: a.cfg.Lock.RedisAddr,
		DB:   a.cfg.Lock.RedisDB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Lock.RedisAddr, err)
	}
	a.logger.Debug().Str("addr", a.cfg.Lock.RedisAddr).Msg("using redis locks")
	return engine.NewRedisLocker(a.redis, a.cfg.Lock.Prefix), nil
}

// server builds the HTTP API over the wired engine.
func (a *app) server() *api.Server {
	opts := api.Options{
		Dispatcher:   a.dispatcher,
		Hosts:        a.hosts,
		Store:        a.store,
		Ingestor:     a.ingestor,
		Tokens:       a.tokens,
		Hub:          a.telemetry.Hub,
		Logger:       a.telemetry.Logger.Zerolog(),
		MaxBodyBytes: a.cfg.Webhook.MaxBodyBytes,
	}
	if a.cfg.Telemetry.Metrics {
		opts.Metrics = a.telemetry.Metrics
	}
	return api.NewServer(opts)
}

// Close stops the pool and releases connections. Errors are logged.
func (a *app) Close(ctx context.Context) {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Stop(ctx))
	}
	if a.runner != nil {
		errs = append(errs, a.runner.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown incomplete")
	}
}
