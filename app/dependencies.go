package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atlasconnect/pam/config"
	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/atlasconnect/pam/repositories/memory"
	"github.com/atlasconnect/pam/repositories/postgres"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/atlasconnect/pam/services/elevation"
	"github.com/atlasconnect/pam/services/policy"
	"github.com/atlasconnect/pam/services/stream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options tweak wiring at startup
type Options struct {
	// InitSchema creates the PostgreSQL tables before serving
	InitSchema bool
	// StartWorkers starts the ledger writers, scheduler and reload worker
	StartWorkers bool
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil with in-memory storage
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Elevations repositories.ElevationRepository
	AuditLog   repositories.AuditRepository
	Settings   repositories.SettingsRepository

	// Services
	Policy    *policy.ConfigStore
	Ledger    *audit.Ledger
	Engine    *elevation.Engine
	Scheduler *elevation.Scheduler
	Hub       *stream.Hub // nil when streaming is disabled

	Redis *redis.Client // nil without a scheduler lease

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	stopReload chan struct{}
	started    bool
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Dependencies, error) {
	deps := &Dependencies{
		Config:     cfg,
		Logger:     logger,
		stopReload: make(chan struct{}),
	}

	if err := deps.initStorage(ctx, cfg, opts.InitSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initPolicy(ctx, cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize policy: %w", err)
	}

	if err := deps.initLedger(cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize audit ledger: %w", err)
	}

	if err := deps.initEngine(ctx, cfg); err != nil {
		deps.closeStorage()
		return nil, fmt.Errorf("failed to initialize elevation engine: %w", err)
	}

	deps.initAuth(cfg)

	if opts.StartWorkers {
		if err := deps.Start(); err != nil {
			_ = deps.Close(ctx)
			return nil, err
		}
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage))
	return deps, nil
}

// initStorage opens PostgreSQL or builds the in-memory stores
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config, initSchema bool) error {
	if cfg.Storage == config.StorageMemory {
		repos := memory.NewRepositories()
		d.Elevations, d.AuditLog, d.Settings = repos.Elevations, repos.Audit, repos.Settings
		d.Logger.Warn("using in-memory storage, state is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if initSchema {
		if err := factory.InitSchema(ctx); err != nil {
			_ = factory.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	repos := factory.NewRepositories()
	d.Elevations, d.AuditLog, d.Settings = repos.Elevations, repos.Audit, repos.Settings

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initPolicy loads the persisted policy, seeding it from the policy file
func (d *Dependencies) initPolicy(ctx context.Context, cfg *config.Config) error {
	var seed *models.PamPolicyConfig
	if cfg.PAM.PolicyFile != "" {
		loaded, err := models.LoadPolicyFile(cfg.PAM.PolicyFile)
		if err != nil {
			return err
		}
		seed = loaded
		d.Logger.Info("policy seed loaded", zap.String("file", cfg.PAM.PolicyFile))
	}

	d.Policy = policy.NewConfigStore(d.Settings, seed, cfg.PAM.StoreTimeout, d.Logger.Named("policy"))
	return d.Policy.Bootstrap(ctx, seed)
}

// initLedger builds the audit ledger with its optional Kafka export and live stream
func (d *Dependencies) initLedger(cfg *config.Config) error {
	var opts []audit.Option

	if cfg.Kafka != nil {
		exporter, err := audit.NewKafkaExporter(cfg.Kafka)
		if err != nil {
			return err
		}
		opts = append(opts, audit.WithExporter(exporter))
		d.Logger.Info("audit export enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	if cfg.Stream.Enabled {
		d.Hub = stream.NewHub(cfg.Stream.BufferSize)
		opts = append(opts, audit.WithPublisher(d.Hub))
	}

	d.Ledger = audit.NewLedger(d.AuditLog, d.Logger.Named("audit"), audit.Config{
		Workers:      cfg.PAM.AuditWorkers,
		MaxRetries:   cfg.PAM.AuditMaxRetries,
		RetryBackoff: cfg.PAM.AuditRetryBackoff,
		MaxBackoff:   cfg.PAM.AuditMaxBackoff,
		WriteTimeout: cfg.PAM.StoreTimeout,
	}, opts...)
	return nil
}

// initEngine builds the engine and its expiration scheduler
func (d *Dependencies) initEngine(ctx context.Context, cfg *config.Config) error {
	d.Engine = elevation.NewEngine(d.Elevations, d.Ledger, d.Policy, cfg.PAM.StoreTimeout, d.Logger.Named("elevation"))

	var locker elevation.Locker
	if cfg.Redis != nil {
		client, err := elevation.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		d.Redis = client
		locker = elevation.NewRedisLocker(client, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL)
		d.Logger.Info("scheduler lease enabled", zap.String("key", cfg.Redis.LeaseKey))
	}

	d.Scheduler = elevation.NewScheduler(d.Engine, cfg.PAM.SchedulerInterval, cfg.PAM.SchedulerBatchSize,
		locker, d.Logger.Named("scheduler"))
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT_SECRET not set, protected routes will reject every token")
	}
	validator := middleware.NewHMACValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger.Named("auth"))
}

// Start runs the ledger writers, the expiration scheduler and the policy reload worker
func (d *Dependencies) Start() error {
	if d.started {
		return nil
	}
	if err := d.Ledger.Start(); err != nil {
		return fmt.Errorf("failed to start audit ledger: %w", err)
	}
	d.Scheduler.Start()
	if d.Config.PAM.ConfigReloadInterval > 0 {
		d.Policy.StartReloadWorker(d.Config.PAM.ConfigReloadInterval, d.stopReload)
	}
	d.started = true
	return nil
}

// SQLDB returns the main pool for health checks, or nil with in-memory storage
func (d *Dependencies) SQLDB() *sql.DB {
	if d.DB == nil {
		return nil
	}
	return d.DB.DB
}

// Close stops the workers, drains the ledger and closes connections.
// The scheduler stops first so no transition is recorded after the drain.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.started {
		d.Scheduler.Stop()
		close(d.stopReload)
		if err := d.Ledger.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain audit ledger: %w", err))
		}
		d.started = false
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}

	if err := d.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}

func (d *Dependencies) closeStorage() error {
	if d.RepoFactory == nil {
		return nil
	}
	if err := d.RepoFactory.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.RepoFactory = nil
	d.Logger.Info("database connection closed")
	return nil
}
