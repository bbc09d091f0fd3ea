package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	ingesthandler "github.com/FACorreiaa/spendsense/internal/domain/import/handler"
	"github.com/FACorreiaa/spendsense/internal/domain/import/loader"
	"github.com/FACorreiaa/spendsense/internal/domain/import/repository"
	"github.com/FACorreiaa/spendsense/internal/domain/import/rules"
	ingestservice "github.com/FACorreiaa/spendsense/internal/domain/import/service"

	"github.com/FACorreiaa/spendsense/pkg/config"
	"github.com/FACorreiaa/spendsense/pkg/db"
)

var _ ingesthandler.Ingester = (*ingestservice.IngestService)(nil)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	// Repositories
	BatchRepo       *repository.PostgresBatchRepository
	TransactionRepo *repository.PostgresTransactionRepository
	RuleRepo        *repository.PostgresRuleRepository

	// Services
	Rules         rules.Provider
	IngestService *ingestservice.IngestService

	// Handlers
	IngestHandler *ingesthandler.IngestHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	if err := deps.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to init handlers: %w", err)
	}

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories initializes all repository layer dependencies
func (d *Dependencies) initRepositories() error {
	d.BatchRepo = repository.NewPostgresBatchRepository(d.DB.Pool)
	d.TransactionRepo = repository.NewPostgresTransactionRepository(d.DB.Pool)
	d.RuleRepo = repository.NewPostgresRuleRepository(d.DB.Pool)

	d.Logger.Info("repositories initialized")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	provider, err := d.ruleProvider()
	if err != nil {
		return err
	}
	d.Rules = provider

	ingest := d.Config.Ingest
	d.IngestService = ingestservice.NewIngestService(d.BatchRepo, d.TransactionRepo, d.Rules, ingestservice.Config{
		Workers: ingest.Workers,
		Loader: loader.Config{
			MaxRetries:  ingest.MaxRetries,
			BaseDelay:   ingest.RetryBaseDelay,
			Concurrency: ingest.LoadConcurrency,
		},
	}, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

// ruleProvider selects where batches take their rule snapshot from.
func (d *Dependencies) ruleProvider() (rules.Provider, error) {
	ingest := d.Config.Ingest
	switch ingest.RulesSource {
	case config.RulesSourceEmbedded:
		seed, err := rules.LoadEmbedded()
		if err != nil {
			return nil, fmt.Errorf("failed to load embedded rules: %w", err)
		}
		d.Logger.Info("using embedded rules", slog.String("version", seed.Version()), slog.Int("rules", seed.Len()))
		return rules.NewStaticProvider(seed), nil

	case config.RulesSourceFile:
		d.Logger.Info("using rules file", slog.String("path", ingest.RulesFile))
		return rules.NewCachedProvider(rules.FileProvider(ingest.RulesFile), ingest.RuleCacheTTL, d.Logger), nil

	case config.RulesSourceDatabase:
		if err := d.seedRules(); err != nil {
			return nil, err
		}
		return rules.NewCachedProvider(rules.ProviderFunc(d.RuleRepo.LatestSnapshot), ingest.RuleCacheTTL, d.Logger), nil
	}
	return nil, fmt.Errorf("unknown rules source %q", ingest.RulesSource)
}

// seedRules publishes the embedded rule set when the database has none.
func (d *Dependencies) seedRules() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := d.RuleRepo.LatestSnapshot(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrRuleSnapshotUnavailable) {
		return fmt.Errorf("failed to read published rules: %w", err)
	}

	seed, err := rules.LoadEmbedded()
	if err != nil {
		return fmt.Errorf("failed to load embedded rules: %w", err)
	}
	if err := d.RuleRepo.PublishRuleSet(ctx, seed, "seed"); err != nil && !errors.Is(err, common.ErrConflict) {
		return fmt.Errorf("failed to seed rules: %w", err)
	}
	d.Logger.Info("seeded rule set", slog.String("version", seed.Version()), slog.Int("rules", seed.Len()))
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() error {
	d.IngestHandler = ingesthandler.NewIngestHandler(d.IngestService)

	d.Logger.Info("handlers initialized")
	return nil
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
