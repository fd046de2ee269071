package postgres

import (
	"context"

	"github.com/atlasconnect/pam/config"
	"github.com/atlasconnect/pam/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db      *DB
	auditDB *DB // Optional: separate DB for the ledger
	logger  *zap.Logger
}

// NewRepositoryFactory opens the main pool and, when configured, the ledger pool
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	f := &RepositoryFactory{db: db, logger: logger}

	if cfg.AuditDatabase != nil {
		auditDB, err := NewDB(*cfg.AuditDatabase, logger.With(zap.String("pool", "audit")))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		f.auditDB = auditDB
	}

	return f, nil
}

func (f *RepositoryFactory) ledgerDB() *DB {
	if f.auditDB != nil {
		return f.auditDB
	}
	return f.db
}

// InitSchema creates all tables, placing the ledger on its own pool when configured
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	if err := f.db.InitSchema(ctx); err != nil {
		return err
	}
	return f.ledgerDB().InitAuditSchema(ctx)
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Elevations: NewElevationRepository(f.db, f.logger),
		Audit:      NewAuditRepository(f.ledgerDB(), f.logger),
		Settings:   NewSettingsRepository(f.db, f.logger),
	}
}

// GetDB returns the main database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection(s)
func (f *RepositoryFactory) Close() error {
	if f.auditDB != nil {
		_ = f.auditDB.Close()
	}
	return f.db.Close()
}
