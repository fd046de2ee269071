package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlasconnect/pam/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{DB: db, logger: logger}, nil
}

// WrapDB adopts an existing pool, e.g. one created by sqlmock
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

const elevationSchema = `
	CREATE TABLE IF NOT EXISTS pam_elevation_requests (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		requester VARCHAR(255) NOT NULL,
		domain VARCHAR(255),
		elevation_type VARCHAR(32) NOT NULL CHECK (elevation_type IN
			('run_as_admin','run_as_user','run_as_service','run_as_system','domain_admin','local_admin')),
		run_as_account VARCHAR(255),
		reason TEXT NOT NULL,
		target_process VARCHAR(512),
		target_command TEXT,
		status VARCHAR(16) NOT NULL CHECK (status IN
			('pending','approved','active','completed','denied','expired','failed')),
		requested_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		approved_by VARCHAR(255),
		approved_at TIMESTAMPTZ,
		denied_reason TEXT,
		outcome TEXT,
		auto_approved BOOLEAN NOT NULL DEFAULT false,
		risk_score INTEGER NOT NULL,
		compliance_flags TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT pam_denied_reason_iff_denied CHECK ((status = 'denied') = (denied_reason IS NOT NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_pam_live_target
		ON pam_elevation_requests (session_id, COALESCE(target_process, ''))
		WHERE status IN ('pending', 'approved', 'active');

	CREATE INDEX IF NOT EXISTS idx_pam_requests_order ON pam_elevation_requests(requested_at, id);
	CREATE INDEX IF NOT EXISTS idx_pam_requests_session ON pam_elevation_requests(session_id, requested_at);
	CREATE INDEX IF NOT EXISTS idx_pam_requests_user ON pam_elevation_requests(user_id);
	CREATE INDEX IF NOT EXISTS idx_pam_requests_live ON pam_elevation_requests(status)
		WHERE status IN ('pending', 'approved', 'active');

	CREATE TABLE IF NOT EXISTS app_settings (
		key VARCHAR(128) PRIMARY KEY,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
`

// details is JSON rather than JSONB so the stored text stays byte-identical to what was hashed.
const ledgerSchema = `
	CREATE TABLE IF NOT EXISTS pam_audit_log (
		seq BIGINT PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		elevation_request_id UUID,
		session_id UUID NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		action VARCHAR(32) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		risk_score INTEGER NOT NULL,
		compliance_flags TEXT[] NOT NULL DEFAULT '{}',
		details JSON NOT NULL,
		prev_hash CHAR(64) NOT NULL,
		entry_hash CHAR(64) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pam_audit_request ON pam_audit_log(elevation_request_id, seq);
	CREATE INDEX IF NOT EXISTS idx_pam_audit_session ON pam_audit_log(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_pam_audit_action ON pam_audit_log(action);
	CREATE INDEX IF NOT EXISTS idx_pam_audit_timestamp ON pam_audit_log(timestamp);

	CREATE OR REPLACE FUNCTION pam_audit_log_reject_update() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'pam_audit_log is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_pam_audit_log_append_only ON pam_audit_log;
	CREATE TRIGGER trg_pam_audit_log_append_only
		BEFORE UPDATE ON pam_audit_log
		FOR EACH ROW EXECUTE FUNCTION pam_audit_log_reject_update();
`

// InitSchema creates the request and settings tables
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, elevationSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema creates the ledger table. Run it against the audit
// database when DATABASE_URL_AUDIT is set, otherwise against the main one.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
