package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ledgerLockKey serializes appends so seq and prev_hash form a single chain
const ledgerLockKey int64 = 0x70616d6c6f67

const auditColumns = `seq, id, elevation_request_id, session_id, user_id, action, timestamp,
	risk_score, compliance_flags, details, prev_hash, entry_hash`

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct {
	db     *DB
	txm    *TransactionManager
	logger *zap.Logger
}

// NewAuditRepository creates a ledger repository. db may be a dedicated audit database.
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		txm:    NewTransactionManager(db, logger),
		logger: logger,
	}
}

var _ repositories.AuditRepository = (*AuditRepository)(nil)

// Append takes the ledger advisory lock, links the entry to the current tail
// and inserts it. An entry whose id is already stored is skipped.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	return r.txm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		if _, err := executor.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
			return fmt.Errorf("failed to lock audit ledger: %w", err)
		}

		var exists bool
		if err := executor.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM pam_audit_log WHERE id = $1)`, entry.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check audit entry: %w", err)
		}
		if exists {
			r.logger.Debug("audit entry already stored", zap.String("id", entry.ID.String()))
			return nil
		}

		var (
			lastSeq  int64
			lastHash string
		)
		err := executor.QueryRowContext(ctx,
			`SELECT seq, entry_hash FROM pam_audit_log ORDER BY seq DESC LIMIT 1`,
		).Scan(&lastSeq, &lastHash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			lastSeq, lastHash = 0, models.GenesisHash
		case err != nil:
			return fmt.Errorf("failed to read audit ledger tail: %w", err)
		}

		entry.Chain(lastSeq+1, lastHash)

		flags := entry.ComplianceFlags
		if flags == nil {
			flags = []string{}
		}
		_, err = executor.ExecContext(ctx, `
			INSERT INTO pam_audit_log (`+auditColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			entry.Seq,
			entry.ID,
			entry.ElevationRequestID,
			entry.SessionID,
			entry.UserID,
			entry.Action,
			entry.Timestamp,
			entry.RiskScore,
			pq.Array(flags),
			string(entry.Details),
			entry.PrevHash,
			entry.EntryHash,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}

		r.logger.Debug("audit entry appended",
			zap.Int64("seq", entry.Seq),
			zap.String("action", string(entry.Action)))
		return nil
	})
}

// List returns entries matching the filter in seq order
func (r *AuditRepository) List(ctx context.Context, f models.AuditFilter) ([]*models.AuditEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conds = append(conds, "seq > "+arg(f.AfterSeq))
	if f.ElevationRequestID != nil {
		conds = append(conds, "elevation_request_id = "+arg(*f.ElevationRequestID))
	}
	if f.SessionID != nil {
		conds = append(conds, "session_id = "+arg(*f.SessionID))
	}
	if f.Action != nil {
		conds = append(conds, "action = "+arg(*f.Action))
	}
	if f.Since != nil {
		conds = append(conds, "timestamp >= "+arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "timestamp < "+arg(*f.Until))
	}

	query := `SELECT ` + auditColumns + ` FROM pam_audit_log WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY seq`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]*models.AuditEntry, 0)
	for rows.Next() {
		var (
			e       models.AuditEntry
			flags   pq.StringArray
			details []byte
		)
		if err := rows.Scan(
			&e.Seq,
			&e.ID,
			&e.ElevationRequestID,
			&e.SessionID,
			&e.UserID,
			&e.Action,
			&e.Timestamp,
			&e.RiskScore,
			&flags,
			&details,
			&e.PrevHash,
			&e.EntryHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ComplianceFlags = []string(flags)
		if e.ComplianceFlags == nil {
			e.ComplianceFlags = []string{}
		}
		e.Details = details
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, nil
}
