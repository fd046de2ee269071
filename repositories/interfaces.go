package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/google/uuid"
)

// Storage-level sentinels. Services translate them into domain errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateLive     = errors.New("live elevation request exists for session target")
	ErrTransitionRefused = errors.New("status transition precondition not met")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// ElevationRepository owns elevation request state
type ElevationRepository interface {
	// Create inserts a new request. Returns ErrDuplicateLive when another
	// live request holds the same (session_id, target_process) slot.
	Create(ctx context.Context, req *models.ElevationRequest) error

	// GetByID retrieves a request by ID, or ErrNotFound
	GetByID(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error)

	// Transition applies an atomic compare-and-set on status.
	// When the preconditions fail it returns the current row together with
	// ErrTransitionRefused so callers can explain why.
	Transition(ctx context.Context, id uuid.UUID, t *models.StatusTransition) (*models.ElevationRequest, error)

	// List returns requests matching the filter in (requested_at, id) order
	List(ctx context.Context, filter models.ElevationFilter) ([]*models.ElevationRequest, error)

	// ListDue returns live requests whose deadline passed: pending requests
	// requested before pendingCutoff, approved/active ones with expires_at <= now.
	ListDue(ctx context.Context, pendingCutoff, now time.Time, limit int) ([]*models.ElevationRequest, error)

	// Stats returns counts by status and type
	Stats(ctx context.Context) (*models.ElevationStats, error)
}

// AuditRepository is the append-only PAM ledger
type AuditRepository interface {
	// Append chains and stores an entry. Appending an entry whose ID is
	// already stored is a no-op, so retries never duplicate.
	Append(ctx context.Context, entry *models.AuditEntry) error

	// List returns entries matching the filter in seq order
	List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error)
}

// SettingsRepository stores JSON values in app_settings
type SettingsRepository interface {
	// Get returns the raw value for key, or ErrNotFound
	Get(ctx context.Context, key string) (json.RawMessage, error)

	// Put upserts the value for key
	Put(ctx context.Context, key string, value json.RawMessage) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Elevations ElevationRepository
	Audit      AuditRepository
	Settings   SettingsRepository
}
