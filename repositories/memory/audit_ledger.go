package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/google/uuid"
)

// AuditLedger implements repositories.AuditRepository in memory
type AuditLedger struct {
	mu      sync.RWMutex
	entries []*models.AuditEntry
	ids     map[uuid.UUID]struct{}
}

// NewAuditLedger creates an empty ledger
func NewAuditLedger() *AuditLedger {
	return &AuditLedger{ids: make(map[uuid.UUID]struct{})}
}

var _ repositories.AuditRepository = (*AuditLedger)(nil)

// Append chains the entry after the current tail
func (l *AuditLedger) Append(ctx context.Context, entry *models.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[entry.ID]; dup {
		return nil
	}
	prev := models.GenesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].EntryHash
	}
	entry.Chain(int64(len(l.entries)+1), prev)

	l.entries = append(l.entries, cloneEntry(entry))
	l.ids[entry.ID] = struct{}{}
	return nil
}

// List returns matching entries in seq order
func (l *AuditLedger) List(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*models.AuditEntry, 0)
	for _, e := range l.entries {
		if e.Seq <= filter.AfterSeq || !entryMatches(e, &filter) {
			continue
		}
		out = append(out, cloneEntry(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a stored entry in place. Test helper for chain verification.
func (l *AuditLedger) Tamper(seq int64, mutate func(*models.AuditEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= 1 && int(seq) <= len(l.entries) {
		mutate(l.entries[seq-1])
	}
}

func entryMatches(e *models.AuditEntry, f *models.AuditFilter) bool {
	if f.ElevationRequestID != nil && (e.ElevationRequestID == nil || *e.ElevationRequestID != *f.ElevationRequestID) {
		return false
	}
	if f.SessionID != nil && e.SessionID != *f.SessionID {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	return true
}

func cloneEntry(e *models.AuditEntry) *models.AuditEntry {
	c := *e
	if e.ElevationRequestID != nil {
		id := *e.ElevationRequestID
		c.ElevationRequestID = &id
	}
	c.ComplianceFlags = append([]string{}, e.ComplianceFlags...)
	c.Details = append(json.RawMessage(nil), e.Details...)
	return &c
}
