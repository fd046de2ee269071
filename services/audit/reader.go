package audit

import (
	"context"
	"iter"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services"
	"go.uber.org/zap"
)

// Page is one slice of the ledger plus the cursor to resume after it
type Page struct {
	Entries []*models.AuditEntry `json:"entries"`
	NextSeq int64                `json:"next_seq,omitempty"`
}

// List returns one page of committed entries. Reads never consult the
// write queues; entries still queued are not yet part of the ledger.
func (l *Ledger) List(ctx context.Context, filter models.AuditFilter) (*Page, error) {
	entries, err := l.repo.List(ctx, filter)
	if err != nil {
		return nil, services.WrapStorage("failed to list audit entries", err)
	}
	page := &Page{Entries: entries}
	if filter.Limit > 0 && len(entries) == filter.Limit {
		page.NextSeq = entries[len(entries)-1].Seq
	}
	return page, nil
}

// Entries walks the ledger lazily, one page of pageSize at a time. Breaking
// out of the loop stops further reads; a failed read yields the error last.
func (l *Ledger) Entries(ctx context.Context, filter models.AuditFilter, pageSize int) iter.Seq2[*models.AuditEntry, error] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(*models.AuditEntry, error) bool) {
		f := filter
		f.Limit = pageSize
		for {
			page, err := l.List(ctx, f)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range page.Entries {
				if !yield(e, nil) {
					return
				}
			}
			if page.NextSeq == 0 {
				return
			}
			f.AfterSeq = page.NextSeq
		}
	}
}

// VerifyReport is the result of recomputing the hash chain
type VerifyReport struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	LastSeq  int64  `json:"last_seq"`
	LastHash string `json:"last_hash"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the whole ledger and checks sequence continuity, prev_hash
// links and each entry's own hash.
func (l *Ledger) Verify(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{Valid: true, LastHash: models.GenesisHash}

	for e, err := range l.Entries(ctx, models.AuditFilter{}, 500) {
		if err != nil {
			return nil, err
		}
		report.Checked++

		switch {
		case e.Seq != report.LastSeq+1:
			report.fail(e.Seq, "sequence gap")
		case e.PrevHash != report.LastHash:
			report.fail(e.Seq, "prev_hash does not match previous entry")
		case e.ComputeHash() != e.EntryHash:
			report.fail(e.Seq, "entry_hash does not match content")
		}
		if !report.Valid {
			l.logger.Error("audit ledger verification failed",
				zap.Int64("seq", report.BrokenAt),
				zap.String("reason", report.Reason))
			return report, nil
		}
		report.LastSeq = e.Seq
		report.LastHash = e.EntryHash
	}

	l.logger.Info("audit ledger verified",
		zap.Int64("checked", report.Checked),
		zap.Int64("last_seq", report.LastSeq))
	return report, nil
}

func (r *VerifyReport) fail(seq int64, reason string) {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
}
