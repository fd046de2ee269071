package models

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionRequested      AuditAction = "requested"
	AuditActionApproved       AuditAction = "approved"
	AuditActionDenied         AuditAction = "denied"
	AuditActionActivated      AuditAction = "activated"
	AuditActionExpired        AuditAction = "expired"
	AuditActionCompleted      AuditAction = "completed"
	AuditActionFailed         AuditAction = "failed"
	AuditActionRevoked        AuditAction = "revoked"
	AuditActionSessionRevoked AuditAction = "session_revoked"
)

// Valid reports whether a is a known audit action
func (a AuditAction) Valid() bool {
	switch a {
	case AuditActionRequested, AuditActionApproved, AuditActionDenied,
		AuditActionActivated, AuditActionExpired, AuditActionCompleted,
		AuditActionFailed, AuditActionRevoked, AuditActionSessionRevoked:
		return true
	}
	return false
}

// GenesisHash is the prev_hash of the first entry in the ledger
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one append-only record in the PAM ledger
type AuditEntry struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Seq                int64           `json:"seq" db:"seq"`
	ElevationRequestID *uuid.UUID      `json:"elevation_request_id,omitempty" db:"elevation_request_id"`
	SessionID          uuid.UUID       `json:"session_id" db:"session_id"`
	UserID             string          `json:"user_id" db:"user_id"`
	Action             AuditAction     `json:"action" db:"action"`
	Timestamp          time.Time       `json:"timestamp" db:"timestamp"`
	RiskScore          int             `json:"risk_score" db:"risk_score"`
	ComplianceFlags    []string        `json:"compliance_flags" db:"compliance_flags"`
	Details            json.RawMessage `json:"details" db:"details"`
	PrevHash           string          `json:"prev_hash" db:"prev_hash"`
	EntryHash          string          `json:"entry_hash" db:"entry_hash"`
}

// TableName returns the table name for the AuditEntry model
func (AuditEntry) TableName() string {
	return "pam_audit_log"
}

// NewAuditEntry creates an entry for a request transition. The timestamp is
// truncated to the precision Postgres stores so hashes survive a round trip.
func NewAuditEntry(req *ElevationRequest, action AuditAction, actor string, at time.Time) *AuditEntry {
	id := req.ID
	e := &AuditEntry{
		ID:                 uuid.New(),
		ElevationRequestID: &id,
		SessionID:          req.SessionID,
		UserID:             actor,
		Action:             action,
		Timestamp:          at.UTC().Truncate(time.Microsecond),
		RiskScore:          req.RiskScore,
		ComplianceFlags:    append([]string{}, req.ComplianceFlags...),
		Details:            json.RawMessage(`{}`),
	}
	return e
}

// NewSessionAuditEntry creates an entry not tied to a single request
func NewSessionAuditEntry(sessionID uuid.UUID, action AuditAction, actor string, at time.Time) *AuditEntry {
	return &AuditEntry{
		ID:              uuid.New(),
		SessionID:       sessionID,
		UserID:          actor,
		Action:          action,
		Timestamp:       at.UTC().Truncate(time.Microsecond),
		ComplianceFlags: []string{},
		Details:         json.RawMessage(`{}`),
	}
}

// WithDetails sets the details
func (a *AuditEntry) WithDetails(details interface{}) *AuditEntry {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithFlags merges extra compliance flags, keeping first-seen order
func (a *AuditEntry) WithFlags(flags ...string) *AuditEntry {
	a.ComplianceFlags = MergeFlags(a.ComplianceFlags, flags)
	return a
}

// WithRiskScore sets the risk score
func (a *AuditEntry) WithRiskScore(score int) *AuditEntry {
	a.RiskScore = score
	return a
}

// Chain links the entry after prev and stores its hash
func (a *AuditEntry) Chain(seq int64, prevHash string) {
	a.Seq = seq
	a.PrevHash = prevHash
	a.EntryHash = a.ComputeHash()
}

// ComputeHash returns the hex blake3 digest over prev_hash and the entry content
func (a *AuditEntry) ComputeHash() string {
	h := blake3.New()
	var buf [8]byte
	field := func(s string) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	reqID := ""
	if a.ElevationRequestID != nil {
		reqID = a.ElevationRequestID.String()
	}
	field(a.PrevHash)
	field(strconv.FormatInt(a.Seq, 10))
	field(a.ID.String())
	field(reqID)
	field(a.SessionID.String())
	field(a.UserID)
	field(string(a.Action))
	field(a.Timestamp.UTC().Format(time.RFC3339Nano))
	field(strconv.Itoa(a.RiskScore))
	field(strings.Join(a.ComplianceFlags, ","))
	field(string(a.Details))
	return hex.EncodeToString(h.Sum(nil))
}

// AuditFilter selects ledger entries. Entries are ordered by seq and resume
// strictly after AfterSeq.
type AuditFilter struct {
	ElevationRequestID *uuid.UUID
	SessionID          *uuid.UUID
	Action             *AuditAction
	Since              *time.Time
	Until              *time.Time
	AfterSeq           int64
	Limit              int
}

// MergeFlags appends extra to base without duplicates
func MergeFlags(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, f := range list {
			if f == "" {
				continue
			}
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
