package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ElevationType is the kind of privileged context a session asks for
type ElevationType string

const (
	ElevationRunAsAdmin   ElevationType = "run_as_admin"
	ElevationRunAsUser    ElevationType = "run_as_user"
	ElevationRunAsService ElevationType = "run_as_service"
	ElevationRunAsSystem  ElevationType = "run_as_system"
	ElevationDomainAdmin  ElevationType = "domain_admin"
	ElevationLocalAdmin   ElevationType = "local_admin"
)

// ElevationTypes lists every elevation type in ascending severity order
var ElevationTypes = []ElevationType{
	ElevationRunAsUser,
	ElevationRunAsAdmin,
	ElevationLocalAdmin,
	ElevationRunAsService,
	ElevationRunAsSystem,
	ElevationDomainAdmin,
}

// ParseElevationType converts a wire value into an ElevationType
func ParseElevationType(s string) (ElevationType, error) {
	t := ElevationType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown elevation type %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known elevation types
func (t ElevationType) Valid() bool {
	switch t {
	case ElevationRunAsAdmin, ElevationRunAsUser, ElevationRunAsService,
		ElevationRunAsSystem, ElevationDomainAdmin, ElevationLocalAdmin:
		return true
	}
	return false
}

// ElevatedPrincipal returns the account the terminal subsystem should run as.
// runAs names the account for run_as_user and run_as_service.
func (t ElevationType) ElevatedPrincipal(runAs string) string {
	switch t {
	case ElevationRunAsAdmin:
		return "Administrator"
	case ElevationRunAsSystem:
		return "SYSTEM"
	case ElevationDomainAdmin:
		return "Domain Administrator"
	case ElevationLocalAdmin:
		return "Local Administrator"
	case ElevationRunAsUser:
		if runAs == "" {
			return "User"
		}
		return runAs
	case ElevationRunAsService:
		if runAs == "" {
			return "NetworkService"
		}
		return runAs
	}
	return ""
}

// ElevationStatus is the lifecycle state of an elevation request
type ElevationStatus string

const (
	StatusPending   ElevationStatus = "pending"
	StatusApproved  ElevationStatus = "approved"
	StatusActive    ElevationStatus = "active"
	StatusCompleted ElevationStatus = "completed"
	StatusDenied    ElevationStatus = "denied"
	StatusExpired   ElevationStatus = "expired"
	StatusFailed    ElevationStatus = "failed"
)

// LiveStatuses are the states that hold a (session, target process) slot
var LiveStatuses = []ElevationStatus{StatusPending, StatusApproved, StatusActive}

// AllStatuses lists every status
var AllStatuses = []ElevationStatus{
	StatusPending, StatusApproved, StatusActive,
	StatusCompleted, StatusDenied, StatusExpired, StatusFailed,
}

// Valid reports whether s is a known status
func (s ElevationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive,
		StatusCompleted, StatusDenied, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s
func (s ElevationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDenied, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// IsLive reports whether s occupies the per-target slot
func (s ElevationStatus) IsLive() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Active requests may expire when the scheduler finds them past expires_at.
func CanTransition(from, to ElevationStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusApproved || to == StatusDenied || to == StatusExpired || to == StatusFailed
	case StatusApproved:
		return to == StatusActive || to == StatusExpired || to == StatusFailed
	case StatusActive:
		return to == StatusCompleted || to == StatusFailed || to == StatusExpired
	case StatusCompleted, StatusDenied, StatusExpired, StatusFailed:
		return false
	}
	return false
}

// ElevationRequest is a session's request for temporary privileged execution
type ElevationRequest struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	SessionID       uuid.UUID       `json:"session_id" db:"session_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Requester       string          `json:"requester" db:"requester"`
	Domain          *string         `json:"domain,omitempty" db:"domain"`
	ElevationType   ElevationType   `json:"elevation_type" db:"elevation_type"`
	RunAsAccount    *string         `json:"run_as_account,omitempty" db:"run_as_account"`
	Reason          string          `json:"reason" db:"reason"`
	TargetProcess   *string         `json:"target_process,omitempty" db:"target_process"`
	TargetCommand   *string         `json:"target_command,omitempty" db:"target_command"`
	Status          ElevationStatus `json:"status" db:"status"`
	RequestedAt     time.Time       `json:"requested_at" db:"requested_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	ApprovedBy      *string         `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty" db:"approved_at"`
	DeniedReason    *string         `json:"denied_reason,omitempty" db:"denied_reason"`
	Outcome         *string         `json:"outcome,omitempty" db:"outcome"`
	AutoApproved    bool            `json:"auto_approved" db:"auto_approved"`
	RiskScore       int             `json:"risk_score" db:"risk_score"`
	ComplianceFlags []string        `json:"compliance_flags" db:"compliance_flags"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ElevationRequest model
func (ElevationRequest) TableName() string {
	return "pam_elevation_requests"
}

// TargetKey is the per-session slot key; a missing target process is the empty slot
func (r *ElevationRequest) TargetKey() string {
	if r.TargetProcess == nil {
		return ""
	}
	return *r.TargetProcess
}

// ElevatedUser returns the principal this request runs as once active
func (r *ElevationRequest) ElevatedUser() string {
	runAs := ""
	if r.RunAsAccount != nil {
		runAs = *r.RunAsAccount
	}
	return r.ElevationType.ElevatedPrincipal(runAs)
}

// Clone returns a deep copy so callers never share pointers with a store
func (r *ElevationRequest) Clone() *ElevationRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Domain = cloneString(r.Domain)
	c.RunAsAccount = cloneString(r.RunAsAccount)
	c.TargetProcess = cloneString(r.TargetProcess)
	c.TargetCommand = cloneString(r.TargetCommand)
	c.ApprovedBy = cloneString(r.ApprovedBy)
	c.DeniedReason = cloneString(r.DeniedReason)
	c.Outcome = cloneString(r.Outcome)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.ApprovedAt = cloneTime(r.ApprovedAt)
	if r.ComplianceFlags != nil {
		c.ComplianceFlags = append([]string(nil), r.ComplianceFlags...)
	}
	return &c
}

// StatusTransition describes one compare-and-set on a request's status.
// The update applies only if the current status is in From and the
// optional deadline guards still hold.
type StatusTransition struct {
	From []ElevationStatus
	To   ElevationStatus
	At   time.Time

	ApprovedBy   *string
	ApprovedAt   *time.Time
	ExpiresAt    *time.Time
	DeniedReason *string
	Outcome      *string

	// RequestedAfter requires requested_at > *RequestedAfter
	RequestedAfter *time.Time
	// ExpiresAfter requires expires_at > *ExpiresAfter
	ExpiresAfter *time.Time
}

// Allows reports whether the transition matches the request as it stands
func (t *StatusTransition) Allows(r *ElevationRequest) bool {
	matched := false
	for _, s := range t.From {
		if r.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if t.RequestedAfter != nil && !r.RequestedAt.After(*t.RequestedAfter) {
		return false
	}
	if t.ExpiresAfter != nil && (r.ExpiresAt == nil || !r.ExpiresAt.After(*t.ExpiresAfter)) {
		return false
	}
	return true
}

// Apply mutates r with the transition's fields
func (t *StatusTransition) Apply(r *ElevationRequest) {
	r.Status = t.To
	r.UpdatedAt = t.At
	if t.ApprovedBy != nil {
		r.ApprovedBy = cloneString(t.ApprovedBy)
	}
	if t.ApprovedAt != nil {
		r.ApprovedAt = cloneTime(t.ApprovedAt)
	}
	if t.ExpiresAt != nil {
		r.ExpiresAt = cloneTime(t.ExpiresAt)
	}
	if t.DeniedReason != nil {
		r.DeniedReason = cloneString(t.DeniedReason)
	}
	if t.Outcome != nil {
		r.Outcome = cloneString(t.Outcome)
	}
}

// ElevationFilter selects requests for listing. Results are ordered by
// (requested_at, id) and resume after the cursor when one is given.
type ElevationFilter struct {
	SessionID     *uuid.UUID
	UserID        string
	Statuses      []ElevationStatus
	ElevationType *ElevationType
	Since         *time.Time
	Until         *time.Time
	After         *ElevationCursor
	Limit         int
}

// ElevationCursor is a keyset position in the request listing
type ElevationCursor struct {
	RequestedAt time.Time
	ID          uuid.UUID
}

// ElevationStats aggregates request counts
type ElevationStats struct {
	Total    int64                     `json:"total"`
	Live     int64                     `json:"live"`
	ByStatus map[ElevationStatus]int64 `json:"by_status"`
	ByType   map[ElevationType]int64   `json:"by_type"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr returns a pointer to t
func TimePtr(t time.Time) *time.Time {
	return &t
}
