package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElevationType(t *testing.T) {
	for _, et := range ElevationTypes {
		got, err := ParseElevationType(string(et))
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}

	_, err := ParseElevationType("run_as_root")
	assert.Error(t, err)
}

func TestElevationType_ElevatedPrincipal(t *testing.T) {
	tests := []struct {
		name  string
		et    ElevationType
		runAs string
		want  string
	}{
		{"admin", ElevationRunAsAdmin, "", "Administrator"},
		{"system", ElevationRunAsSystem, "", "SYSTEM"},
		{"domain admin", ElevationDomainAdmin, "", "Domain Administrator"},
		{"local admin", ElevationLocalAdmin, "ignored", "Local Administrator"},
		{"named user", ElevationRunAsUser, "svc-backup", "svc-backup"},
		{"default service", ElevationRunAsService, "", "NetworkService"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.et.ElevatedPrincipal(tt.runAs))
		})
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[ElevationStatus][]ElevationStatus{
		StatusPending:  {StatusApproved, StatusDenied, StatusExpired, StatusFailed},
		StatusApproved: {StatusActive, StatusExpired, StatusFailed},
		StatusActive:   {StatusCompleted, StatusFailed, StatusExpired},
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestElevationStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		assert.NotEqual(t, s.IsTerminal(), s.IsLive(), string(s))
	}
	assert.False(t, ElevationStatus("paused").Valid())
}

func TestStatusTransition_Allows(t *testing.T) {
	now := time.Now()
	req := &ElevationRequest{
		Status:      StatusPending,
		RequestedAt: now.Add(-time.Minute),
	}

	tr := &StatusTransition{From: []ElevationStatus{StatusPending}, To: StatusApproved}
	assert.True(t, tr.Allows(req))

	tr.RequestedAfter = TimePtr(now.Add(-2 * time.Minute))
	assert.True(t, tr.Allows(req))

	tr.RequestedAfter = TimePtr(now.Add(-30 * time.Second))
	assert.False(t, tr.Allows(req), "request older than the guard must be rejected")

	activate := &StatusTransition{
		From:         []ElevationStatus{StatusApproved},
		To:           StatusActive,
		ExpiresAfter: TimePtr(now),
	}
	req.Status = StatusApproved
	assert.False(t, activate.Allows(req), "missing expires_at never satisfies the guard")

	req.ExpiresAt = TimePtr(now.Add(time.Hour))
	assert.True(t, activate.Allows(req))
}

func TestStatusTransition_Apply(t *testing.T) {
	now := time.Now()
	req := &ElevationRequest{Status: StatusPending}

	tr := &StatusTransition{
		To:         StatusApproved,
		At:         now,
		ApprovedBy: StringPtr("alice"),
		ApprovedAt: TimePtr(now),
		ExpiresAt:  TimePtr(now.Add(time.Hour)),
	}
	tr.Apply(req)

	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, now, req.UpdatedAt)
	require.NotNil(t, req.ApprovedBy)
	assert.Equal(t, "alice", *req.ApprovedBy)
	assert.Nil(t, req.DeniedReason)

	*tr.ApprovedBy = "mallory"
	assert.Equal(t, "alice", *req.ApprovedBy, "apply must not alias transition fields")
}

func TestElevationRequest_Clone(t *testing.T) {
	req := &ElevationRequest{
		ID:              uuid.New(),
		TargetProcess:   StringPtr("cmd.exe"),
		ComplianceFlags: []string{"sox"},
	}
	c := req.Clone()
	*c.TargetProcess = "regedit.exe"
	c.ComplianceFlags[0] = "pci"

	assert.Equal(t, "cmd.exe", *req.TargetProcess)
	assert.Equal(t, "sox", req.ComplianceFlags[0])
	assert.Equal(t, "cmd.exe", req.TargetKey())
	assert.Equal(t, "", (&ElevationRequest{}).TargetKey())
}

func TestAuditEntry_HashChain(t *testing.T) {
	req := &ElevationRequest{
		ID:              uuid.New(),
		SessionID:       uuid.New(),
		RiskScore:       40,
		ComplianceFlags: []string{"sox", "hipaa"},
	}

	first := NewAuditEntry(req, AuditActionRequested, "u-1", time.Now()).
		WithDetails(map[string]string{"reason": "patching"})
	first.Chain(1, GenesisHash)

	second := NewAuditEntry(req, AuditActionApproved, "alice", time.Now())
	second.Chain(2, first.EntryHash)

	assert.Len(t, first.EntryHash, 64)
	assert.Equal(t, first.EntryHash, first.ComputeHash())
	assert.Equal(t, first.EntryHash, second.PrevHash)

	first.UserID = "mallory"
	assert.NotEqual(t, first.EntryHash, first.ComputeHash(), "tampering must change the digest")
}

func TestAuditEntry_TimestampPrecision(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("x", 3600))
	e := NewSessionAuditEntry(uuid.New(), AuditActionSessionRevoked, "ops", at)

	assert.Nil(t, e.ElevationRequestID)
	assert.Equal(t, 123456000, e.Timestamp.Nanosecond())
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestMergeFlags(t *testing.T) {
	assert.Equal(t, []string{"sox", "hipaa", "soc2"}, MergeFlags([]string{"sox", "hipaa"}, []string{"soc2", "sox", ""}))
	assert.Empty(t, MergeFlags(nil, nil))
}

func TestPamPolicyConfig_Defaults(t *testing.T) {
	cfg := DefaultPamPolicyConfig()

	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.RequireJustification)
	assert.Equal(t, 2*time.Hour, cfg.MaxElevationDuration.Duration)
	assert.Equal(t, 5*time.Minute, cfg.RequestTimeout.Duration)
	assert.True(t, cfg.Allows(ElevationDomainAdmin), "empty allow list permits all types")
	assert.Equal(t, "soc2", cfg.ComplianceMode.Flag())
	assert.Equal(t, "", ComplianceNone.Flag())
}

func TestPamPolicyConfig_Validate(t *testing.T) {
	cfg := DefaultPamPolicyConfig()
	cfg.MaxElevationDuration = Duration{}
	cfg.AllowedElevationTypes = []ElevationType{"run_as_root"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_elevation_duration")
	assert.Contains(t, err.Error(), "run_as_root")
}

func TestPamPolicyConfig_JSON(t *testing.T) {
	raw := `{"version":3,"require_justification":false,"max_elevation_duration":"30m","request_timeout":120,"allowed_elevation_types":["run_as_admin"]}`

	var cfg PamPolicyConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	assert.Equal(t, int64(3), cfg.Version)
	assert.Equal(t, 30*time.Minute, cfg.MaxElevationDuration.Duration)
	assert.Equal(t, 2*time.Minute, cfg.RequestTimeout.Duration)
	assert.True(t, cfg.Allows(ElevationRunAsAdmin))
	assert.False(t, cfg.Allows(ElevationRunAsSystem))

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"max_elevation_duration":"30m0s"`)
}

func TestPamPolicyConfig_Clone(t *testing.T) {
	cfg := DefaultPamPolicyConfig()
	c := cfg.Clone()
	c.ComplianceRules[ElevationRunAsSystem][0] = "pci"
	c.RestrictedCommands[0] = "dir"

	assert.Equal(t, "sox", cfg.ComplianceRules[ElevationRunAsSystem][0])
	assert.Equal(t, "format", cfg.RestrictedCommands[0])
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
require_justification: true
approval_required_for_admin: false
max_elevation_duration: 45m
sensitive_domains:
  - CORP.EXAMPLE.COM
compliance_mode: hipaa
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.False(t, cfg.ApprovalRequiredForAdmin)
	assert.True(t, cfg.ApprovalRequiredForSystem, "unset fields keep defaults")
	assert.Equal(t, 45*time.Minute, cfg.MaxElevationDuration.Duration)
	assert.Equal(t, []string{"CORP.EXAMPLE.COM"}, cfg.SensitiveDomains)
	assert.Equal(t, ComplianceHIPAA, cfg.ComplianceMode)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_elevation_duration: soon\n"), 0o600))
	_, err = LoadPolicyFile(bad)
	assert.Error(t, err)
}
