package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PamConfigSettingKey is the app_settings key holding the policy JSON
const PamConfigSettingKey = "pam_config"

// ComplianceMode names the regulatory regime stamped on every audit entry
type ComplianceMode string

const (
	ComplianceNone  ComplianceMode = "none"
	ComplianceSOX   ComplianceMode = "sox"
	ComplianceHIPAA ComplianceMode = "hipaa"
	CompliancePCI   ComplianceMode = "pci"
	ComplianceSOC2  ComplianceMode = "soc2"
)

// Flag returns the audit label for the mode. Custom modes are lowercased.
func (m ComplianceMode) Flag() string {
	if m == "" || m == ComplianceNone {
		return ""
	}
	return strings.ToLower(string(m))
}

// Duration is a time.Duration that encodes as a Go duration string
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration as a string such as "2h0m0s"
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds")
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML accepts a duration string such as "15m"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// PamPolicyConfig is the process-wide elevation policy. Instances are treated
// as immutable once published; replace the whole value to change policy.
type PamPolicyConfig struct {
	Version                   int64                      `json:"version" yaml:"-"`
	RequireJustification      bool                       `json:"require_justification" yaml:"require_justification"`
	ApprovalRequiredForAdmin  bool                       `json:"approval_required_for_admin" yaml:"approval_required_for_admin"`
	ApprovalRequiredForSystem bool                       `json:"approval_required_for_system" yaml:"approval_required_for_system"`
	MaxElevationDuration      Duration                   `json:"max_elevation_duration" yaml:"max_elevation_duration"`
	RequestTimeout            Duration                   `json:"request_timeout" yaml:"request_timeout"`
	AuditRetention            Duration                   `json:"audit_retention" yaml:"audit_retention"`
	AllowedElevationTypes     []ElevationType            `json:"allowed_elevation_types" yaml:"allowed_elevation_types"`
	RestrictedCommands        []string                   `json:"restricted_commands" yaml:"restricted_commands"`
	HighRiskProcesses         []string                   `json:"high_risk_processes" yaml:"high_risk_processes"`
	SensitiveDomains          []string                   `json:"sensitive_domains" yaml:"sensitive_domains"`
	ComplianceMode            ComplianceMode             `json:"compliance_mode" yaml:"compliance_mode"`
	ComplianceRules           map[ElevationType][]string `json:"compliance_rules" yaml:"compliance_rules"`
}

// DefaultPamPolicyConfig returns the built-in policy used when nothing is persisted
func DefaultPamPolicyConfig() *PamPolicyConfig {
	return &PamPolicyConfig{
		Version:                   1,
		RequireJustification:      true,
		ApprovalRequiredForAdmin:  true,
		ApprovalRequiredForSystem: true,
		MaxElevationDuration:      Duration{2 * time.Hour},
		RequestTimeout:            Duration{5 * time.Minute},
		AuditRetention:            Duration{365 * 24 * time.Hour},
		RestrictedCommands: []string{
			"format",
			`del /f /s /q C:\*`,
			"rm -rf /",
			"shutdown",
		},
		HighRiskProcesses: []string{
			"cmd.exe",
			"powershell.exe",
			"regedit.exe",
			"services.msc",
		},
		ComplianceMode: ComplianceSOC2,
		ComplianceRules: map[ElevationType][]string{
			ElevationRunAsSystem: {"sox", "hipaa"},
			ElevationDomainAdmin: {"sox", "hipaa"},
		},
	}
}

// Validate checks the policy for values the engine cannot work with
func (c *PamPolicyConfig) Validate() error {
	var errs []error
	if c.MaxElevationDuration.Duration <= 0 {
		errs = append(errs, errors.New("max_elevation_duration must be positive"))
	}
	if c.RequestTimeout.Duration <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.AuditRetention.Duration < 0 {
		errs = append(errs, errors.New("audit_retention cannot be negative"))
	}
	for _, t := range c.AllowedElevationTypes {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("allowed_elevation_types: unknown type %q", t))
		}
	}
	for t := range c.ComplianceRules {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("compliance_rules: unknown type %q", t))
		}
	}
	for _, p := range c.RestrictedCommands {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, errors.New("restricted_commands cannot contain empty patterns"))
			break
		}
	}
	return errors.Join(errs...)
}

// Allows reports whether the policy permits the elevation type.
// An empty allow list permits every type.
func (c *PamPolicyConfig) Allows(t ElevationType) bool {
	if len(c.AllowedElevationTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedElevationTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (c *PamPolicyConfig) Clone() *PamPolicyConfig {
	out := *c
	out.AllowedElevationTypes = append([]ElevationType(nil), c.AllowedElevationTypes...)
	out.RestrictedCommands = append([]string(nil), c.RestrictedCommands...)
	out.HighRiskProcesses = append([]string(nil), c.HighRiskProcesses...)
	out.SensitiveDomains = append([]string(nil), c.SensitiveDomains...)
	if c.ComplianceRules != nil {
		out.ComplianceRules = make(map[ElevationType][]string, len(c.ComplianceRules))
		for k, v := range c.ComplianceRules {
			out.ComplianceRules[k] = append([]string(nil), v...)
		}
	}
	return &out
}

// LoadPolicyFile reads a YAML policy file on top of the defaults
func LoadPolicyFile(path string) (*PamPolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	cfg := DefaultPamPolicyConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return cfg, nil
}
