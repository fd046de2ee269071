package policy

import (
	"strings"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services"
)

// Draft is the part of an elevation request the policy looks at
type Draft struct {
	ElevationType models.ElevationType
	Domain        string
	TargetProcess string
	TargetCommand string
	Reason        string
}

// CommandRisk classifies a command line by the damage it can do
type CommandRisk string

const (
	CommandRiskNone     CommandRisk = ""
	CommandRiskLow      CommandRisk = "low"
	CommandRiskMedium   CommandRisk = "medium"
	CommandRiskHigh     CommandRisk = "high"
	CommandRiskCritical CommandRisk = "critical"
)

var commandPatterns = []struct {
	risk     CommandRisk
	patterns []string
}{
	{CommandRiskCritical, []string{"format", "del /f /s /q", "rm -rf /", "shutdown", "reboot"}},
	{CommandRiskHigh, []string{"reg delete", "net user", "net localgroup", "gpupdate", "sc delete"}},
	{CommandRiskMedium, []string{"reg add", "netsh", "wmic", "powershell"}},
}

// AssessCommand returns the risk level of a command line
func AssessCommand(command string) CommandRisk {
	cmd := strings.ToLower(strings.TrimSpace(command))
	if cmd == "" {
		return CommandRiskNone
	}
	for _, group := range commandPatterns {
		for _, p := range group.patterns {
			if strings.Contains(cmd, p) {
				return group.risk
			}
		}
	}
	return CommandRiskLow
}

// Risk score components
const (
	riskCommandPresent  = 10
	riskSensitiveDomain = 20
	riskHighRiskProcess = 15
	riskCommandMedium   = 10
	riskCommandHigh     = 20
	riskCommandCritical = 30
)

// typeRisk is ordered user < admin = local_admin < service < system = domain_admin
func typeRisk(t models.ElevationType) int {
	switch t {
	case models.ElevationRunAsUser:
		return 10
	case models.ElevationRunAsAdmin, models.ElevationLocalAdmin:
		return 20
	case models.ElevationRunAsService:
		return 30
	case models.ElevationRunAsSystem, models.ElevationDomainAdmin:
		return 40
	}
	return 40
}

func commandRiskScore(r CommandRisk) int {
	switch r {
	case CommandRiskMedium:
		return riskCommandMedium
	case CommandRiskHigh:
		return riskCommandHigh
	case CommandRiskCritical:
		return riskCommandCritical
	case CommandRiskNone, CommandRiskLow:
		return 0
	}
	return 0
}

// Evaluation is the policy's verdict on a draft
type Evaluation struct {
	RiskScore       int         `json:"risk_score"`
	AutoApprove     bool        `json:"auto_approve"`
	ComplianceFlags []string    `json:"compliance_flags"`
	CommandRisk     CommandRisk `json:"command_risk,omitempty"`
	Factors         []string    `json:"factors"`
}

// Evaluate scores a draft against one policy snapshot. It has no side effects.
func Evaluate(d Draft, cfg *models.PamPolicyConfig) Evaluation {
	ev := Evaluation{
		RiskScore: typeRisk(d.ElevationType),
		Factors:   []string{"type:" + string(d.ElevationType)},
	}

	if strings.TrimSpace(d.TargetCommand) != "" {
		ev.CommandRisk = AssessCommand(d.TargetCommand)
		ev.RiskScore += riskCommandPresent + commandRiskScore(ev.CommandRisk)
		ev.Factors = append(ev.Factors, "command:"+string(ev.CommandRisk))
	}
	if d.Domain != "" && containsFold(cfg.SensitiveDomains, d.Domain) {
		ev.RiskScore += riskSensitiveDomain
		ev.Factors = append(ev.Factors, "sensitive_domain")
	}
	if d.TargetProcess != "" && containsFold(cfg.HighRiskProcesses, d.TargetProcess) {
		ev.RiskScore += riskHighRiskProcess
		ev.Factors = append(ev.Factors, "high_risk_process")
	}

	ev.AutoApprove = autoApprove(d.ElevationType, cfg)
	ev.ComplianceFlags = models.MergeFlags(cfg.ComplianceRules[d.ElevationType], []string{cfg.ComplianceMode.Flag()})
	return ev
}

func autoApprove(t models.ElevationType, cfg *models.PamPolicyConfig) bool {
	switch t {
	case models.ElevationDomainAdmin:
		return false
	case models.ElevationRunAsAdmin, models.ElevationLocalAdmin:
		return !cfg.ApprovalRequiredForAdmin
	case models.ElevationRunAsSystem:
		return !cfg.ApprovalRequiredForSystem
	case models.ElevationRunAsUser, models.ElevationRunAsService:
		return true
	}
	return false
}

// Admit rejects drafts the policy forbids outright
func Admit(d Draft, cfg *models.PamPolicyConfig) error {
	if !d.ElevationType.Valid() {
		return services.NewDomainError(services.ErrorTypeInvalidArgument, "unknown elevation type", nil).
			WithDetail("elevation_type", string(d.ElevationType))
	}
	if !cfg.Allows(d.ElevationType) {
		return services.NewDomainError(services.ErrorTypeInvalidArgument, "elevation type not allowed by policy", nil).
			WithDetail("elevation_type", string(d.ElevationType))
	}
	if cfg.RequireJustification && strings.TrimSpace(d.Reason) == "" {
		return services.NewDomainError(services.ErrorTypeInvalidArgument, "reason is required by policy", nil)
	}
	if d.TargetCommand != "" {
		cmd := strings.ToLower(d.TargetCommand)
		for _, restricted := range cfg.RestrictedCommands {
			if strings.Contains(cmd, strings.ToLower(restricted)) {
				return services.NewDomainError(services.ErrorTypeInvalidArgument, "command contains restricted pattern", nil).
					WithDetail("pattern", restricted)
			}
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
