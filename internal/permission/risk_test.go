package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xela07ax/agent-authz/internal/domain"
)

const neutralTrust = 0.5

func TestAssessRisk_TypicalSWERequestIsLow(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "swe-1",
		AgentType: "SWEAgent",
		Tools:     []string{"compiler", "debugger", "editor"},
	}

	a := assessRisk(req, neutralTrust)
	assert.Zero(t, a.Score)
	assert.Equal(t, domain.RiskLow, a.Level)
	assert.Empty(t, a.Reasons)
}

func TestAssessRisk_IncompatibleToolIsMedium(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "swe-1",
		AgentType: "sweagent",
		Tools:     []string{"compiler", "powershell"},
	}

	a := assessRisk(req, neutralTrust)
	assert.InDelta(t, scoreIncompatibleTool, a.Score, 1e-9)
	assert.Equal(t, domain.RiskMedium, a.Level)
	assert.Len(t, a.Reasons, 1)
}

func TestAssessRisk_AttackShapedRequestIsCritical(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "swe-1",
		AgentType: "sweagent",
		Tools:     []string{"delete", "system32_access", "powershell"},
		Network:   true,
		Command:   "rm -rf / --no-preserve-root",
	}

	a := assessRisk(req, neutralTrust)
	assert.Equal(t, domain.RiskCritical, a.Level)
	// 3 инструмента вне профиля + 2 паттерна + опасная команда
	assert.Greater(t, a.Score, domain.RiskThresholdCritical)
	assert.NotEmpty(t, a.Reasons)
}

func TestAssessRisk_CommandPenaltyOnlyFirstMatchCounts(t *testing.T) {
	base := domain.CapabilityRequest{AgentID: "a", AgentType: "sweagent"}

	one := base
	one.Command = "rm -rf /tmp/build"
	a1 := assessRisk(one, neutralTrust)

	many := base
	many.Command = "rm -rf /tmp && dd if=/dev/zero && mkfs.ext4 /dev/sda"
	a2 := assessRisk(many, neutralTrust)

	assert.InDelta(t, a1.Score, a2.Score, 1e-9, "keyword penalties must not stack")
	assert.InDelta(t, 0.4, a1.Score, 1e-9)
}

func TestAssessRisk_LowTrustPenalty(t *testing.T) {
	req := domain.CapabilityRequest{AgentID: "a", AgentType: "sweagent", Tools: []string{"compiler"}}

	low := assessRisk(req, 0.1)
	neutral := assessRisk(req, neutralTrust)

	assert.InDelta(t, scoreLowTrust, low.Score-neutral.Score, 1e-9)
}

func TestAssessRisk_ExcessiveMemory(t *testing.T) {
	mem := 32000
	req := domain.CapabilityRequest{
		AgentID:        "a",
		AgentType:      "dataagent",
		ResourceLimits: domain.ResourceLimits{MemoryMB: &mem},
	}

	a := assessRisk(req, neutralTrust)
	assert.InDelta(t, scoreExcessiveMemory, a.Score, 1e-9)

	atLimit := memoryRiskThresholdMB
	req.ResourceLimits.MemoryMB = &atLimit
	a = assessRisk(req, neutralTrust)
	assert.Zero(t, a.Score, "threshold itself is not a violation")
}

func TestAssessRisk_SensitivePathCountedOnce(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "a",
		AgentType: "opsagent",
		Paths:     []string{"/home/user/.ssh/id_rsa", "/etc/shadow"},
	}

	a := assessRisk(req, neutralTrust)
	assert.InDelta(t, scoreSensitivePath, a.Score, 1e-9, "sensitive path factor contributes once")
}

func TestAssessRisk_UnknownAgentTypeUsesDefaultProfile(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "a",
		AgentType: "quantumagent",
		Tools:     []string{"file_read", "compiler"},
	}

	a := assessRisk(req, neutralTrust)
	// file_read штатен для дефолтного профиля, compiler — нет
	assert.InDelta(t, scoreIncompatibleTool, a.Score, 1e-9)
}

// Добавление рискового фактора к фиксированному запросу никогда не
// снижает итоговый счет.
func TestAssessRisk_MonotonicInFactors(t *testing.T) {
	req := domain.CapabilityRequest{
		AgentID:   "a",
		AgentType: "sweagent",
		Tools:     []string{"compiler"},
	}
	prev := assessRisk(req, neutralTrust).Score

	req.Tools = append(req.Tools, "powershell")
	s := assessRisk(req, neutralTrust).Score
	assert.GreaterOrEqual(t, s, prev)
	prev = s

	req.Network = true // Включает паттерн powershell+network
	s = assessRisk(req, neutralTrust).Score
	assert.GreaterOrEqual(t, s, prev)
	prev = s

	req.Command = "dd if=/dev/urandom"
	s = assessRisk(req, neutralTrust).Score
	assert.GreaterOrEqual(t, s, prev)
	prev = s

	req.Paths = []string{"/root/.bashrc"}
	s = assessRisk(req, neutralTrust).Score
	assert.GreaterOrEqual(t, s, prev)
}

func TestLevelForScore_Thresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{0.19, domain.RiskLow},
		{0.2, domain.RiskMedium},
		{0.49, domain.RiskMedium},
		{0.5, domain.RiskHigh},
		{0.69, domain.RiskHigh},
		{0.7, domain.RiskCritical},
		{1.75, domain.RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, domain.LevelForScore(tt.score), "score %.2f", tt.score)
	}
}
