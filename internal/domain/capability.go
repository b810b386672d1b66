package domain

import "time"

// RiskLevel — агрегированный уровень риска запроса на выдачу capability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Пороговые значения риска. Счет аддитивный, интерпретируется порогами.
const (
	RiskThresholdMedium   = 0.2
	RiskThresholdHigh     = 0.5
	RiskThresholdCritical = 0.7
)

// LevelForScore отображает суммарный счет риска в уровень.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= RiskThresholdCritical:
		return RiskCritical
	case score >= RiskThresholdHigh:
		return RiskHigh
	case score >= RiskThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// DecisionKind — исход обработки CapabilityRequest.
type DecisionKind string

const (
	DecisionAutoGrant           DecisionKind = "AUTO_GRANT"
	DecisionRequireConfirmation DecisionKind = "REQUIRE_CONFIRMATION"
	DecisionAutoDeny            DecisionKind = "AUTO_DENY"
)

// DefaultGrantTTLSeconds — фиксированный срок жизни гранта.
const DefaultGrantTTLSeconds = 3600

// ResourceLimits — лимиты исполнения. Указатели, потому что отсутствие
// значения (nil) при слиянии уступает другой стороне.
type ResourceLimits struct {
	MemoryMB     *int     `json:"memory_mb,omitempty"`
	CPUCores     *float64 `json:"cpu_cores,omitempty"`
	TimeoutSec   *int     `json:"timeout_sec,omitempty"`
	MaxProcesses *int     `json:"max_processes,omitempty"`
}

// MergeLimits сводит запрошенные лимиты с дефолтами типа агента:
// по каждому полю берется минимум, nil с любой стороны уступает другой.
// Итоговый грант никогда не превышает дефолты типа агента.
func MergeLimits(requested, defaults ResourceLimits) ResourceLimits {
	return ResourceLimits{
		MemoryMB:     minInt(requested.MemoryMB, defaults.MemoryMB),
		CPUCores:     minFloat(requested.CPUCores, defaults.CPUCores),
		TimeoutSec:   minInt(requested.TimeoutSec, defaults.TimeoutSec),
		MaxProcesses: minInt(requested.MaxProcesses, defaults.MaxProcesses),
	}
}

func minInt(a, b *int) *int {
	if a == nil {
		return copyInt(b)
	}
	if b == nil {
		return copyInt(a)
	}
	if *a < *b {
		return copyInt(a)
	}
	return copyInt(b)
}

func minFloat(a, b *float64) *float64 {
	if a == nil {
		return copyFloat(b)
	}
	if b == nil {
		return copyFloat(a)
	}
	if *a < *b {
		return copyFloat(a)
	}
	return copyFloat(b)
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// CapabilityRequest — запрос агента на пакет возможностей перед стартом задачи.
type CapabilityRequest struct {
	AgentID   string `json:"agent_id" validate:"required"`
	AgentType string `json:"agent_type" validate:"required"`
	// RequestID задается вызывающим для идемпотентного повтора;
	// при отсутствии генерируется свежий случайный id.
	RequestID       string            `json:"request_id,omitempty"`
	Tools           []string          `json:"tools,omitempty"`
	EnvVars         []string          `json:"env_vars,omitempty"`
	Paths           []string          `json:"paths,omitempty"`
	Network         bool              `json:"network"`
	ResourceLimits  ResourceLimits    `json:"resource_limits"`
	Command         string            `json:"command,omitempty"` // Свободный текст для анализа намерений
	TaskDescription string            `json:"task_description,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
}

// CapabilityGrant — выданный, отзываемый, ограниченный по времени грант.
type CapabilityGrant struct {
	GrantID         string         `json:"grant_id"`
	RequestID       string         `json:"request_id"`
	AgentID         string         `json:"agent_id"`
	AuditID         string         `json:"audit_id"`
	GrantedTools    []string       `json:"granted_tools"`
	GrantedEnvVars  []string       `json:"granted_env_vars"`
	GrantedPaths    []string       `json:"granted_paths"`
	NetworkAllowed  bool           `json:"network_allowed"`
	ResourceLimits  ResourceLimits `json:"resource_limits"`
	TTLSeconds      int            `json:"ttl_seconds"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RevokedAt       *time.Time     `json:"revoked_at,omitempty"`
	RevocationToken string         `json:"revocation_token"` // Секрет, обязательный для отзыва
	Rationale       []string       `json:"decision_rationale"`
	TrustScore      float64        `json:"trust_score"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Expired — ленивое истечение срока жизни гранта.
func (g *CapabilityGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}

// Active — грант не отозван и не истек.
func (g *CapabilityGrant) Active(now time.Time) bool {
	return g.RevokedAt == nil && !g.Expired(now)
}

// CapabilityDeny — запись об автоматическом отказе.
type CapabilityDeny struct {
	DenyID             string    `json:"deny_id"`
	RequestID          string    `json:"request_id"`
	AgentID            string    `json:"agent_id"`
	AuditID            string    `json:"audit_id"`
	DeniedReason       string    `json:"denied_reason"`
	DeniedCapabilities []string  `json:"denied_capabilities"`
	RiskLevel          RiskLevel `json:"risk_level"`
	CreatedAt          time.Time `json:"created_at"`
}

// ConfirmationRequest — структурированный запрос на внешнее подтверждение
// (MEDIUM-риск). Ничего не персистится и не кэшируется — только данные
// для решения человеком/старшим агентом.
type ConfirmationRequest struct {
	RequestID  string            `json:"request_id"`
	AgentID    string            `json:"agent_id"`
	AgentType  string            `json:"agent_type"`
	AuditID    string            `json:"audit_id"`
	Tools      []string          `json:"tools"`
	EnvVars    []string          `json:"env_vars"`
	Paths      []string          `json:"paths"`
	Network    bool              `json:"network"`
	RiskScore  float64           `json:"risk_score"`
	RiskLevel  RiskLevel         `json:"risk_level"`
	Reasons    []string          `json:"reasons"`
	TrustScore float64           `json:"trust_score"`
	Context    map[string]string `json:"context,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// CapabilityOutcome — tagged union исхода: заполнено ровно одно из трех полей.
type CapabilityOutcome struct {
	Kind         DecisionKind         `json:"decision"`
	Grant        *CapabilityGrant     `json:"grant,omitempty"`
	Deny         *CapabilityDeny      `json:"deny,omitempty"`
	Confirmation *ConfirmationRequest `json:"confirmation,omitempty"`
}
