package audit

import "time"

// Действия, фиксируемые в аудит-трейле авторизации.
const (
	ActionACLAllow             = "acl_allow"
	ActionACLDeny              = "acl_deny"
	ActionCapabilityRequest    = "capability_request"
	ActionGrant                = "grant"
	ActionDeny                 = "deny"
	ActionConfirmationRequired = "confirmation_required"
	ActionRevoke               = "revoke"
)

// Event — одна запись аудита. Контракт fire-and-forget: сбой записи
// логируется, но никогда не блокирует и не отменяет решение.
type Event struct {
	ID        string         `json:"audit_id"`
	Action    string         `json:"action"`
	AgentID   string         `json:"agent_id"`
	RequestID string         `json:"request_id,omitempty"`
	Resource  string         `json:"resource,omitempty"` // Путь или capability, к которому шел доступ
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
