package permission

/*
Файл manager.go реализует динамический менеджер выдачи capability.

Агент перед стартом задачи просит пакет возможностей (инструменты,
переменные окружения, пути, сеть). Менеджер оценивает риск запроса и
возвращает один из трех исходов: AUTO_GRANT (низкий риск — грант с TTL
и токеном отзыва), REQUIRE_CONFIRMATION (средний — структурированный
запрос на внешнее подтверждение) или AUTO_DENY (высокий/критический).

Вся обработка сериализована одним мьютексом: консистентность кэша
грантов и trust score важнее пропускной способности, персистентные
вызовы идут под локом.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agent-authz/internal/audit"
	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra"
	"github.com/xela07ax/agent-authz/internal/metrics"
	"go.uber.org/zap"
)

// GrantRepository описывает требования менеджера к хранилищу грантов
// и истории аудита (для trust score).
type GrantRepository interface {
	SaveGrant(ctx context.Context, g domain.CapabilityGrant) error
	GetGrant(ctx context.Context, grantID string) (*domain.CapabilityGrant, error)
	MarkRevoked(ctx context.Context, grantID string, at time.Time, reason string) error
	ActiveGrants(ctx context.Context, agentID string, now time.Time) ([]domain.CapabilityGrant, error)
	// TrustHistory возвращает действия аудита агента, начиная с since
	TrustHistory(ctx context.Context, agentID string, since time.Time) ([]string, error)
}

// limitDefaults — дефолтные лимиты по типам агентов. Итоговые лимиты
// гранта — min(запрошенное, дефолт) по каждому полю.
var limitDefaults = map[string]domain.ResourceLimits{
	"sweagent":  {MemoryMB: intPtr(8192), CPUCores: floatPtr(4), TimeoutSec: intPtr(1800), MaxProcesses: intPtr(64)},
	"dataagent": {MemoryMB: intPtr(16000), CPUCores: floatPtr(8), TimeoutSec: intPtr(3600), MaxProcesses: intPtr(32)},
	"opsagent":  {MemoryMB: intPtr(4096), CPUCores: floatPtr(2), TimeoutSec: intPtr(900), MaxProcesses: intPtr(32)},
	"default":   {MemoryMB: intPtr(4096), CPUCores: floatPtr(2), TimeoutSec: intPtr(900), MaxProcesses: intPtr(16)},
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

type Manager struct {
	mu      sync.Mutex
	repo    GrantRepository
	auditor audit.Logger
	rdb     *redis.Client // nil допустим: сигналы отзыва просто не шлются
	logger  *zap.Logger
	metrics *metrics.Metrics

	grantTTL    time.Duration
	trustWindow time.Duration

	// Кэш грантов по request_id — механизм идемпотентного повтора,
	// ключ задается вызывающим (см. решение по Open Question в DESIGN.md)
	grants map[string]*domain.CapabilityGrant

	// Trust score кэшируются на время жизни процесса, без TTL:
	// устаревание — осознанный компромисс этого дизайна
	trust map[string]float64

	now func() time.Time
}

func NewManager(repo GrantRepository, auditor audit.Logger, rdb *redis.Client, m *metrics.Metrics, cfg infra.PermissionConfig, logger *zap.Logger) *Manager {
	if cfg.GrantTTL <= 0 {
		cfg.GrantTTL = domain.DefaultGrantTTLSeconds * time.Second
	}
	if cfg.TrustWindow <= 0 {
		cfg.TrustWindow = 30 * 24 * time.Hour
	}
	return &Manager{
		repo:        repo,
		auditor:     auditor,
		rdb:         rdb,
		metrics:     m,
		logger:      logger.Named("permission"),
		grantTTL:    cfg.GrantTTL,
		trustWindow: cfg.TrustWindow,
		grants:      make(map[string]*domain.CapabilityGrant),
		trust:       make(map[string]float64),
		now:         time.Now,
	}
}

// RequestCapability обрабатывает запрос на пакет возможностей.
func (m *Manager) RequestCapability(ctx context.Context, req domain.CapabilityRequest) (domain.CapabilityOutcome, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return domain.CapabilityOutcome{}, fmt.Errorf("permission: agent_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	// 1. Идемпотентность: повтор того же request_id с еще живым грантом
	// возвращает грант дословно. Это replay-защита по идентичности вызова,
	// а не контентный кэш: семантически равные запросы с разными id
	// оцениваются независимо.
	if g, ok := m.grants[req.RequestID]; ok {
		if g.Active(now) {
			m.logger.Debug("idempotent replay", zap.String("request_id", req.RequestID))
			return domain.CapabilityOutcome{Kind: domain.DecisionAutoGrant, Grant: g}, nil
		}
		delete(m.grants, req.RequestID) // Ленивое вычищение протухшего
	}

	// 2. Аудит сырого запроса
	auditID := uuid.New().String()
	m.auditor.Log(audit.Event{
		ID:        auditID,
		Action:    audit.ActionCapabilityRequest,
		AgentID:   req.AgentID,
		RequestID: req.RequestID,
		Details: map[string]any{
			"agent_type": req.AgentType,
			"tools":      req.Tools,
			"env_vars":   req.EnvVars,
			"paths":      req.Paths,
			"network":    req.Network,
			"command":    req.Command,
			"task":       req.TaskDescription,
		},
		Timestamp: now,
	})

	// 3-4. Оценка риска
	trust := m.trustScoreLocked(ctx, req.AgentID)
	a := assessRisk(req, trust)
	m.metrics.RiskScore.Observe(a.Score)

	m.logger.Info("capability request assessed",
		zap.String("agent_id", req.AgentID),
		zap.String("request_id", req.RequestID),
		zap.Float64("score", a.Score),
		zap.String("level", string(a.Level)))

	switch a.Level {
	case domain.RiskLow:
		return m.autoGrantLocked(ctx, req, a, trust, auditID, now), nil
	case domain.RiskMedium:
		return m.requireConfirmationLocked(req, a, trust, auditID, now), nil
	default: // HIGH и CRITICAL
		return m.autoDenyLocked(req, a, auditID, now), nil
	}
}

// autoGrantLocked строит грант «как запрошено» с TTL и токеном отзыва.
func (m *Manager) autoGrantLocked(ctx context.Context, req domain.CapabilityRequest, a assessment, trust float64, auditID string, now time.Time) domain.CapabilityOutcome {
	defaults, ok := limitDefaults[strings.ToLower(req.AgentType)]
	if !ok {
		defaults = limitDefaults["default"]
	}

	ttlSec := int(m.grantTTL / time.Second)
	grant := &domain.CapabilityGrant{
		GrantID:         uuid.New().String(),
		RequestID:       req.RequestID,
		AgentID:         req.AgentID,
		AuditID:         auditID,
		GrantedTools:    append([]string(nil), req.Tools...),
		GrantedEnvVars:  append([]string(nil), req.EnvVars...),
		GrantedPaths:    append([]string(nil), req.Paths...),
		NetworkAllowed:  req.Network,
		ResourceLimits:  domain.MergeLimits(req.ResourceLimits, defaults),
		TTLSeconds:      ttlSec,
		ExpiresAt:       now.Add(m.grantTTL),
		RevocationToken: uuid.New().String(),
		Rationale:       a.Reasons, // Причины остаются в обосновании, даже если счет остался низким
		TrustScore:      trust,
		CreatedAt:       now,
	}

	// Персистентность best-effort: сбой БД не отменяет уже принятое решение
	if err := m.repo.SaveGrant(ctx, *grant); err != nil {
		m.logger.Warn("grant persist failed", zap.String("grant_id", grant.GrantID), zap.Error(err))
	}
	m.grants[req.RequestID] = grant

	m.auditor.Log(audit.Event{
		Action:    audit.ActionGrant,
		AgentID:   req.AgentID,
		RequestID: req.RequestID,
		Details: map[string]any{
			"grant_id":    grant.GrantID,
			"ttl_seconds": grant.TTLSeconds,
			"risk_score":  a.Score,
		},
		Timestamp: now,
	})
	m.metrics.CapabilityOutcomes.WithLabelValues(string(domain.DecisionAutoGrant)).Inc()

	return domain.CapabilityOutcome{Kind: domain.DecisionAutoGrant, Grant: grant}
}

// requireConfirmationLocked формирует запрос на внешнее подтверждение.
// Ничего не персистится и не кэшируется.
func (m *Manager) requireConfirmationLocked(req domain.CapabilityRequest, a assessment, trust float64, auditID string, now time.Time) domain.CapabilityOutcome {
	conf := &domain.ConfirmationRequest{
		RequestID:  req.RequestID,
		AgentID:    req.AgentID,
		AgentType:  req.AgentType,
		AuditID:    auditID,
		Tools:      append([]string(nil), req.Tools...),
		EnvVars:    append([]string(nil), req.EnvVars...),
		Paths:      append([]string(nil), req.Paths...),
		Network:    req.Network,
		RiskScore:  a.Score,
		RiskLevel:  a.Level,
		Reasons:    a.Reasons,
		TrustScore: trust,
		Context:    req.Context,
		Timestamp:  now,
	}

	m.auditor.Log(audit.Event{
		Action:    audit.ActionConfirmationRequired,
		AgentID:   req.AgentID,
		RequestID: req.RequestID,
		Details:   map[string]any{"risk_score": a.Score, "reasons": a.Reasons},
		Timestamp: now,
	})
	m.metrics.CapabilityOutcomes.WithLabelValues(string(domain.DecisionRequireConfirmation)).Inc()

	return domain.CapabilityOutcome{Kind: domain.DecisionRequireConfirmation, Confirmation: conf}
}

func (m *Manager) autoDenyLocked(req domain.CapabilityRequest, a assessment, auditID string, now time.Time) domain.CapabilityOutcome {
	denied := append([]string(nil), req.Tools...)
	if req.Network {
		denied = append(denied, "network")
	}

	deny := &domain.CapabilityDeny{
		DenyID:             uuid.New().String(),
		RequestID:          req.RequestID,
		AgentID:            req.AgentID,
		AuditID:            auditID,
		DeniedReason:       strings.Join(a.Reasons, "; "),
		DeniedCapabilities: denied,
		RiskLevel:          a.Level,
		CreatedAt:          now,
	}

	m.auditor.Log(audit.Event{
		Action:    audit.ActionDeny,
		AgentID:   req.AgentID,
		RequestID: req.RequestID,
		Details: map[string]any{
			"deny_id":    deny.DenyID,
			"risk_score": a.Score,
			"risk_level": string(a.Level),
			"reasons":    a.Reasons,
		},
		Timestamp: now,
	})
	m.metrics.CapabilityOutcomes.WithLabelValues(string(domain.DecisionAutoDeny)).Inc()

	return domain.CapabilityOutcome{Kind: domain.DecisionAutoDeny, Deny: deny}
}

// trustScoreLocked — trust score агента: сперва из памяти, при промахе —
// среднее по истории аудита за окно (grant = 1.0, остальное = 0.5),
// нейтральные 0.5 для агентов без истории.
func (m *Manager) trustScoreLocked(ctx context.Context, agentID string) float64 {
	if score, ok := m.trust[agentID]; ok {
		return score
	}

	actions, err := m.repo.TrustHistory(ctx, agentID, m.now().Add(-m.trustWindow))
	if err != nil {
		// При недоступной истории не кэшируем — следующий запрос попробует снова
		m.logger.Warn("trust history unavailable", zap.String("agent_id", agentID), zap.Error(err))
		return 0.5
	}

	score := 0.5
	if len(actions) > 0 {
		var sum float64
		for _, action := range actions {
			if action == audit.ActionGrant {
				sum += 1.0
			} else {
				sum += 0.5
			}
		}
		score = sum / float64(len(actions))
	}

	m.trust[agentID] = score
	return score
}

// RevokeGrant отзывает грант. Успех только при точном совпадении пары
// (grant_id, revocation_token); любое несовпадение — false без ошибки,
// это штатный исход «не уполномочен отзывать».
func (m *Manager) RevokeGrant(ctx context.Context, grantID, revocationToken, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var grant *domain.CapabilityGrant
	for _, g := range m.grants {
		if g.GrantID == grantID {
			grant = g
			break
		}
	}
	if grant == nil {
		stored, err := m.repo.GetGrant(ctx, grantID)
		if err != nil {
			m.logger.Warn("grant lookup failed", zap.String("grant_id", grantID), zap.Error(err))
			return false
		}
		grant = stored
	}
	if grant == nil || grant.RevokedAt != nil {
		return false
	}
	if grant.RevocationToken != revocationToken {
		m.logger.Warn("revocation token mismatch", zap.String("grant_id", grantID))
		return false
	}

	now := m.now()
	if err := m.repo.MarkRevoked(ctx, grantID, now, reason); err != nil {
		m.logger.Warn("revocation persist failed", zap.String("grant_id", grantID), zap.Error(err))
	}
	grant.RevokedAt = &now
	delete(m.grants, grant.RequestID)

	// Сигнал соседним инстансам выкинуть грант из своих кэшей
	if m.rdb != nil {
		if err := m.rdb.Publish(ctx, infra.RedisChanGrantRevoked, grant.RequestID).Err(); err != nil {
			m.logger.Warn("revocation signal failed", zap.Error(err))
		}
	}

	m.auditor.Log(audit.Event{
		Action:    audit.ActionRevoke,
		AgentID:   grant.AgentID,
		RequestID: grant.RequestID,
		Details:   map[string]any{"grant_id": grantID, "reason": reason},
		Timestamp: now,
	})

	m.logger.Info("grant revoked", zap.String("grant_id", grantID), zap.String("reason", reason))
	return true
}

// GetActiveGrants — активные (не отозванные, не истекшие) гранты агента
// из персистентного хранилища.
func (m *Manager) GetActiveGrants(ctx context.Context, agentID string) ([]domain.CapabilityGrant, error) {
	return m.repo.ActiveGrants(ctx, agentID, m.now())
}

// StartRevocationListener подписывается на сигналы отзыва грантов от
// соседних инстансов и чистит локальный кэш.
func (m *Manager) StartRevocationListener(ctx context.Context, rdb *redis.Client) {
	for {
		pubsub := rdb.Subscribe(ctx, infra.RedisChanGrantRevoked)

		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("failed to subscribe", zap.String("chan", infra.RedisChanGrantRevoked), zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop
				}
				m.mu.Lock()
				delete(m.grants, msg.Payload)
				m.mu.Unlock()
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
