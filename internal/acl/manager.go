package acl

/*
Файл manager.go реализует иерархический слой контроля доступа (ACL).

Менеджер держит агентов, правила и шаблоны ролей в памяти и отвечает на
вопрос «может ли агент X выполнить операцию O над путем P». Вычисление
идет по фиксированной иерархии субъектов (агент → пулы → роль → шаблоны
роли → глобальные правила) с семантикой deny-override: сработавший deny
побеждает любой allow независимо от приоритетов. Приоритет нужен только
для детерминированного порядка, не для разрешения конфликтов.

Persistence и аудит — внешние коллабораторы: их сбои логируются и никогда
не блокируют решение (fail-safe-but-available). Ошибки валидации входа,
напротив, возвращаются вызывающему синхронно.
*/

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/agent-authz/internal/audit"
	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra"
	"github.com/xela07ax/agent-authz/internal/metrics"
	"go.uber.org/zap"
)

// Repository описывает требования менеджера к хранилищу агентов и правил.
type Repository interface {
	LoadAgents(ctx context.Context) ([]domain.AgentRecord, error)
	LoadRules(ctx context.Context) ([]domain.RuleRecord, error)
	LoadRulesForSubject(ctx context.Context, st domain.SubjectType, subjectID string) ([]domain.RuleRecord, error)
	UpsertAgent(ctx context.Context, a domain.AgentRecord) error
	InsertRule(ctx context.Context, r domain.RuleRecord) (int64, error)
	DeleteRule(ctx context.Context, id int64) (bool, error)
}

// SettingsProvider отдает актуальный снимок ACL-настроек. Менеджер сверяет
// подпись снимка на каждой проверке — hot-reload шаблонов без рестарта.
type SettingsProvider interface {
	ACLSettings() infra.ACLConfig
}

// SettingsFunc — адаптер функции под SettingsProvider.
type SettingsFunc func() infra.ACLConfig

func (f SettingsFunc) ACLSettings() infra.ACLConfig { return f() }

type Manager struct {
	mu       sync.Mutex
	repo     Repository
	settings SettingsProvider
	auditor  audit.Logger
	logger   *zap.Logger
	metrics  *metrics.Metrics

	initialized bool

	agents map[string]domain.AgentRecord
	// subjectKey ("agent:id", "pool:p", "role:r", "global:*") -> правила,
	// отсортированные по (priority, id)
	rules map[string][]domain.RuleRecord

	templates        map[string][]domain.RuleRecord
	templateInherits map[string]string
	templateSig      string
	// Приватный отрицательный счетчик id для правил, не имеющих
	// персистентной идентичности
	nextMemID int64

	cache *decisionCache
}

func NewManager(repo Repository, settings SettingsProvider, auditor audit.Logger, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		repo:      repo,
		settings:  settings,
		auditor:   auditor,
		metrics:   m,
		logger:    logger.Named("acl"),
		agents:    make(map[string]domain.AgentRecord),
		rules:     make(map[string][]domain.RuleRecord),
		nextMemID: -1,
	}
}

// Init выполняет холодную загрузку агентов и правил из персистентного
// хранилища и разворачивает шаблоны ролей. Идемпотентен: повторный вызов
// под уже инициализированным менеджером — no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	agents, err := m.repo.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("acl: failed to load agents: %w", err)
	}
	for _, a := range agents {
		m.agents[a.AgentID] = a
	}

	rules, err := m.repo.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("acl: failed to load rules: %w", err)
	}
	for _, r := range rules {
		key := domain.SubjectKey(r.SubjectType, r.SubjectID)
		m.rules[key] = append(m.rules[key], r)
	}
	for key := range m.rules {
		domain.SortRules(m.rules[key])
	}

	s := m.settings.ACLSettings()
	m.rebuildTemplatesLocked(s)
	m.cache = newDecisionCache(s.PermissionCacheTTL)

	m.initialized = true
	m.logger.Info("acl manager initialized",
		zap.Int("agents", len(m.agents)),
		zap.Int("rule_subjects", len(m.rules)),
		zap.Int("role_templates", len(m.templates)))
	return nil
}

func (m *Manager) rebuildTemplatesLocked(s infra.ACLConfig) {
	m.templates, m.templateInherits, m.nextMemID = buildTemplates(s, m.nextMemID, m.logger)
	m.templateSig = configSignature(s)
}

// syncTemplatesLocked сверяет подпись конфигурации и при изменении
// пересобирает шаблоны и сбрасывает кэш решений.
func (m *Manager) syncTemplatesLocked(s infra.ACLConfig) {
	sig := configSignature(s)
	if sig == m.templateSig {
		return
	}
	m.logger.Info("acl config signature changed, resyncing templates")
	m.rebuildTemplatesLocked(s)
	m.cache = newDecisionCache(s.PermissionCacheTTL)
}

// RegisterAgent создает или обновляет агента. Пулы всегда объединяются с
// уже существующими (union, не замена); при пустом итоге подставляются
// пулы по умолчанию для роли из конфигурации.
func (m *Manager) RegisterAgent(ctx context.Context, agentID, role string, pools []string, inheritsFrom string, metadata map[string]string) (domain.AgentRecord, error) {
	if strings.TrimSpace(agentID) == "" {
		return domain.AgentRecord{}, fmt.Errorf("acl: agent_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.settings.ACLSettings()
	rec := m.registerLocked(ctx, agentID, role, pools, inheritsFrom, metadata, s)
	m.cache.clear()
	return rec.Clone(), nil
}

func (m *Manager) registerLocked(ctx context.Context, agentID, role string, pools []string, inheritsFrom string, metadata map[string]string, s infra.ACLConfig) domain.AgentRecord {
	existing, known := m.agents[agentID]

	// Повторная регистрация без роли не сбрасывает уже назначенную
	if role == "" && known {
		role = existing.Role
	}
	role = domain.NormalizeRole(role)

	merged := domain.UnionPools(existing.Pools, pools)
	if len(merged) == 0 {
		merged = domain.UnionPools(nil, s.DefaultAgentPools[role])
	}

	meta := make(map[string]string, len(existing.Metadata)+len(metadata))
	for k, v := range existing.Metadata {
		meta[k] = v
	}
	for k, v := range metadata {
		meta[k] = v
	}

	if inheritsFrom == "" {
		inheritsFrom = existing.InheritsFrom
	}

	rec := domain.AgentRecord{
		AgentID:      agentID,
		Role:         role,
		Pools:        merged,
		InheritsFrom: inheritsFrom,
		Metadata:     meta,
		UpdatedAt:    time.Now(),
	}
	m.agents[agentID] = rec

	// Сбой персистентности не фатален: решение продолжает работать на памяти
	if err := m.repo.UpsertAgent(ctx, rec); err != nil {
		m.logger.Warn("agent upsert failed, keeping in-memory state",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	return rec
}

// AssignRule валидирует, персистит и добавляет правило в память.
// Ошибки валидации — синхронный отказ вызывающему.
func (m *Manager) AssignRule(ctx context.Context, subjectType, subjectID, path string, operations []string, effect string, priority int, createdBy, inheritsFrom, description string) (domain.RuleRecord, error) {
	st, err := domain.NormalizeSubjectType(subjectType)
	if err != nil {
		return domain.RuleRecord{}, err
	}
	if strings.TrimSpace(subjectID) == "" {
		subjectID = domain.GlobalSubjectID
	}
	ops, err := domain.NormalizeOperations(operations)
	if err != nil {
		return domain.RuleRecord{}, err
	}
	eff, err := domain.NormalizeEffect(effect)
	if err != nil {
		return domain.RuleRecord{}, err
	}
	if priority <= 0 {
		priority = domain.DefaultPriority
	}

	rule := domain.RuleRecord{
		SubjectType:  st,
		SubjectID:    subjectID,
		Path:         path,
		Operations:   ops,
		Effect:       eff,
		Priority:     priority,
		InheritsFrom: inheritsFrom,
		Description:  description,
		CreatedBy:    createdBy,
		Source:       domain.RuleSourceDB,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.repo.InsertRule(ctx, rule)
	if err != nil {
		// Правило остается действующим в памяти инстанса под временным
		// отрицательным id; после рестарта оно исчезнет
		m.logger.Warn("rule insert failed, keeping in-memory only", zap.Error(err))
		id = m.nextMemID
		m.nextMemID--
	}
	rule.ID = id

	key := domain.SubjectKey(st, subjectID)
	m.rules[key] = append(m.rules[key], rule)
	domain.SortRules(m.rules[key])
	m.cache.clear()

	m.logger.Info("rule assigned",
		zap.Int64("id", rule.ID),
		zap.String("subject", key),
		zap.String("path", path),
		zap.String("effect", string(eff)))
	return rule, nil
}

// RemoveRule удаляет правило по id. После удаления набор правил субъекта
// перечитывается из хранилища целиком — это проще и безопаснее
// инкрементального удаления.
func (m *Manager) RemoveRule(ctx context.Context, id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key string
	var found bool
	for k, list := range m.rules {
		for _, r := range list {
			if r.ID == id {
				key, found = k, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return false
	}

	if _, err := m.repo.DeleteRule(ctx, id); err != nil {
		m.logger.Warn("rule delete failed in storage", zap.Int64("id", id), zap.Error(err))
	}

	st, subjectID, _ := strings.Cut(key, ":")
	reloaded, err := m.repo.LoadRulesForSubject(ctx, domain.SubjectType(st), subjectID)
	if err != nil {
		// Хранилище недоступно — падаем обратно на удаление из памяти
		m.logger.Warn("rule reload failed, removing in-memory", zap.Error(err))
		kept := m.rules[key][:0]
		for _, r := range m.rules[key] {
			if r.ID != id {
				kept = append(kept, r)
			}
		}
		m.rules[key] = kept
	} else {
		domain.SortRules(reloaded)
		m.rules[key] = reloaded
	}

	m.cache.clear()
	return true
}

// ListRules возвращает копию всех персистентных правил (для админ-API).
func (m *Manager) ListRules() []domain.RuleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.RuleRecord
	for _, list := range m.rules {
		out = append(out, list...)
	}
	domain.SortRules(out)
	return out
}

// CheckPermission — центральный алгоритм: может ли агент выполнить
// операцию над путем. Порядок шагов фиксирован, см. комментарии.
func (m *Manager) CheckPermission(ctx context.Context, agentID, path, operation string, checkCtx map[string]string) (domain.PermissionDecision, error) {
	start := time.Now()

	s := m.settings.ACLSettings()

	// 1. Enforcement выключен конфигурацией — fail-open по явному выбору:
	// включение ACL это opt-in
	if !s.EnableACL {
		return domain.PermissionDecision{Allowed: true, Reason: "ACL disabled"}, nil
	}

	m.mu.Lock()

	// 2. Hot-reload шаблонов при изменении подписи конфигурации
	m.syncTemplatesLocked(s)

	// 3. Валидация операции — ошибка программиста, не глотается
	op, err := domain.NormalizeOperation(operation)
	if err != nil {
		m.mu.Unlock()
		return domain.PermissionDecision{}, err
	}

	// 4. Каноническая форма пути
	normPath := NormalizePath(path, s.WorkspaceRoot)

	// 5. TTL-кэш решений (отключен при TTL <= 0)
	cacheKey := agentID + "|" + string(op) + "|" + normPath
	if cached, ok := m.cache.get(cacheKey); ok {
		m.mu.Unlock()
		m.metrics.CacheHits.Inc()
		return cached, nil
	}

	// 6. Ленивая авторегистрация неизвестного агента
	agent, known := m.agents[agentID]
	if !known {
		agent = m.registerLocked(ctx, agentID, "", nil, "", nil, s)
	}

	// 7-8. Сбор кандидатов по иерархии и фильтрация по операции и пути
	candidates := m.gatherRulesLocked(agent)
	matched := make([]domain.RuleRecord, 0, len(candidates))
	for _, r := range candidates {
		if !r.MatchesOperation(op) {
			continue
		}
		if MatchPath(rulePathForMatch(r.Path, s.WorkspaceRoot), normPath) {
			matched = append(matched, r)
		}
	}

	// 9. Deny-override + дефолтная политика
	decision := evaluate(matched, op, s)

	// 11. Кэшируем до снятия лока
	m.cache.set(cacheKey, decision)
	m.mu.Unlock()

	// 10. Best-effort аудит: сломанный sink не должен блокировать решение
	if s.AuditAccess {
		action := audit.ActionACLDeny
		if decision.Allowed {
			action = audit.ActionACLAllow
		}
		details := map[string]any{
			"operation": string(op),
			"reason":    decision.Reason,
		}
		if decision.Rule != nil {
			details["rule_id"] = decision.Rule.ID
			details["rule_subject"] = domain.SubjectKey(decision.Rule.SubjectType, decision.Rule.SubjectID)
		}
		for k, v := range checkCtx {
			details["ctx_"+k] = v
		}
		m.auditor.Log(audit.Event{
			Action:    action,
			AgentID:   agentID,
			Resource:  normPath,
			Details:   details,
			Timestamp: time.Now(),
		})
	}

	outcome := "deny"
	if decision.Allowed {
		outcome = "allow"
	}
	m.metrics.DecisionTotal.WithLabelValues(outcome).Inc()
	m.metrics.CheckDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

	return decision, nil
}

// gatherRulesLocked собирает кандидатов в фиксированном порядке:
// агент → пулы (в отсортированном порядке) → роль → шаблоны роли
// (с рекурсивным наследованием) → глобальные. Итог сортируется по
// (priority, id) для детерминизма.
func (m *Manager) gatherRulesLocked(agent domain.AgentRecord) []domain.RuleRecord {
	var out []domain.RuleRecord
	out = append(out, m.rules[domain.SubjectKey(domain.SubjectAgent, agent.AgentID)]...)
	for _, pool := range agent.Pools {
		out = append(out, m.rules[domain.SubjectKey(domain.SubjectPool, pool)]...)
	}
	out = append(out, m.rules[domain.SubjectKey(domain.SubjectRole, agent.Role)]...)
	out = append(out, m.templateRulesFor(agent.Role, map[string]struct{}{})...)
	out = append(out, m.rules[domain.SubjectKey(domain.SubjectGlobal, domain.GlobalSubjectID)]...)

	domain.SortRules(out)
	return out
}

// evaluate реализует deny-override: ЛЮБОЙ сработавший deny закрывает
// доступ независимо от приоритета конкурирующих allow. Без единого
// совпадения решает дефолтный набор разрешений конфигурации.
func evaluate(matched []domain.RuleRecord, op domain.Operation, s infra.ACLConfig) domain.PermissionDecision {
	for i := range matched {
		if matched[i].Effect == domain.EffectDeny {
			r := matched[i]
			return domain.PermissionDecision{
				Allowed: false,
				Reason:  fmt.Sprintf("denied by rule %d (%s)", r.ID, domain.SubjectKey(r.SubjectType, r.SubjectID)),
				Rule:    &r,
			}
		}
	}
	for i := range matched {
		if matched[i].Effect == domain.EffectAllow {
			r := matched[i]
			return domain.PermissionDecision{
				Allowed: true,
				Reason:  fmt.Sprintf("allowed by rule %d (%s)", r.ID, domain.SubjectKey(r.SubjectType, r.SubjectID)),
				Rule:    &r,
			}
		}
	}

	defaults := s.DefaultOperations()
	if _, all := defaults[string(domain.OpAll)]; all {
		return domain.PermissionDecision{Allowed: true, Reason: "no rule matches, default permission allows all"}
	}
	if _, ok := defaults[string(op)]; ok {
		return domain.PermissionDecision{
			Allowed: true,
			Reason:  fmt.Sprintf("no rule matches, default permission allows %s", op),
		}
	}
	return domain.PermissionDecision{
		Allowed: false,
		Reason:  fmt.Sprintf("no rule matches, operation %s not in default permission set", op),
	}
}

// Reload перечитывает агентов и правила из хранилища и сбрасывает кэш.
// Вызывается Redis-слушателем при сигнале об изменении правил соседом.
func (m *Manager) Reload(ctx context.Context) error {
	agents, err := m.repo.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("acl: reload agents: %w", err)
	}
	rules, err := m.repo.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("acl: reload rules: %w", err)
	}

	grouped := make(map[string][]domain.RuleRecord)
	for _, r := range rules {
		key := domain.SubjectKey(r.SubjectType, r.SubjectID)
		grouped[key] = append(grouped[key], r)
	}
	for key := range grouped {
		domain.SortRules(grouped[key])
	}

	m.mu.Lock()
	m.agents = make(map[string]domain.AgentRecord, len(agents))
	for _, a := range agents {
		m.agents[a.AgentID] = a
	}
	m.rules = grouped
	m.cache.clear()
	m.mu.Unlock()

	m.logger.Info("acl state reloaded", zap.Int("agents", len(agents)), zap.Int("rules", len(rules)))
	return nil
}
