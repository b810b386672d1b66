package acl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra"
	"go.uber.org/zap"
)

// configSignature — детерминированная подпись политики, производной от
// конфигурации. Сверяется на каждой проверке прав: изменение дефолтных
// разрешений, пулов или шаблонов ролей подхватывается без рестарта.
// encoding/json сортирует ключи map, поэтому подпись стабильна.
func configSignature(cfg infra.ACLConfig) string {
	payload := struct {
		DefaultPermission string                        `json:"default_permission"`
		DefaultAgentPools map[string][]string           `json:"default_agent_pools"`
		RoleTemplates     map[string]infra.RoleTemplate `json:"role_templates"`
	}{
		DefaultPermission: cfg.DefaultPermission,
		DefaultAgentPools: cfg.DefaultAgentPools,
		RoleTemplates:     cfg.DefaultRoleTemplates,
	}

	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// buildTemplates разворачивает шаблоны ролей из конфигурации в наборы
// правил. Шаблонные правила получают id из приватного отрицательного
// счетчика, чтобы никогда не пересекаться с персистентными id из БД.
// Возвращает правила по ролям, карту наследования и следующий свободный id.
func buildTemplates(cfg infra.ACLConfig, nextID int64, logger *zap.Logger) (map[string][]domain.RuleRecord, map[string]string, int64) {
	rules := make(map[string][]domain.RuleRecord, len(cfg.DefaultRoleTemplates))
	inherits := make(map[string]string, len(cfg.DefaultRoleTemplates))

	for role, tpl := range cfg.DefaultRoleTemplates {
		role = domain.NormalizeRole(role)
		if tpl.Inherits != "" {
			inherits[role] = domain.NormalizeRole(tpl.Inherits)
		}

		list := make([]domain.RuleRecord, 0, len(tpl.Rules))
		for _, tr := range tpl.Rules {
			ops, err := domain.NormalizeOperations(tr.Operations)
			if err != nil {
				logger.Warn("skipping malformed template rule",
					zap.String("role", role),
					zap.String("path", tr.Path),
					zap.Error(err))
				continue
			}
			effect, err := domain.NormalizeEffect(tr.Effect)
			if err != nil {
				logger.Warn("skipping malformed template rule",
					zap.String("role", role),
					zap.String("path", tr.Path),
					zap.Error(err))
				continue
			}

			priority := tr.Priority
			if priority <= 0 {
				priority = domain.DefaultPriority
			}

			list = append(list, domain.RuleRecord{
				ID:          nextID,
				SubjectType: domain.SubjectRole,
				SubjectID:   role,
				Path:        tr.Path,
				Operations:  ops,
				Effect:      effect,
				Priority:    priority,
				Description: tr.Description,
				Template:    true,
				Source:      domain.RuleSourceTemplate,
			})
			nextID--
		}
		rules[role] = list
	}

	return rules, inherits, nextID
}

// templateRulesFor собирает шаблонные правила роли вместе с унаследованными.
// Обход графа наследования идет с явным visited-set — цикл в конфигурации
// (a inherits b inherits a) не приводит к бесконечной рекурсии.
func (m *Manager) templateRulesFor(role string, visited map[string]struct{}) []domain.RuleRecord {
	if _, seen := visited[role]; seen {
		return nil
	}
	visited[role] = struct{}{}

	out := append([]domain.RuleRecord(nil), m.templates[role]...)
	if parent, ok := m.templateInherits[role]; ok {
		out = append(out, m.templateRulesFor(parent, visited)...)
	}
	return out
}
