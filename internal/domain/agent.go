package domain

import (
	"sort"
	"strings"
	"time"
)

// RoleUnassigned — роль по умолчанию для агентов, зарегистрированных лениво
// (при первой проверке прав, без явного RegisterAgent).
const RoleUnassigned = "unassigned"

// AgentRecord — неизменяемый снимок состояния агента в ACL.
// Записи создаются заново при каждом чтении, мутации идут только через менеджер.
type AgentRecord struct {
	AgentID      string            `json:"agent_id"`
	Role         string            `json:"role"`          // Всегда в нижнем регистре
	Pools        []string          `json:"pools"`         // Набор пулов (семантика множества, без порядка)
	InheritsFrom string            `json:"inherits_from"` // Информационное поле, на вычисление прав не влияет
	Metadata     map[string]string `json:"metadata"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NormalizeRole приводит роль к каноническому виду (нижний регистр, дефолт).
func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return RoleUnassigned
	}
	return role
}

// UnionPools объединяет два набора пулов. Повторная регистрация агента
// всегда расширяет членство, никогда не заменяет его.
func UnionPools(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, p := range existing {
		set[p] = struct{}{}
	}
	for _, p := range incoming {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	// Сортируем для детерминизма (порядок обхода пулов при сборе правил)
	sort.Strings(out)
	return out
}

// Clone возвращает независимую копию записи — наружу отдаем только копии,
// чтобы вызывающий код не мог мутировать внутреннее состояние менеджера.
func (a AgentRecord) Clone() AgentRecord {
	c := a
	c.Pools = append([]string(nil), a.Pools...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
