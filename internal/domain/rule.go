package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Операции над ресурсами. OpAll — сентинел «все операции» в наборе правил
// и в дефолтных разрешениях конфигурации.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpExecute Operation = "execute"
	OpDelete  Operation = "delete"
	OpAll     Operation = "all"
)

// SubjectType определяет, к кому привязано правило.
type SubjectType string

const (
	SubjectAgent  SubjectType = "agent"
	SubjectPool   SubjectType = "pool"
	SubjectRole   SubjectType = "role"
	SubjectGlobal SubjectType = "global"
)

// GlobalSubjectID — сентинел «для всех» (глобальные правила).
const GlobalSubjectID = "*"

// Effect — результат срабатывания правила.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// DefaultPriority используется, если приоритет не задан. Приоритет влияет
// ТОЛЬКО на детерминированный порядок правил, не на разрешение конфликтов:
// deny всегда побеждает allow (deny-override).
const DefaultPriority = 100

// Источники правил: персистентные (БД) и шаблонные (из конфигурации ролей).
const (
	RuleSourceDB       = "db"
	RuleSourceTemplate = "template"
)

// Ошибки валидации. Это синхронные отказы для вызывающего кода —
// они означают ошибку программиста или конфигурации и не глотаются.
var (
	ErrUnknownOperation   = errors.New("unknown operation")
	ErrUnknownSubjectType = errors.New("unknown subject type")
	ErrUnknownEffect      = errors.New("unknown effect")
	ErrEmptyOperations    = errors.New("operations set is empty")
)

// RuleRecord — правило доступа. ID отрицательный для шаблонных правил
// (приватный счетчик, чтобы никогда не пересекаться с id из БД).
type RuleRecord struct {
	ID           int64       `json:"id"`
	SubjectType  SubjectType `json:"subject_type"`
	SubjectID    string      `json:"subject_id"`
	Path         string      `json:"path"` // Может содержать плейсхолдеры и glob-метасимволы
	Operations   []Operation `json:"operations"`
	Effect       Effect      `json:"effect"`
	Priority     int         `json:"priority"`
	InheritsFrom string      `json:"inherits_from,omitempty"`
	Description  string      `json:"description,omitempty"`
	CreatedBy    string      `json:"created_by,omitempty"`
	Template     bool        `json:"template"`
	Source       string      `json:"source"` // "db" или "template"
	CreatedAt    time.Time   `json:"created_at"`
}

// PermissionDecision — эфемерный результат одной проверки. Персистентной
// идентичности не имеет, наружу выживает только аудит-след.
type PermissionDecision struct {
	Allowed bool        `json:"allowed"`
	Reason  string      `json:"reason"`
	Rule    *RuleRecord `json:"rule,omitempty"` // nil при срабатывании дефолтной политики
}

// NormalizeSubjectType валидирует тип субъекта.
func NormalizeSubjectType(s string) (SubjectType, error) {
	st := SubjectType(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case SubjectAgent, SubjectPool, SubjectRole, SubjectGlobal:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSubjectType, s)
}

// NormalizeEffect валидирует эффект.
func NormalizeEffect(s string) (Effect, error) {
	e := Effect(strings.ToLower(strings.TrimSpace(s)))
	switch e {
	case EffectAllow, EffectDeny:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEffect, s)
}

// NormalizeOperation валидирует одиночную операцию проверки
// (сентинел "all" здесь недопустим — проверяется всегда конкретная операция).
func NormalizeOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpRead, OpWrite, OpExecute, OpDelete:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// NormalizeOperations валидирует набор операций правила. Пустой набор или
// неизвестный токен — ошибка. Сентинел "all" схлопывает набор до него одного.
func NormalizeOperations(ops []string) ([]Operation, error) {
	if len(ops) == 0 {
		return nil, ErrEmptyOperations
	}

	seen := make(map[Operation]struct{}, len(ops))
	for _, raw := range ops {
		op := Operation(strings.ToLower(strings.TrimSpace(raw)))
		if op == OpAll {
			return []Operation{OpAll}, nil
		}
		switch op {
		case OpRead, OpWrite, OpExecute, OpDelete:
			seen[op] = struct{}{}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, raw)
		}
	}
	if len(seen) == 0 {
		return nil, ErrEmptyOperations
	}

	out := make([]Operation, 0, len(seen))
	for op := range seen {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// MatchesOperation — входит ли операция в набор правила (с учетом "all").
func (r *RuleRecord) MatchesOperation(op Operation) bool {
	for _, o := range r.Operations {
		if o == OpAll || o == op {
			return true
		}
	}
	return false
}

// SubjectKey — ключ группировки правил в памяти менеджера.
func SubjectKey(st SubjectType, id string) string {
	return string(st) + ":" + id
}

// SortRules сортирует правила по (priority, id) — единственная роль
// приоритета в этой системе.
func SortRules(rules []RuleRecord) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}
