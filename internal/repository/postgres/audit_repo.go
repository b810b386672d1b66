package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agent-authz/internal/audit"
)

// WriteBatch выполняет пакетную вставку событий аудита одним запросом.
// Вызывается воркером аудит-трейла (batching + drain).
func (s *Store) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	const numFields = 6
	var sb strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	for i, e := range events {
		p := i * numFields
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6)

		details, _ := json.Marshal(e.Details)
		vals = append(vals, e.ID, e.Action, e.AgentID, e.RequestID, details, e.Timestamp)
	}

	query := fmt.Sprintf(
		"INSERT INTO permissions_audit (audit_id, action, agent_id, request_id, metadata, created_at) VALUES %s",
		sb.String(),
	)

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert failed: %w", err)
	}
	return nil
}

// FetchAuditLogs — выборка журнала для админ-поверхности с опциональной
// фильтрацией по агенту и действию.
func (s *Store) FetchAuditLogs(ctx context.Context, agentID, action string, limit int) ([]audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT audit_id, action, agent_id, request_id, metadata, created_at FROM permissions_audit`
	var conds []string
	var args []interface{}

	if agentID != "" {
		args = append(args, agentID)
		conds = append(conds, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if action != "" {
		args = append(args, action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Event, 0)
	for rows.Next() {
		var e audit.Event
		var details []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.AgentID, &e.RequestID, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
