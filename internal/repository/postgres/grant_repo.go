package postgres

/*
Файл grant_repo.go хранит выданные capability-гранты и отдает историю
аудита для расчета trust score. Кэш грантов в памяти менеджера — только
ускоритель; источником правды между инстансами является эта таблица.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agent-authz/internal/domain"
)

const grantColumns = `grant_id, request_id, agent_id, audit_id, granted_tools, granted_env_vars,
	granted_paths, network_allowed, resource_limits, ttl_seconds, expires_at,
	revocation_token, decision_rationale, trust_score, created_at, revoked_at`

// SaveGrant персистит грант; по grant_id запись идемпотентна.
func (s *Store) SaveGrant(ctx context.Context, g domain.CapabilityGrant) error {
	tools, _ := json.Marshal(g.GrantedTools)
	envVars, _ := json.Marshal(g.GrantedEnvVars)
	paths, _ := json.Marshal(g.GrantedPaths)
	limits, _ := json.Marshal(g.ResourceLimits)
	rationale, _ := json.Marshal(g.Rationale)

	query := `
		INSERT INTO permissions_grants (` + grantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL)
		ON CONFLICT (grant_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		g.GrantID, g.RequestID, g.AgentID, g.AuditID, tools, envVars, paths,
		g.NetworkAllowed, limits, g.TTLSeconds, g.ExpiresAt,
		g.RevocationToken, rationale, g.TrustScore, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save grant: %w", err)
	}
	return nil
}

func scanGrant(row pgx.Row) (*domain.CapabilityGrant, error) {
	g := &domain.CapabilityGrant{}
	var tools, envVars, paths, limits, rationale []byte
	var revokedAt sql.NullTime

	err := row.Scan(
		&g.GrantID, &g.RequestID, &g.AgentID, &g.AuditID, &tools, &envVars,
		&paths, &g.NetworkAllowed, &limits, &g.TTLSeconds, &g.ExpiresAt,
		&g.RevocationToken, &rationale, &g.TrustScore, &g.CreatedAt, &revokedAt,
	)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(tools, &g.GrantedTools)
	_ = json.Unmarshal(envVars, &g.GrantedEnvVars)
	_ = json.Unmarshal(paths, &g.GrantedPaths)
	_ = json.Unmarshal(limits, &g.ResourceLimits)
	_ = json.Unmarshal(rationale, &g.Rationale)
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	return g, nil
}

// GetGrant возвращает (nil, nil), если гранта нет — вызывающий трактует
// это как отказ в отзыве, не как ошибку.
func (s *Store) GetGrant(ctx context.Context, grantID string) (*domain.CapabilityGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM permissions_grants WHERE grant_id = $1`

	g, err := scanGrant(s.pool.QueryRow(ctx, query, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch grant: %w", err)
	}
	return g, nil
}

// MarkRevoked фиксирует отзыв. Условие revoked_at IS NULL предотвращает
// двойной отзыв с перезаписью причины.
func (s *Store) MarkRevoked(ctx context.Context, grantID string, at time.Time, reason string) error {
	query := `
		UPDATE permissions_grants
		SET revoked_at = $1, revoked_reason = $2
		WHERE grant_id = $3 AND revoked_at IS NULL`

	ct, err := s.pool.Exec(ctx, query, at, reason, grantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark grant revoked: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: grant not found or already revoked")
	}
	return nil
}

// ActiveGrants — не отозванные и не истекшие гранты агента.
func (s *Store) ActiveGrants(ctx context.Context, agentID string, now time.Time) ([]domain.CapabilityGrant, error) {
	query := `
		SELECT ` + grantColumns + `
		FROM permissions_grants
		WHERE agent_id = $1
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, agentID, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query active grants: %w", err)
	}
	defer rows.Close()

	// Пустой слайс вместо nil, чтобы в JSON был [] вместо null
	results := make([]domain.CapabilityGrant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan grant: %w", err)
		}
		results = append(results, *g)
	}
	return results, rows.Err()
}

// TrustHistory — действия аудита агента за окно trust score.
func (s *Store) TrustHistory(ctx context.Context, agentID string, since time.Time) ([]string, error) {
	query := `
		SELECT action FROM permissions_audit
		WHERE agent_id = $1 AND created_at > $2
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query trust history: %w", err)
	}
	defer rows.Close()

	actions := make([]string, 0)
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan action: %w", err)
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
