package postgres

/*
Файл acl_repo.go отвечает за хранение агентов и правил доступа.
Наборы (пулы, операции) и метаданные сериализуются в JSONB строго на
границе персистентности — в памяти менеджер работает с типизированными
значениями.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/agent-authz/internal/domain"
)

// LoadAgents выполняет холодную загрузку всех агентов при старте.
func (s *Store) LoadAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	query := `SELECT agent_id, role, pools, inherits_from, metadata, updated_at FROM acl_agents`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	var results []domain.AgentRecord
	for rows.Next() {
		var a domain.AgentRecord
		var pools, metadata []byte
		if err := rows.Scan(&a.AgentID, &a.Role, &pools, &a.InheritsFrom, &metadata, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan agent: %w", err)
		}
		if len(pools) > 0 {
			_ = json.Unmarshal(pools, &a.Pools)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &a.Metadata)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// UpsertAgent создает агента или обновляет существующего.
func (s *Store) UpsertAgent(ctx context.Context, a domain.AgentRecord) error {
	pools, _ := json.Marshal(a.Pools)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO acl_agents (agent_id, role, pools, inherits_from, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (agent_id) DO UPDATE
		SET role = EXCLUDED.role,
		    pools = EXCLUDED.pools,
		    inherits_from = EXCLUDED.inherits_from,
		    metadata = EXCLUDED.metadata,
		    updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, a.AgentID, a.Role, pools, a.InheritsFrom, metadata); err != nil {
		return fmt.Errorf("postgres: failed to upsert agent: %w", err)
	}
	return nil
}

const ruleColumns = `id, subject_type, subject_id, path, operations, effect, priority, inherits_from, description, created_by, created_at`

func scanRule(row pgx.Row) (domain.RuleRecord, error) {
	var r domain.RuleRecord
	var ops []byte
	err := row.Scan(&r.ID, &r.SubjectType, &r.SubjectID, &r.Path, &ops, &r.Effect,
		&r.Priority, &r.InheritsFrom, &r.Description, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if len(ops) > 0 {
		_ = json.Unmarshal(ops, &r.Operations)
	}
	r.Source = domain.RuleSourceDB
	return r, nil
}

// LoadRules выполняет холодную загрузку всего набора правил при старте.
func (s *Store) LoadRules(ctx context.Context) ([]domain.RuleRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM acl_rules`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query rules: %w", err)
	}
	defer rows.Close()

	var results []domain.RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// LoadRulesForSubject — точечная перезагрузка правил одного субъекта
// (после удаления проще и безопаснее перечитать набор целиком).
func (s *Store) LoadRulesForSubject(ctx context.Context, st domain.SubjectType, subjectID string) ([]domain.RuleRecord, error) {
	query := `SELECT ` + ruleColumns + ` FROM acl_rules WHERE subject_type = $1 AND subject_id = $2`

	rows, err := s.pool.Query(ctx, query, st, subjectID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query subject rules: %w", err)
	}
	defer rows.Close()

	results := make([]domain.RuleRecord, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan rule: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertRule создает правило и возвращает присвоенный базой id.
func (s *Store) InsertRule(ctx context.Context, r domain.RuleRecord) (int64, error) {
	ops, _ := json.Marshal(r.Operations)

	query := `
		INSERT INTO acl_rules (subject_type, subject_id, path, operations, effect, priority, inherits_from, description, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		r.SubjectType, r.SubjectID, r.Path, ops, r.Effect, r.Priority,
		r.InheritsFrom, r.Description, r.CreatedBy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to insert rule: %w", err)
	}
	return id, nil
}

// DeleteRule удаляет правило по id. false — если строки не было.
func (s *Store) DeleteRule(ctx context.Context, id int64) (bool, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM acl_rules WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to delete rule: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// GetUserByUsername — оператор для выдачи токена админ-поверхности.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	var scopes []byte
	err := s.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(scopes) > 0 {
		_ = json.Unmarshal(scopes, &u.Scopes)
	}
	return u, nil
}
