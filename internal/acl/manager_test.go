package acl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-authz/internal/audit"
	"github.com/xela07ax/agent-authz/internal/domain"
	"github.com/xela07ax/agent-authz/internal/infra"
	"github.com/xela07ax/agent-authz/internal/metrics"
	"go.uber.org/zap"
)

// --- Фейки коллабораторов ---

type fakeRepo struct {
	agents []domain.AgentRecord
	rules  []domain.RuleRecord
	nextID int64

	insertErr      error
	loadSubjectErr error

	upserts int
}

func (f *fakeRepo) LoadAgents(ctx context.Context) ([]domain.AgentRecord, error) {
	return append([]domain.AgentRecord(nil), f.agents...), nil
}

func (f *fakeRepo) LoadRules(ctx context.Context) ([]domain.RuleRecord, error) {
	return append([]domain.RuleRecord(nil), f.rules...), nil
}

func (f *fakeRepo) LoadRulesForSubject(ctx context.Context, st domain.SubjectType, subjectID string) ([]domain.RuleRecord, error) {
	if f.loadSubjectErr != nil {
		return nil, f.loadSubjectErr
	}
	var out []domain.RuleRecord
	for _, r := range f.rules {
		if r.SubjectType == st && r.SubjectID == subjectID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertAgent(ctx context.Context, a domain.AgentRecord) error {
	f.upserts++
	return nil
}

func (f *fakeRepo) InsertRule(ctx context.Context, r domain.RuleRecord) (int64, error) {
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.nextID++
	r.ID = f.nextID
	f.rules = append(f.rules, r)
	return f.nextID, nil
}

func (f *fakeRepo) DeleteRule(ctx context.Context, id int64) (bool, error) {
	kept := f.rules[:0]
	found := false
	for _, r := range f.rules {
		if r.ID == id {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	f.rules = kept
	return found, nil
}

type fakeAuditor struct {
	events []audit.Event
}

func (f *fakeAuditor) Log(e audit.Event) { f.events = append(f.events, e) }

func baseSettings() infra.ACLConfig {
	return infra.ACLConfig{
		EnableACL:         true,
		DefaultPermission: "read",
		WorkspaceRoot:     "/ws",
	}
}

func newTestManager(t *testing.T, repo *fakeRepo, settings func() infra.ACLConfig) (*Manager, *fakeAuditor) {
	t.Helper()
	aud := &fakeAuditor{}
	m := NewManager(repo, SettingsFunc(settings), aud, metrics.New(nil), zap.NewNop())
	require.NoError(t, m.Init(context.Background()))
	return m, aud
}

func rule(id int64, st domain.SubjectType, subjectID, path string, ops []domain.Operation, effect domain.Effect, priority int) domain.RuleRecord {
	return domain.RuleRecord{
		ID:          id,
		SubjectType: st,
		SubjectID:   subjectID,
		Path:        path,
		Operations:  ops,
		Effect:      effect,
		Priority:    priority,
		Source:      domain.RuleSourceDB,
	}
}

// --- CheckPermission ---

func TestCheckPermission_DenyOverridesAllow(t *testing.T) {
	// Deny побеждает allow даже с максимально проигрышным приоритетом
	repo := &fakeRepo{
		agents: []domain.AgentRecord{{AgentID: "swe-1", Role: "developer"}},
		rules: []domain.RuleRecord{
			rule(1, domain.SubjectAgent, "swe-1", "/ws/data", []domain.Operation{domain.OpRead}, domain.EffectAllow, 1),
			rule(2, domain.SubjectGlobal, "*", "/ws/data", []domain.Operation{domain.OpRead}, domain.EffectDeny, 9999),
		},
		nextID: 2,
	}
	m, _ := newTestManager(t, repo, baseSettings)

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/data/report.csv", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Rule)
	assert.Equal(t, int64(2), d.Rule.ID)
}

func TestCheckPermission_DirectoryPrefixDoesNotCoverSiblings(t *testing.T) {
	repo := &fakeRepo{
		rules: []domain.RuleRecord{
			rule(1, domain.SubjectGlobal, "*", "/ws/src", []domain.Operation{domain.OpWrite}, domain.EffectAllow, 100),
		},
		nextID: 1,
	}
	m, _ := newTestManager(t, repo, baseSettings)

	d, err := m.CheckPermission(context.Background(), "a1", "/ws/src/pkg/main.go", "write", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "rule on a directory covers everything under it")

	// Сосед с общим строковым префиксом правилом не покрыт, а write
	// не входит в дефолтный набор
	d, err = m.CheckPermission(context.Background(), "a1", "/ws/srcbackup/main.go", "write", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Nil(t, d.Rule)
}

func TestCheckPermission_GlobRule(t *testing.T) {
	repo := &fakeRepo{
		rules: []domain.RuleRecord{
			rule(1, domain.SubjectGlobal, "*", "{{workspace}}/**/*.env", []domain.Operation{domain.OpRead}, domain.EffectDeny, 100),
		},
		nextID: 1,
	}
	m, _ := newTestManager(t, repo, baseSettings)

	d, err := m.CheckPermission(context.Background(), "a1", "{{workspace}}/app/secrets.env", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = m.CheckPermission(context.Background(), "a1", "/ws/app/notes.txt", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "non-matching path falls back to default read permission")
}

func TestCheckPermission_DefaultPermissionFallback(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)

	d, err := m.CheckPermission(context.Background(), "a1", "/ws/any.txt", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Rule)

	d, err = m.CheckPermission(context.Background(), "a1", "/ws/any.txt", "delete", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCheckPermission_DefaultPermissionAll(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.DefaultPermission = "all"
		return s
	}
	m, _ := newTestManager(t, &fakeRepo{}, settings)

	d, err := m.CheckPermission(context.Background(), "a1", "/ws/any.txt", "delete", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckPermission_ACLDisabled(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.EnableACL = false
		return s
	}
	m, _ := newTestManager(t, &fakeRepo{}, settings)

	d, err := m.CheckPermission(context.Background(), "a1", "/anything", "delete", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ACL disabled", d.Reason)
}

func TestCheckPermission_UnknownOperation(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)

	_, err := m.CheckPermission(context.Background(), "a1", "/ws/x", "teleport", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
}

func TestCheckPermission_LazyRegistration(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.DefaultAgentPools = map[string][]string{domain.RoleUnassigned: {"quarantine"}}
		return s
	}
	repo := &fakeRepo{}
	m, _ := newTestManager(t, repo, settings)

	_, err := m.CheckPermission(context.Background(), "ghost", "/ws/x", "read", nil)
	require.NoError(t, err)

	agent, ok := m.agents["ghost"]
	require.True(t, ok, "unknown agent must be auto-registered on first check")
	assert.Equal(t, domain.RoleUnassigned, agent.Role)
	assert.Equal(t, []string{"quarantine"}, agent.Pools)
	assert.Equal(t, 1, repo.upserts)
}

func TestCheckPermission_PoolRules(t *testing.T) {
	repo := &fakeRepo{
		agents: []domain.AgentRecord{{AgentID: "swe-1", Role: "developer", Pools: []string{"trusted"}}},
		rules: []domain.RuleRecord{
			rule(1, domain.SubjectPool, "trusted", "/ws/deploy", []domain.Operation{domain.OpExecute}, domain.EffectAllow, 100),
		},
		nextID: 1,
	}
	m, _ := newTestManager(t, repo, baseSettings)

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/deploy/run.sh", "execute", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Агент вне пула той же ролью правило не получает
	d, err = m.CheckPermission(context.Background(), "swe-2", "/ws/deploy/run.sh", "execute", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

// --- Кэш решений ---

// Попадание в кэш возвращает решение до стадии аудита, поэтому число
// событий аудита различает холодные и кэшированные проверки.
func TestCheckPermission_CacheSuppressesRepeatedAudit(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.PermissionCacheTTL = time.Minute
		s.AuditAccess = true
		return s
	}
	m, aud := newTestManager(t, &fakeRepo{}, settings)

	_, err := m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
	require.NoError(t, err)
	_, err = m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
	require.NoError(t, err)
	assert.Len(t, aud.events, 1)

	// Мутация правил сбрасывает кэш целиком
	_, err = m.AssignRule(context.Background(), "global", "", "/ws/y", []string{"read"}, "deny", 0, "op", "", "")
	require.NoError(t, err)

	_, err = m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
	require.NoError(t, err)
	assert.Len(t, aud.events, 2)
}

func TestCheckPermission_CacheDisabledByZeroTTL(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.PermissionCacheTTL = 0
		s.AuditAccess = true
		return s
	}
	m, aud := newTestManager(t, &fakeRepo{}, settings)

	for i := 0; i < 3; i++ {
		_, err := m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
		require.NoError(t, err)
	}
	assert.Len(t, aud.events, 3)
}

// --- RegisterAgent ---

func TestRegisterAgent_PoolUnionAndRoleRetention(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)

	rec, err := m.RegisterAgent(context.Background(), "swe-1", "Developer", []string{"alpha"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "developer", rec.Role)
	assert.Equal(t, []string{"alpha"}, rec.Pools)

	// Повторная регистрация: пулы объединяются, пустая роль не сбрасывает старую
	rec, err = m.RegisterAgent(context.Background(), "swe-1", "", []string{"beta"}, "", map[string]string{"team": "core"})
	require.NoError(t, err)
	assert.Equal(t, "developer", rec.Role)
	assert.Equal(t, []string{"alpha", "beta"}, rec.Pools)
	assert.Equal(t, "core", rec.Metadata["team"])
}

func TestRegisterAgent_EmptyID(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)

	_, err := m.RegisterAgent(context.Background(), "  ", "developer", nil, "", nil)
	require.Error(t, err)
}

// --- AssignRule / RemoveRule ---

func TestAssignRule_Validation(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)
	ctx := context.Background()

	_, err := m.AssignRule(ctx, "galaxy", "x", "/ws", []string{"read"}, "allow", 0, "", "", "")
	assert.ErrorIs(t, err, domain.ErrUnknownSubjectType)

	_, err = m.AssignRule(ctx, "agent", "x", "/ws", nil, "allow", 0, "", "", "")
	assert.ErrorIs(t, err, domain.ErrEmptyOperations)

	_, err = m.AssignRule(ctx, "agent", "x", "/ws", []string{"fly"}, "allow", 0, "", "", "")
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)

	_, err = m.AssignRule(ctx, "agent", "x", "/ws", []string{"read"}, "maybe", 0, "", "", "")
	assert.ErrorIs(t, err, domain.ErrUnknownEffect)
}

func TestAssignRule_Defaults(t *testing.T) {
	m, _ := newTestManager(t, &fakeRepo{}, baseSettings)

	r, err := m.AssignRule(context.Background(), "global", "", "/ws/x", []string{"ALL", "read"}, "Allow", 0, "operator", "", "")
	require.NoError(t, err)
	assert.Equal(t, domain.GlobalSubjectID, r.SubjectID)
	assert.Equal(t, []domain.Operation{domain.OpAll}, r.Operations, "sentinel collapses the set")
	assert.Equal(t, domain.DefaultPriority, r.Priority)
	assert.Positive(t, r.ID)
}

func TestAssignRule_PersistFailureKeepsRuleInMemory(t *testing.T) {
	repo := &fakeRepo{insertErr: errors.New("db down")}
	m, _ := newTestManager(t, repo, baseSettings)

	r, err := m.AssignRule(context.Background(), "agent", "swe-1", "/ws/x", []string{"read"}, "deny", 0, "", "", "")
	require.NoError(t, err, "persistence failure is non-fatal")
	assert.Negative(t, r.ID, "memory-only rule gets a negative id")

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/x/file", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "in-memory rule is enforced")
}

func TestRemoveRule(t *testing.T) {
	repo := &fakeRepo{}
	m, _ := newTestManager(t, repo, baseSettings)

	r, err := m.AssignRule(context.Background(), "agent", "swe-1", "/ws/x", []string{"read"}, "deny", 0, "", "", "")
	require.NoError(t, err)

	assert.False(t, m.RemoveRule(context.Background(), 424242))
	assert.True(t, m.RemoveRule(context.Background(), r.ID))
	assert.False(t, m.RemoveRule(context.Background(), r.ID), "already removed")

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/x/file", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "deny rule is gone, default read applies")
}

func TestRemoveRule_StorageUnavailableFallsBackToMemory(t *testing.T) {
	repo := &fakeRepo{}
	m, _ := newTestManager(t, repo, baseSettings)

	r, err := m.AssignRule(context.Background(), "agent", "swe-1", "/ws/x", []string{"read"}, "deny", 0, "", "", "")
	require.NoError(t, err)

	repo.loadSubjectErr = errors.New("db down")
	assert.True(t, m.RemoveRule(context.Background(), r.ID))

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/x/file", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

// --- Шаблоны ролей ---

func templateSettings() infra.ACLConfig {
	s := baseSettings()
	s.DefaultRoleTemplates = map[string]infra.RoleTemplate{
		"base": {
			Rules: []infra.TemplateRule{
				{Path: "/ws/secrets", Operations: []string{"all"}, Effect: "deny"},
			},
		},
		"developer": {
			Inherits: "base",
			Rules: []infra.TemplateRule{
				{Path: "/ws/src", Operations: []string{"read", "write"}, Effect: "allow"},
			},
		},
	}
	return s
}

func TestTemplates_Inheritance(t *testing.T) {
	repo := &fakeRepo{
		agents: []domain.AgentRecord{{AgentID: "swe-1", Role: "developer"}},
	}
	m, _ := newTestManager(t, repo, templateSettings)

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/src/main.go", "write", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "own template rule")

	d, err = m.CheckPermission(context.Background(), "swe-1", "/ws/secrets/key.pem", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "inherited deny from base")
	require.NotNil(t, d.Rule)
	assert.Negative(t, d.Rule.ID, "template rules carry negative ids")
}

func TestTemplates_InheritanceCycleDoesNotHang(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.DefaultRoleTemplates = map[string]infra.RoleTemplate{
			"a": {Inherits: "b", Rules: []infra.TemplateRule{
				{Path: "/ws/a", Operations: []string{"read"}, Effect: "allow"},
			}},
			"b": {Inherits: "a", Rules: []infra.TemplateRule{
				{Path: "/ws/b", Operations: []string{"read"}, Effect: "deny"},
			}},
		}
		return s
	}
	repo := &fakeRepo{agents: []domain.AgentRecord{{AgentID: "x", Role: "a"}}}
	m, _ := newTestManager(t, repo, settings)

	d, err := m.CheckPermission(context.Background(), "x", "/ws/b/file", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "rules from both roles in the cycle are applied once")
}

func TestTemplates_MalformedRuleSkipped(t *testing.T) {
	settings := func() infra.ACLConfig {
		s := baseSettings()
		s.DefaultRoleTemplates = map[string]infra.RoleTemplate{
			"ops": {Rules: []infra.TemplateRule{
				{Path: "/ws/bad", Operations: []string{"fly"}, Effect: "allow"},
				{Path: "/ws/good", Operations: []string{"execute"}, Effect: "allow"},
			}},
		}
		return s
	}
	repo := &fakeRepo{agents: []domain.AgentRecord{{AgentID: "o1", Role: "ops"}}}
	m, _ := newTestManager(t, repo, settings)

	d, err := m.CheckPermission(context.Background(), "o1", "/ws/good/run.sh", "execute", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "valid sibling rule survives the malformed one")
}

func TestTemplates_HotResyncOnConfigChange(t *testing.T) {
	cfg := baseSettings()
	cfg.PermissionCacheTTL = time.Minute
	settings := func() infra.ACLConfig { return cfg }

	repo := &fakeRepo{agents: []domain.AgentRecord{{AgentID: "swe-1", Role: "developer"}}}
	m, _ := newTestManager(t, repo, settings)

	d, err := m.CheckPermission(context.Background(), "swe-1", "/ws/tmp/file", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Конфигурация поменялась под работающим менеджером: подпись другая,
	// шаблоны пересобираются и кэш сбрасывается без рестарта
	cfg.DefaultRoleTemplates = map[string]infra.RoleTemplate{
		"developer": {Rules: []infra.TemplateRule{
			{Path: "/ws/tmp", Operations: []string{"all"}, Effect: "deny"},
		}},
	}

	d, err = m.CheckPermission(context.Background(), "swe-1", "/ws/tmp/file", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

// --- Reload ---

func TestReload_ReplacesStateAndDropsCache(t *testing.T) {
	cfg := baseSettings()
	cfg.PermissionCacheTTL = time.Minute
	repo := &fakeRepo{}
	m, _ := newTestManager(t, repo, func() infra.ACLConfig { return cfg })

	d, err := m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Сосед записал deny напрямую в хранилище и прислал сигнал
	repo.rules = []domain.RuleRecord{
		rule(7, domain.SubjectGlobal, "*", "/ws/x", []domain.Operation{domain.OpRead}, domain.EffectDeny, 100),
	}
	require.NoError(t, m.Reload(context.Background()))

	d, err = m.CheckPermission(context.Background(), "a1", "/ws/x", "read", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
