package acl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath_WorkspacePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"double braces", "{{workspace}}/src/main.go", "/ws/src/main.go"},
		{"single braces", "{workspace}/src", "/ws/src"},
		{"env style braced", "${WORKSPACE}/data", "/ws/data"},
		{"env style bare", "$WORKSPACE/data", "/ws/data"},
		{"relative joins workspace", "docs/readme.md", "/ws/docs/readme.md"},
		{"dot segments cleaned", "/ws/a/../b/./c", "/ws/b/c"},
		{"trailing slash cleaned", "/ws/src/", "/ws/src"},
		{"whitespace trimmed", "  /ws/x  ", "/ws/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in, "/ws"))
		})
	}
}

func TestNormalizePath_EnvExpansion(t *testing.T) {
	t.Setenv("AUTHZ_TEST_DIR", "/opt/data")
	assert.Equal(t, "/opt/data/file", NormalizePath("$AUTHZ_TEST_DIR/file", "/ws"))
}

func TestNormalizePath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("home dir is not resolvable in this environment")
	}
	got := NormalizePath("~/notes.txt", "/ws")
	assert.Equal(t, filepath.ToSlash(filepath.Join(home, "notes.txt")), got)
}

func TestMatchPath_ExactAndPrefix(t *testing.T) {
	assert.True(t, MatchPath("/ws/src", "/ws/src"))
	assert.True(t, MatchPath("/ws/src", "/ws/src/deep/nested.go"))
	assert.True(t, MatchPath("/ws/src/", "/ws/src/main.go"), "trailing slash on the rule is tolerated")

	// Общий строковый префикс без разделителя — не совпадение
	assert.False(t, MatchPath("/ws/src", "/ws/srcbackup/main.go"))
	assert.False(t, MatchPath("/ws/src/main.go", "/ws/src"))
	assert.False(t, MatchPath("", "/ws/src"))
}

func TestMatchPath_Glob(t *testing.T) {
	assert.True(t, MatchPath("/ws/**/*.env", "/ws/app/config/prod.env"))
	assert.True(t, MatchPath("/ws/*.go", "/ws/main.go"))
	assert.False(t, MatchPath("/ws/*.go", "/ws/pkg/main.go"), "single star does not cross separators")
	assert.False(t, MatchPath("/ws/**/*.env", "/ws/app/settings.yaml"))
}

func TestRulePathForMatch_GlobKeepsPattern(t *testing.T) {
	// Glob не должен проходить через Clean/Join: паттерн остается паттерном
	got := rulePathForMatch("{{workspace}}/**/*.log", "/ws")
	assert.Equal(t, "/ws/**/*.log", got)

	// Обычный путь нормализуется полностью
	got = rulePathForMatch("{{workspace}}/logs/", "/ws")
	assert.Equal(t, "/ws/logs", got)
}
