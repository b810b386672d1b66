package acl

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Эквивалентные написания плейсхолдера workspace в путях правил и запросов.
// Порядок важен: более длинные варианты подставляются первыми.
var workspacePlaceholders = []string{"{{workspace}}", "{workspace}", "${WORKSPACE}", "$WORKSPACE"}

// NormalizePath приводит путь к канонической абсолютной форме для
// стабильного сравнения: подстановка workspace, раскрытие ENV и ~,
// привязка относительных путей к корню workspace, платформенная
// нормализация регистра.
func NormalizePath(raw, workspaceRoot string) string {
	p := strings.TrimSpace(raw)

	for _, ph := range workspacePlaceholders {
		p = strings.ReplaceAll(p, ph, workspaceRoot)
	}

	p = os.ExpandEnv(p)

	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}

	if !filepath.IsAbs(p) && workspaceRoot != "" {
		p = filepath.Join(workspaceRoot, p)
	}
	p = filepath.Clean(p)

	return foldCase(filepath.ToSlash(p))
}

// foldCase: файловые системы Windows регистронезависимы — для стабильного
// сравнения приводим путь к нижнему регистру только там.
func foldCase(p string) string {
	if runtime.GOOS == "windows" {
		return strings.ToLower(p)
	}
	return p
}

// rulePathForMatch готовит путь правила к сравнению. Glob-выражение
// нельзя прогонять через полную нормализацию (Clean/Join могут исказить
// паттерн) — для него только подстановка workspace и ENV.
func rulePathForMatch(rulePath, workspaceRoot string) string {
	if !hasGlobMeta(rulePath) {
		return NormalizePath(rulePath, workspaceRoot)
	}
	p := rulePath
	for _, ph := range workspacePlaceholders {
		p = strings.ReplaceAll(p, ph, workspaceRoot)
	}
	return foldCase(filepath.ToSlash(p))
}

// hasGlobMeta — содержит ли путь правила glob-метасимволы.
func hasGlobMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// MatchPath проверяет, покрывает ли путь правила целевой путь.
// Правило с glob-метасимволами матчится glob-семантикой (doublestar),
// обычный путь — точным совпадением или как префикс каталога: правило
// на каталог неявно покрывает всё под ним, но не соседей с общим
// строковым префиксом без разделителя.
func MatchPath(rulePath, target string) bool {
	rulePath = foldCase(filepath.ToSlash(rulePath))

	if hasGlobMeta(rulePath) {
		ok, err := doublestar.Match(rulePath, target)
		return err == nil && ok
	}

	rulePath = strings.TrimSuffix(rulePath, "/")
	if rulePath == "" {
		return false
	}
	if target == rulePath {
		return true
	}
	return strings.HasPrefix(target, rulePath+"/")
}
