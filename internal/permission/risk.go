package permission

import (
	"fmt"
	"strings"

	"github.com/xela07ax/agent-authz/internal/domain"
)

// toolCompatibility — какие инструменты штатны для какого типа агента.
// Запрос инструмента вне профиля сам по себе не запрещен, но добавляет
// риск: SWE-агент, просящий powershell, выглядит подозрительно.
var toolCompatibility = map[string]map[string]struct{}{
	"sweagent":  toolSet("compiler", "debugger", "editor", "file_read", "file_write", "git", "test_runner", "search"),
	"dataagent": toolSet("file_read", "file_write", "sql_client", "notebook", "visualization", "search"),
	"opsagent":  toolSet("shell", "file_read", "monitoring", "deploy", "git"),
	"default":   toolSet("file_read", "file_write", "search"),
}

// suspiciousPatterns — комбинации возможностей, характерные для атак.
// Паттерн срабатывает, если запрошенный набор (tools + "network" при
// запросе сети) является его надмножеством; каждое независимое
// срабатывание добавляет свой вклад.
var suspiciousPatterns = [][]string{
	{"delete", "system32_access"},
	{"powershell", "network"},
	{"env_read", "network"},
	{"file_write", "network", "credentials"},
}

// commandPenalties — опасные подстроки в свободном тексте команды.
// Список упорядочен; засчитывается вклад ТОЛЬКО первого совпадения,
// штрафы за команду не суммируются.
var commandPenalties = []struct {
	keyword string
	score   float64
}{
	{"rm -rf", 0.4},
	{"format", 0.3},
	{"dd", 0.3},
	{"mkfs", 0.3},
	{"destroy", 0.2},
	{"delete", 0.15},
	{"drop", 0.1},
}

// sensitivePathFragments — подстроки путей, доступ к которым повышает риск.
var sensitivePathFragments = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/root",
	".ssh",
	`c:\windows\system32`,
}

// memoryRiskThresholdMB — запрос памяти выше этого порога считается аномальным.
const memoryRiskThresholdMB = 16000

// Вклады факторов в аддитивный счет риска.
const (
	scoreIncompatibleTool  = 0.25
	scoreLowTrust          = 0.20
	scoreSuspiciousPattern = 0.30
	scoreExcessiveMemory   = 0.15
	scoreSensitivePath     = 0.20
)

const lowTrustThreshold = 0.3

func toolSet(tools ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		s[t] = struct{}{}
	}
	return s
}

// assessment — результат оценки риска запроса.
type assessment struct {
	Score   float64
	Level   domain.RiskLevel
	Reasons []string
}

// assessRisk считает аддитивный счет риска запроса. Счет монотонно
// не убывает при добавлении рисковых факторов к фиксированному запросу.
func assessRisk(req domain.CapabilityRequest, trustScore float64) assessment {
	var a assessment

	// 1. Инструменты вне профиля типа агента
	compat, ok := toolCompatibility[strings.ToLower(req.AgentType)]
	if !ok {
		compat = toolCompatibility["default"]
	}
	for _, tool := range req.Tools {
		if _, known := compat[strings.ToLower(tool)]; !known {
			a.Score += scoreIncompatibleTool
			a.Reasons = append(a.Reasons, fmt.Sprintf("tool %q is not typical for agent type %s", tool, req.AgentType))
		}
	}

	// 2. Низкий накопленный trust score агента
	if trustScore < lowTrustThreshold {
		a.Score += scoreLowTrust
		a.Reasons = append(a.Reasons, fmt.Sprintf("agent trust score %.2f is below %.1f", trustScore, lowTrustThreshold))
	}

	// 3. Подозрительные комбинации возможностей
	caps := make(map[string]struct{}, len(req.Tools)+1)
	for _, tool := range req.Tools {
		caps[strings.ToLower(tool)] = struct{}{}
	}
	if req.Network {
		caps["network"] = struct{}{}
	}
	for _, pattern := range suspiciousPatterns {
		if supersetOf(caps, pattern) {
			a.Score += scoreSuspiciousPattern
			a.Reasons = append(a.Reasons, fmt.Sprintf("suspicious capability combination: %s", strings.Join(pattern, "+")))
		}
	}

	// 4. Анализ намерений по тексту команды — только первое совпадение
	command := strings.ToLower(req.Command)
	if command != "" {
		for _, p := range commandPenalties {
			if strings.Contains(command, p.keyword) {
				a.Score += p.score
				a.Reasons = append(a.Reasons, fmt.Sprintf("command contains dangerous keyword %q", p.keyword))
				break
			}
		}
	}

	// 5. Аномальный запрос памяти
	if req.ResourceLimits.MemoryMB != nil && *req.ResourceLimits.MemoryMB > memoryRiskThresholdMB {
		a.Score += scoreExcessiveMemory
		a.Reasons = append(a.Reasons, fmt.Sprintf("requested memory %d MB exceeds %d MB", *req.ResourceLimits.MemoryMB, memoryRiskThresholdMB))
	}

	// 6. Чувствительные пути — вклад начисляется один раз
	if frag, found := firstSensitivePath(req.Paths); found {
		a.Score += scoreSensitivePath
		a.Reasons = append(a.Reasons, fmt.Sprintf("requested path touches sensitive location %q", frag))
	}

	a.Level = domain.LevelForScore(a.Score)
	return a
}

func supersetOf(caps map[string]struct{}, pattern []string) bool {
	for _, p := range pattern {
		if _, ok := caps[p]; !ok {
			return false
		}
	}
	return true
}

func firstSensitivePath(paths []string) (string, bool) {
	for _, path := range paths {
		lower := strings.ToLower(path)
		for _, frag := range sensitivePathFragments {
			if strings.Contains(lower, frag) {
				return frag, true
			}
		}
	}
	return "", false
}
