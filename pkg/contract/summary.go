package contract

import (
	"fmt"
	"sort"
	"strings"
)

// Summary is the deterministic per-contract snippet record kept in
// contracts/summaries.json and rendered into the agent's landscape block.
type Summary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	Definition    string `json:"definition"`
	Formula       string `json:"formula"`
	DataSource    string `json:"data_source"`
	ExtraTimePath string `json:"extra_time_path"`
}

var summaryLimits = map[string]int{
	"Определение":        120,
	"Формула":            100,
	"Источник данных":    80,
	"Связь с Extra Time": 100,
}

var statusOrder = map[string]int{"agreed": 0, "in_review": 1, "draft": 2}

var statusLabels = map[string]string{
	"agreed":    "Согласованные",
	"in_review": "На ревью",
	"draft":     "Черновики",
}

// snippet returns the first non-empty line truncated to maxLen runes.
func snippet(text string, maxLen int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxLen {
			return string(runes[:maxLen-1]) + "…"
		}
		return line
	}
	return ""
}

// GenerateSummary extracts the summary record from contract markdown.
func GenerateSummary(contractID, md, status string) Summary {
	sections := Sections(md)
	return Summary{
		ID:            contractID,
		Name:          Name(md, contractID),
		Status:        status,
		Definition:    snippet(sections["Определение"], summaryLimits["Определение"]),
		Formula:       snippet(sections["Формула"], summaryLimits["Формула"]),
		DataSource:    snippet(sections["Источник данных"], summaryLimits["Источник данных"]),
		ExtraTimePath: snippet(sections["Связь с Extra Time"], summaryLimits["Связь с Extra Time"]),
	}
}

// FormatSummaries renders all summaries into the landscape prompt block,
// grouped by status. Returns "" when there is nothing to show.
func FormatSummaries(summaries []Summary) string {
	if len(summaries) == 0 {
		return ""
	}

	groups := map[string][]Summary{}
	for _, s := range summaries {
		status := s.Status
		if status == "" {
			status = "draft"
		}
		groups[status] = append(groups[status], s)
	}

	lines := []string{
		"# Ландшафт контрактов",
		"",
		"Ниже — краткие суммари всех контрактов. Используй их чтобы:",
		"- НЕ дублировать определения, которые уже зафиксированы",
		"- Сохранять единую терминологию",
		"- Ссылаться на связанные контракты",
		"- Для полного текста используй `read_contract` / `read_draft`",
		"",
	}

	statuses := make([]string, 0, len(groups))
	for status := range groups {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		oi, ok := statusOrder[statuses[i]]
		if !ok {
			oi = 99
		}
		oj, ok := statusOrder[statuses[j]]
		if !ok {
			oj = 99
		}
		if oi != oj {
			return oi < oj
		}
		return statuses[i] < statuses[j]
	})

	for _, status := range statuses {
		label := statusLabels[status]
		if label == "" {
			label = status
		}
		lines = append(lines, "## "+label, "")

		group := groups[status]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		for _, s := range group {
			parts := []string{fmt.Sprintf("`%s` — %s", s.ID, s.Name)}
			if s.Definition != "" {
				parts = append(parts, "Опр: "+s.Definition)
			}
			if s.Formula != "" {
				parts = append(parts, "Формула: "+s.Formula)
			}
			if s.ExtraTimePath != "" {
				parts = append(parts, "ET: "+s.ExtraTimePath)
			}
			lines = append(lines, strings.Join(parts, " | "))
		}
		lines = append(lines, "")
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
