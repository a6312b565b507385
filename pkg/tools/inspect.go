package tools

import (
	"fmt"
	"strings"

	"github.com/daai/steward/pkg/contract"
	"github.com/daai/steward/pkg/governance"
	"github.com/daai/steward/pkg/metricstree"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContract compares the latest previous snapshot with the current
// contract text.
func (e *Executor) diffContract(contractID string) map[string]any {
	current, ok := e.store.Contract(contractID)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Контракт %s не найден (contracts/%s.md)", contractID, contractID)}
	}

	var prevTS string
	for _, entry := range e.store.ContractHistory(contractID) {
		if entry.Kind == "previous" {
			prevTS = entry.TS
		}
	}
	if prevTS == "" {
		return map[string]any{"error": fmt.Sprintf("У контракта %s нет предыдущей версии", contractID)}
	}
	previous, ok := e.store.ContractVersion(contractID, prevTS)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Снимок версии %s не найден", prevTS)}
	}

	return map[string]any{
		"contract_id":  contractID,
		"from_version": prevTS,
		"diff":         lineDiff(previous, current),
	}
}

// lineDiff renders a +/- line diff between two texts.
func lineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// generateTemplate builds a prefilled contract skeleton from the metrics
// tree and the governance policy.
func (e *Executor) generateTemplate(contractID string) map[string]any {
	if strings.TrimSpace(contractID) == "" {
		return map[string]any{"error": "contract_id is required"}
	}

	linkage := "<метрика> → ... → Extra Time"
	displayName := contractID
	if treeMD, ok := e.store.ReadFile("context/metrics_tree.md"); ok {
		root := metricstree.Parse(treeMD)
		if node := metricstree.FindNode(root, contractID); node != nil {
			displayName = node.ShortName
			linkage = metricstree.PathToRoot(node)
		}
	}

	tier := e.contractTier(contractID)
	approvers := "<роли по governance policy>"
	if policy, err := governance.LoadPolicy(e.store, tier); err == nil && len(policy.ApprovalRequired) > 0 {
		roles := governance.MergedRoles(e.store)
		var parts []string
		for _, role := range policy.ApprovalRequired {
			if users := roles[role]; len(users) > 0 {
				parts = append(parts, fmt.Sprintf("%s (@%s)", role, strings.Join(users, ", @")))
			} else {
				parts = append(parts, role)
			}
		}
		approvers = strings.Join(parts, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Контракт: %s\n\n", displayName)
	for _, section := range contract.RequiredSections {
		fmt.Fprintf(&sb, "## %s\n", section)
		switch section {
		case "Статус":
			sb.WriteString("draft\n")
		case "Формула":
			sb.WriteString("Человеческая: <описание словами>\n\nПсевдо-SQL:\n```sql\nSELECT ...\n```\n")
		case "Связь с Extra Time":
			sb.WriteString(linkage + "\n")
		case "Согласовано":
			sb.WriteString(approvers + "\n")
		case "История изменений":
			fmt.Fprintf(&sb, "- %s: создан черновик\n", e.now().UTC().Format("2006-01-02"))
		default:
			sb.WriteString("<заполнить>\n")
		}
		sb.WriteString("\n")
	}
	for _, section := range contract.OptionalSections {
		fmt.Fprintf(&sb, "## %s\n<опционально>\n\n", section)
	}

	return map[string]any{
		"contract_id": contractID,
		"tier":        tier,
		"template":    sb.String(),
	}
}
