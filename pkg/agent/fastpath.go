package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/daai/steward/pkg/contract"
	"github.com/daai/steward/pkg/governance"
	"github.com/daai/steward/pkg/relationships"
	"github.com/daai/steward/pkg/router"
)

// fastPath answers lookup and lifecycle routes without the model. Returns
// handled=false for routes that need the tool loop.
func (a *Agent) fastPath(ctx context.Context, route router.Route, entity string) (string, bool) {
	switch route.Type {
	case "contract_history":
		return a.showHistory(entity), true
	case "contract_version":
		return a.showVersion(route.Entity), true
	case "show_contract":
		md, ok := a.store.Contract(entity)
		if !ok {
			return fmt.Sprintf("Контракт `%s` не найден на диске (contracts/%s.md).", entity, entity), true
		}
		return fmt.Sprintf("📋 Контракт `%s`:\n\n```markdown\n%s\n```", entity, md), true
	case "show_draft":
		md, ok := a.store.Draft(entity)
		if !ok {
			return fmt.Sprintf("Черновик `%s` не найден на диске (drafts/%s.md).", entity, entity), true
		}
		return fmt.Sprintf("📝 Черновик `%s`:\n\n```markdown\n%s\n```", entity, md), true
	case "contract_diff":
		return a.showDiff(ctx, entity), true
	case "conflicts_audit":
		return a.conflictsReport(), true
	case "relationships_show":
		return a.showRelationships(entity), true
	case "governance_review_audit":
		return a.reviewReport(), true
	case "governance_policy_show":
		return a.showPolicy(entity), true
	case "governance_requirements_for":
		return a.showRequirements(entity), true
	case "lifecycle_get_status":
		return a.showStatus(entity), true
	case "lifecycle_set_status":
		return a.setStatus(route.Entity), true
	case "roles_assign":
		return a.assignRoles(ctx, route.Entity), true
	}
	return "", false
}

func (a *Agent) showHistory(contractID string) string {
	items := a.store.ContractHistory(contractID)
	if len(items) == 0 {
		return fmt.Sprintf("История версий для контракта `%s` не найдена. (Нет history.jsonl)", contractID)
	}
	tail := items
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	lines := []string{fmt.Sprintf("История версий `%s` (последние %d):", contractID, len(tail)), ""}
	for _, it := range tail {
		sha := it.SHA256
		if len(sha) > 12 {
			sha = sha[:12]
		}
		lines = append(lines, fmt.Sprintf("- `%s` — %s — sha %s — %d bytes", it.TS, it.Kind, sha, it.Bytes))
	}
	lines = append(lines, "\nЧтобы посмотреть конкретную версию: `покажи версию <contract_id> <ts>`")
	return strings.Join(lines, "\n")
}

func (a *Agent) showVersion(entity string) string {
	cid, ts, ok := strings.Cut(entity, ":")
	if !ok {
		return "Неверный формат. Используй: `покажи версию <contract_id> <ts>`"
	}
	md, found := a.store.ContractVersion(cid, ts)
	if !found {
		return fmt.Sprintf("Версия не найдена: `%s` `%s`", cid, ts)
	}
	return fmt.Sprintf("Версия `%s` `%s`:\n\n```markdown\n%s\n```", cid, ts, md)
}

func (a *Agent) showDiff(ctx context.Context, contractID string) string {
	result := a.executor.Execute(ctx, "diff_contract", map[string]any{"contract_id": contractID})
	if errMsg, ok := result["error"].(string); ok {
		return errMsg
	}
	diff, _ := result["diff"].(string)
	from, _ := result["from_version"].(string)
	return fmt.Sprintf("📊 Diff `%s` (от версии %s):\n\n```diff\n%s\n```", contractID, from, diff)
}

func (a *Agent) showRelationships(contractID string) string {
	var idx map[string]any
	a.store.ReadJSON("contracts/relationships.json", &idx)
	rels := relationships.Edges(idx, contractID)
	if len(rels) == 0 {
		return fmt.Sprintf("Связей для `%s` не найдено.", contractID)
	}

	title := contractID
	for _, c := range a.store.ListContracts() {
		id, _ := c["id"].(string)
		if strings.EqualFold(id, contractID) {
			if name, _ := c["name"].(string); name != "" {
				title = name
			}
			break
		}
	}

	lines := []string{fmt.Sprintf("🔗 Связи для `%s` (%s):", contractID, title), ""}
	shown := rels
	if len(shown) > 30 {
		shown = shown[:30]
	}
	for _, r := range shown {
		arrow := "→"
		if r.Type == "inverse" {
			arrow = "↔"
		}
		line := fmt.Sprintf("- `%s` %s `%s` — **%s**", strings.ToLower(r.From), arrow, strings.ToLower(r.To), r.Type)
		if desc := strings.TrimSpace(r.Description); desc != "" {
			line += " — " + desc
		}
		lines = append(lines, line)
	}
	if len(rels) > 30 {
		lines = append(lines, fmt.Sprintf("…и ещё %d", len(rels)-30))
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) showPolicy(tier string) string {
	policy, err := governance.LoadPolicy(a.store, tier)
	if err != nil {
		return fmt.Sprintf("Политика `%s` не найдена.", tier)
	}
	roles := governance.MergedRoles(a.store)

	lines := []string{fmt.Sprintf("📜 Политика согласования %s", tier), ""}
	if policy.Description != "" {
		lines = append(lines, policy.Description, "")
	}
	req := "(нет)"
	if len(policy.ApprovalRequired) > 0 {
		req = strings.Join(policy.ApprovalRequired, ", ")
	}
	lines = append(lines,
		fmt.Sprintf("Требуемые роли: %s", req),
		fmt.Sprintf("Порог консенсуса: %v", policy.ConsensusThreshold),
		"",
		"Текущее назначение пользователей на роли:")
	for _, role := range policy.ApprovalRequired {
		var mentions []string
		for _, u := range roles[role] {
			mentions = append(mentions, "@"+u)
		}
		assigned := "(не назначено)"
		if len(mentions) > 0 {
			assigned = strings.Join(mentions, ", ")
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", role, assigned))
	}
	return strings.Join(lines, "\n")
}

func (a *Agent) showRequirements(contractID string) string {
	tier := "tier_2"
	for _, c := range a.store.ListContracts() {
		id, _ := c["id"].(string)
		if strings.EqualFold(id, contractID) {
			if t, _ := c["tier"].(string); t != "" {
				tier = t
			}
			break
		}
	}
	policy, err := governance.LoadPolicy(a.store, tier)
	if err != nil {
		return fmt.Sprintf("Не нашёл политику для `%s` (tier=%s).", contractID, tier)
	}

	lines := []string{fmt.Sprintf("✅ Требования согласования для `%s` (tier=%s)", contractID, tier), ""}
	if policy.Description != "" {
		lines = append(lines, policy.Description, "")
	}
	req := "(нет)"
	if len(policy.ApprovalRequired) > 0 {
		req = strings.Join(policy.ApprovalRequired, ", ")
	}
	lines = append(lines,
		fmt.Sprintf("Роли: %s", req),
		fmt.Sprintf("Порог: %v", policy.ConsensusThreshold),
		"\nПодсказка: добавь согласующих в секцию `## Согласовано` как `@username — дата`.")
	return strings.Join(lines, "\n")
}

func (a *Agent) showStatus(contractID string) string {
	for _, c := range a.store.ListContracts() {
		id, _ := c["id"].(string)
		if strings.EqualFold(id, contractID) {
			if status, _ := c["status"].(string); status != "" {
				return fmt.Sprintf("Статус `%s`: **%s**", contractID, status)
			}
		}
	}
	return fmt.Sprintf("Статус для `%s` не найден.", contractID)
}

func (a *Agent) setStatus(entity string) string {
	cid, status, ok := strings.Cut(entity, ":")
	if !ok {
		return "Неверный формат. Используй: `поставь статус <id> <draft|in_review|agreed|approved|active|deprecated|archived>`"
	}
	var idx struct {
		Contracts []map[string]any `json:"contracts"`
	}
	a.store.ReadJSON("contracts/index.json", &idx)
	records, res := contract.SetStatus(idx.Contracts, cid, status, a.now())
	if !res.OK {
		return fmt.Sprintf("Не получилось: %s", res.Message)
	}
	idx.Contracts = records
	if err := a.store.WriteJSON("contracts/index.json", idx); err != nil {
		return fmt.Sprintf("Не получилось: %v", err)
	}
	return fmt.Sprintf("✅ %s: статус теперь **%s**", cid, status)
}

// assignRoles handles the routed "role:user,role:user" entity. Display
// name fragments are resolved to canonical usernames when the chat server
// knows them.
func (a *Agent) assignRoles(ctx context.Context, entity string) string {
	type pair struct{ role, user string }
	var pairs []pair
	for _, part := range strings.Split(entity, ",") {
		part = strings.TrimSpace(part)
		role, user, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		role = strings.ToLower(strings.TrimSpace(role))
		user = strings.TrimPrefix(strings.TrimSpace(user), "@")
		if resolved := a.resolveUsername(ctx, user); resolved != "" {
			user = resolved
		}
		user = strings.ToLower(user)
		if role != "" && user != "" {
			pairs = append(pairs, pair{role, user})
		}
	}
	if len(pairs) == 0 {
		return "Не понял назначения ролей. Формат: `Data Lead — @username` / `Circle Lead — @username`."
	}

	var idx struct {
		Roles map[string][]string `json:"roles"`
	}
	if !a.store.ReadJSON("tasks/roles.json", &idx) {
		a.store.ReadJSON("context/roles.json", &idx)
	}
	if idx.Roles == nil {
		idx.Roles = map[string][]string{}
	}

	lines := []string{"✅ Роли обновлены (tasks/roles.json):", ""}
	for _, p := range pairs {
		users := idx.Roles[p.role]
		exists := false
		for i, u := range users {
			users[i] = strings.ToLower(u)
			if users[i] == p.user {
				exists = true
			}
		}
		if !exists {
			users = append(users, p.user)
		}
		idx.Roles[p.role] = users
		lines = append(lines, fmt.Sprintf("- %s: @%s", p.role, p.user))
	}
	if err := a.store.WriteJSON("tasks/roles.json", idx); err != nil {
		return fmt.Sprintf("Не получилось сохранить роли: %v", err)
	}
	lines = append(lines, "\nТеперь можно повторить: `зафиксируй контракт <id>`.")
	return strings.Join(lines, "\n")
}

var (
	roleLineRe   = regexp.MustCompile(`(?i)^(data\s*lead|circle\s*lead)\s*[—\-:]\s*(.+)$`)
	latinUserRe  = regexp.MustCompile(`(?i)@([a-z0-9_.\-]{3,})`)
	linkJunkRe   = regexp.MustCompile(`[\]\[()<>]`)
	roleKeyTable = map[string]string{"data lead": "data_lead", "circle lead": "circle_lead"}
)

// handleRoleAssignments catches "Data Lead — @user" style messages before
// routing. Returns handled=false when no role line is present.
func (a *Agent) handleRoleAssignments(ctx context.Context, message string) (string, bool) {
	type pair struct{ role, user string }
	var pairs []pair

	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := roleLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
		role := roleKeyTable[label]
		rhs := strings.TrimSpace(m[2])
		if role == "" || rhs == "" {
			continue
		}

		if um := latinUserRe.FindStringSubmatch(rhs); um != nil {
			pairs = append(pairs, pair{role, strings.ToLower(um[1])})
			continue
		}

		// No latin mention. Try to resolve whatever follows the @ as a
		// display name, then its first word.
		raw := rhs
		if _, after, found := strings.Cut(raw, "@"); found {
			raw = strings.TrimSpace(after)
		}
		raw = strings.TrimSpace(linkJunkRe.ReplaceAllString(raw, " "))

		resolved := a.resolveUsername(ctx, raw)
		if resolved == "" {
			if first, _, hasSpace := strings.Cut(raw, " "); hasSpace {
				resolved = a.resolveUsername(ctx, first)
			}
		}
		if resolved == "" {
			return fmt.Sprintf("⚠️ Не смог распознать username пользователя «%s» для назначения роли.\n\n"+
				"Пожалуйста, напиши так (латиницей, как в mention):\n"+
				"- Circle Lead — @korabovtsev\n"+
				"- Data Lead — @pavelpetrin", raw), true
		}
		pairs = append(pairs, pair{role, strings.ToLower(resolved)})
	}

	if len(pairs) == 0 {
		return "", false
	}

	// Merge defaults with runtime state, then apply the new assignments.
	merged := governance.MergedRoles(a.store)
	lines := []string{"✅ Роли обновлены (tasks/roles.json):", ""}
	for _, p := range pairs {
		users := merged[p.role]
		exists := false
		for _, u := range users {
			if u == p.user {
				exists = true
				break
			}
		}
		if !exists {
			users = append(users, p.user)
		}
		merged[p.role] = users
		lines = append(lines, fmt.Sprintf("- %s: @%s", p.role, p.user))
	}
	if err := a.store.WriteJSON("tasks/roles.json", map[string]any{"roles": merged}); err != nil {
		return fmt.Sprintf("Не получилось сохранить роли: %v", err), true
	}
	lines = append(lines, "\nТеперь можно повторить: `зафиксируй контракт <id>`.")
	return strings.Join(lines, "\n"), true
}

func (a *Agent) resolveUsername(ctx context.Context, query string) string {
	query = strings.TrimSpace(query)
	if query == "" || a.chat == nil {
		return ""
	}
	info, err := a.chat.GetUserByUsername(ctx, query)
	if err != nil || info.Username == "" {
		return ""
	}
	return info.Username
}
