package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/contract"
	"github.com/daai/steward/pkg/glossary"
	"github.com/daai/steward/pkg/governance"
	"github.com/daai/steward/pkg/metricstree"
	"github.com/daai/steward/pkg/relationships"
	"github.com/daai/steward/pkg/store"
)

const defaultTier = "tier_2"

// Notifier is the slice of the chat client tools need. May be nil in
// tests or offline runs.
type Notifier interface {
	SendToChannel(ctx context.Context, message, rootID string) (chat.Post, error)
	GetUserByUsername(ctx context.Context, username string) (chat.UserInfo, error)
	CreatePoll(ctx context.Context, channelID, question string, options []string) error
	ChannelID() string
}

// HeavyCaller runs a single heavy-model completion, used for the
// relationship proposal pass.
type HeavyCaller interface {
	CallHeavy(ctx context.Context, systemPrompt, userInput string) (string, error)
}

// Suggester proposes the next contract after one is agreed. Best-effort;
// may be nil.
type Suggester interface {
	AfterAgreement(ctx context.Context, contractID string)
}

// Executor dispatches tool calls from the agentic loop. Every handler
// returns a JSON-serializable map; failures become {"error": ...} so the
// model can recover.
type Executor struct {
	store   *store.Store
	chat    Notifier
	llm     HeavyCaller
	suggest Suggester
	logger  *slog.Logger

	now func() time.Time
}

// NewExecutor wires the executor. chat, llm and suggest may be nil.
func NewExecutor(s *store.Store, notifier Notifier, heavy HeavyCaller, suggest Suggester, logger *slog.Logger) *Executor {
	return &Executor{
		store:   s,
		chat:    notifier,
		llm:     heavy,
		suggest: suggest,
		logger:  logger.With("component", "tools"),
		now:     time.Now,
	}
}

// Execute implements llm.ToolExecutor.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) map[string]any {
	var result map[string]any
	switch name {
	case "read_contract":
		result = e.readContract(strArg(args, "contract_id"))
	case "read_draft":
		result = e.readDraft(strArg(args, "contract_id"))
	case "read_discussion":
		result = e.readDiscussion(strArg(args, "contract_id"))
	case "read_governance_policy":
		result = e.readGovernancePolicy(strArg(args, "tier"))
	case "read_roles":
		result = map[string]any{"roles": governance.MergedRoles(e.store)}
	case "validate_contract":
		result = e.validateContract(strArg(args, "contract_md"))
	case "check_approval":
		result = e.checkApproval(strArg(args, "contract_id"), strArg(args, "contract_md"))
	case "diff_contract":
		result = e.diffContract(strArg(args, "contract_id"))
	case "generate_contract_template":
		result = e.generateTemplate(strArg(args, "contract_id"))
	case "participant_stats":
		result = e.participantStats(strArg(args, "username"))
	case "list_contracts":
		result = e.listContracts()
	case "save_contract":
		result = e.saveContract(ctx, strArg(args, "contract_id"), strArg(args, "content"), boolArg(args, "force"))
	case "save_draft":
		result = e.saveDraft(strArg(args, "contract_id"), strArg(args, "content"))
	case "update_discussion":
		result = e.updateDiscussion(strArg(args, "contract_id"), mapArg(args, "discussion"))
	case "add_reminder":
		result = e.addReminder(mapArg(args, "reminder"))
	case "update_participant":
		result = e.updateParticipant(strArg(args, "username"), strArg(args, "content"))
	case "save_decision":
		result = e.saveDecision(mapArg(args, "decision"))
	case "assign_role":
		result = e.assignRole(ctx, strArg(args, "role"), strArg(args, "username"))
	case "set_contract_status":
		result = e.setContractStatus(strArg(args, "contract_id"), strArg(args, "status"))
	case "request_approval":
		result = e.requestApproval(ctx, strArg(args, "contract_id"))
	case "approve_contract":
		result = e.approveContract(strArg(args, "contract_id"), strArg(args, "username"))
	case "create_poll":
		result = e.createPoll(ctx, strArg(args, "question"), listArg(args, "options"), strArg(args, "channel_id"))
	default:
		result = map[string]any{"error": fmt.Sprintf("Unknown tool: %s", name)}
	}

	if errMsg, ok := result["error"]; ok {
		e.logger.Warn("tool returned error", "tool", name, "error", errMsg)
	} else {
		e.logger.Info("tool executed", "tool", name)
	}
	return result
}

// ── Read-only tools ─────────────────────────────────────────────────

func (e *Executor) readContract(contractID string) map[string]any {
	md, ok := e.store.Contract(contractID)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Контракт %s не найден (contracts/%s.md)", contractID, contractID)}
	}
	return map[string]any{"contract_id": contractID, "content": md}
}

func (e *Executor) readDraft(contractID string) map[string]any {
	md, ok := e.store.Draft(contractID)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Черновик %s не найден (drafts/%s.md)", contractID, contractID)}
	}
	return map[string]any{"contract_id": contractID, "content": md}
}

func (e *Executor) readDiscussion(contractID string) map[string]any {
	data, ok := e.store.Discussion(contractID)
	if !ok {
		return map[string]any{"error": fmt.Sprintf("Обсуждение %s не найдено", contractID)}
	}
	return map[string]any{"contract_id": contractID, "discussion": data}
}

func (e *Executor) readGovernancePolicy(tier string) map[string]any {
	policy, err := governance.LoadPolicy(e.store, tier)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Политика %s не найдена", tier)}
	}
	roles := governance.MergedRoles(e.store)
	assignments := map[string][]string{}
	for _, role := range policy.ApprovalRequired {
		users := roles[role]
		if users == nil {
			users = []string{}
		}
		assignments[role] = users
	}
	return map[string]any{
		"tier":                tier,
		"description":         policy.Description,
		"approval_required":   policy.ApprovalRequired,
		"consensus_threshold": policy.ConsensusThreshold,
		"current_assignments": assignments,
	}
}

func (e *Executor) validateContract(contractMD string) map[string]any {
	report := contract.Validate(contractMD)
	return map[string]any{
		"ok":       report.OK,
		"issues":   issueMaps(report.Errors),
		"warnings": issueMaps(report.Warnings),
	}
}

func issueMaps(issues []contract.Issue) []map[string]any {
	out := make([]map[string]any, 0, len(issues))
	for _, i := range issues {
		out = append(out, map[string]any{"code": i.Code, "message": i.Message})
	}
	return out
}

// contractTier resolves the governance tier of a contract from the
// index, defaulting to tier_2.
func (e *Executor) contractTier(contractID string) string {
	for _, c := range e.store.ListContracts() {
		id, _ := c["id"].(string)
		if !strings.EqualFold(id, contractID) {
			continue
		}
		if tier, _ := c["tier"].(string); tier != "" {
			return tier
		}
	}
	return defaultTier
}

func (e *Executor) checkApproval(contractID, contractMD string) map[string]any {
	tier := e.contractTier(contractID)
	policy, err := governance.LoadPolicy(e.store, tier)
	if err != nil {
		return map[string]any{
			"ok":              true,
			"missing_roles":   []string{},
			"glossary_issues": []map[string]any{},
			"note":            fmt.Sprintf("Tier %s не найден, пропускаю governance", tier),
		}
	}

	roles := governance.MergedRoles(e.store)
	check := governance.CheckApprovalPolicy(contractMD, policy, roles)

	glossaryIssues := e.glossaryIssues(contractMD)
	issueList := make([]map[string]any, 0, len(glossaryIssues))
	for _, gi := range glossaryIssues {
		issueList = append(issueList, map[string]any{"canonical": gi.Canonical, "message": gi.Message})
	}

	missing := check.MissingRoles
	if missing == nil {
		missing = []string{}
	}
	return map[string]any{
		"ok":              check.OK && len(glossaryIssues) == 0,
		"tier":            tier,
		"missing_roles":   missing,
		"glossary_issues": issueList,
	}
}

func (e *Executor) glossaryIssues(contractMD string) []glossary.Issue {
	var g glossary.Glossary
	if !e.store.ReadJSON("context/glossary.json", &g) {
		return nil
	}
	return glossary.CheckAmbiguity(contractMD, &g)
}

func (e *Executor) listContracts() map[string]any {
	items := []map[string]any{}
	for _, c := range e.store.ListContracts() {
		items = append(items, map[string]any{
			"id":     c["id"],
			"name":   c["name"],
			"status": c["status"],
			"tier":   c["tier"],
		})
	}
	return map[string]any{"contracts": items}
}

func (e *Executor) participantStats(username string) map[string]any {
	target := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))

	type stats struct {
		decisions int
		approvals int
		roles     []string
	}
	byUser := map[string]*stats{}
	get := func(u string) *stats {
		u = strings.ToLower(u)
		if byUser[u] == nil {
			byUser[u] = &stats{}
		}
		return byUser[u]
	}

	for _, d := range e.store.Decisions() {
		agreedBy, _ := d["agreed_by"].([]any)
		for _, u := range agreedBy {
			if name, ok := u.(string); ok {
				get(name).decisions++
			}
		}
	}
	for role, users := range governance.MergedRoles(e.store) {
		for _, u := range users {
			s := get(u)
			s.roles = append(s.roles, role)
		}
	}
	for _, c := range e.store.ListContracts() {
		id, _ := c["id"].(string)
		if id == "" {
			continue
		}
		disc, ok := e.store.Discussion(id)
		if !ok {
			continue
		}
		state := governance.ApprovalStateFromMap(mapValue(disc, "approval_state"))
		for _, v := range state.Approvals {
			get(v.Username).approvals++
		}
	}

	out := []map[string]any{}
	for user, s := range byUser {
		if target != "" && user != target {
			continue
		}
		roles := s.roles
		if roles == nil {
			roles = []string{}
		}
		out = append(out, map[string]any{
			"username":  user,
			"decisions": s.decisions,
			"approvals": s.approvals,
			"roles":     roles,
		})
	}
	return map[string]any{"participants": out}
}

// ── Write tools ─────────────────────────────────────────────────────

func (e *Executor) saveContract(ctx context.Context, contractID, content string, force bool) map[string]any {
	var errors, warnings []string

	report := contract.Validate(content)
	for _, i := range report.Errors {
		errors = append(errors, "Валидация: "+i.Message)
	}
	for _, i := range report.Warnings {
		warnings = append(warnings, i.Message)
	}

	tier := e.contractTier(contractID)
	if policy, err := governance.LoadPolicy(e.store, tier); err == nil {
		check := governance.CheckApprovalPolicy(content, policy, governance.MergedRoles(e.store))
		if !check.OK {
			missing := strings.Join(check.MissingRoles, ", ")
			if missing == "" {
				missing = "(неизвестно)"
			}
			errors = append(errors, fmt.Sprintf("Governance (%s): не хватает ролей: %s", tier, missing))
		}
	} else {
		e.logger.Warn("governance check skipped", "contract_id", contractID, "error", err)
	}

	for _, gi := range e.glossaryIssues(content) {
		if force {
			warnings = append(warnings, "Глоссарий: "+gi.Message)
		} else {
			errors = append(errors, "Глоссарий: "+gi.Message)
		}
	}

	if warnings == nil {
		warnings = []string{}
	}
	if len(errors) > 0 {
		return map[string]any{
			"success":     false,
			"contract_id": contractID,
			"errors":      errors,
			"warnings":    warnings,
		}
	}

	if err := e.store.SaveContract(contractID, content); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить контракт: %v", err)}
	}
	name := contract.Name(content, contractID)
	today := e.now().UTC().Format(time.DateOnly)
	if err := e.store.UpdateContractIndex(contractID, map[string]any{
		"name":              name,
		"status":            "agreed",
		"file":              "contracts/" + contractID + ".md",
		"agreed_date":       today,
		"status_updated_at": today,
	}); err != nil {
		e.logger.Error("index update failed after save", "contract_id", contractID, "error", err)
	}

	e.updateRelationships(ctx, contractID, content)
	e.markTreeAgreed(name, contractID)
	if e.suggest != nil {
		e.suggest.AfterAgreement(ctx, contractID)
	}

	e.store.AuditLog("save_contract", map[string]any{"contract_id": contractID})
	return map[string]any{
		"success":     true,
		"contract_id": contractID,
		"warnings":    warnings,
	}
}

// updateRelationships runs the deterministic mention scan plus the
// optional LLM pass and merges the result. Best-effort.
func (e *Executor) updateRelationships(ctx context.Context, contractID, content string) {
	known := e.store.ListContracts()
	var knownIDs []string
	knownSet := map[string]bool{}
	var knownContracts []relationships.KnownContract
	for _, c := range known {
		id, _ := c["id"].(string)
		if id == "" {
			continue
		}
		knownIDs = append(knownIDs, id)
		knownSet[strings.ToLower(id)] = true
		name, _ := c["name"].(string)
		status, _ := c["status"].(string)
		knownContracts = append(knownContracts, relationships.KnownContract{ID: id, Name: name, Status: status})
	}

	rels := relationships.DetectMentions(contractID, content, knownIDs)

	if e.llm != nil {
		system, user := relationships.BuildPrompt(contractID, content, knownContracts)
		if raw, err := e.llm.CallHeavy(ctx, system, user); err == nil {
			if proposed, perr := relationships.ParseProposed(raw, contractID, knownSet); perr == nil {
				rels = append(rels, proposed...)
			} else {
				e.logger.Info("relationship proposals skipped", "error", perr)
			}
		} else {
			e.logger.Info("relationship llm pass skipped", "error", err)
		}
	}

	if len(rels) == 0 {
		return
	}
	var idx map[string]any
	e.store.ReadJSON("contracts/relationships.json", &idx)
	updated, added := relationships.Upsert(idx, rels)
	if added > 0 {
		if err := e.store.WriteJSON("contracts/relationships.json", updated); err != nil {
			e.logger.Warn("failed to persist relationships", "error", err)
			return
		}
		e.logger.Info("relationships updated", "contract_id", contractID, "added", added)
	}
}

func (e *Executor) markTreeAgreed(name, contractID string) {
	tree, ok := e.store.ReadFile("context/metrics_tree.md")
	if !ok {
		return
	}
	patch := metricstree.MarkContractAgreed(tree, name)
	if !patch.OK {
		patch = metricstree.MarkContractAgreed(tree, contractID)
	}
	if patch.OK && patch.Changed {
		if err := e.store.WriteFile("context/metrics_tree.md", patch.NewText); err != nil {
			e.logger.Warn("failed to update metrics tree", "error", err)
		}
	}
}

func (e *Executor) saveDraft(contractID, content string) map[string]any {
	if err := e.store.SaveDraft(contractID, content); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить черновик: %v", err)}
	}
	name := contract.Name(content, contractID)
	if err := e.store.UpdateContractIndex(contractID, map[string]any{
		"name":   name,
		"status": "draft",
		"file":   "drafts/" + contractID + ".md",
	}); err != nil {
		e.logger.Error("index update failed after draft save", "contract_id", contractID, "error", err)
	}
	return map[string]any{"success": true, "contract_id": contractID, "name": name}
}

func (e *Executor) updateDiscussion(contractID string, discussion map[string]any) map[string]any {
	if discussion == nil {
		return map[string]any{"error": "discussion must be a JSON object"}
	}
	if err := e.store.UpdateDiscussion(contractID, discussion); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось обновить обсуждение: %v", err)}
	}
	return map[string]any{"success": true, "contract_id": contractID}
}

func (e *Executor) addReminder(reminder map[string]any) map[string]any {
	if reminder == nil {
		return map[string]any{"error": "reminder must be a JSON object"}
	}
	r := store.ReminderFromMap(reminder)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	reminders := append(e.store.Reminders(), r)
	if err := e.store.SaveReminders(reminders); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить напоминание: %v", err)}
	}
	return map[string]any{"success": true, "reminder_id": r.ID}
}

func (e *Executor) updateParticipant(username, content string) map[string]any {
	if err := e.store.UpdateParticipant(username, content); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось обновить профиль: %v", err)}
	}
	return map[string]any{"success": true, "username": username}
}

func (e *Executor) saveDecision(decision map[string]any) map[string]any {
	if decision == nil {
		return map[string]any{"error": "decision must be a JSON object"}
	}
	if err := e.store.SaveDecision(decision); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось записать решение: %v", err)}
	}
	return map[string]any{"success": true}
}

func (e *Executor) assignRole(ctx context.Context, role, username string) map[string]any {
	role = strings.ToLower(strings.TrimSpace(role))
	username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if role == "" || username == "" {
		return map[string]any{"error": "role and username are required"}
	}

	// Display names pasted from chat resolve to real usernames when
	// possible.
	if e.chat != nil {
		if info, err := e.chat.GetUserByUsername(ctx, username); err == nil && info.Username != "" {
			username = strings.ToLower(info.Username)
		}
	}

	var idx struct {
		Roles map[string][]string `json:"roles"`
	}
	e.store.ReadJSON("tasks/roles.json", &idx)
	if idx.Roles == nil {
		idx.Roles = map[string][]string{}
	}

	users := idx.Roles[role]
	found := false
	for i, u := range users {
		users[i] = strings.ToLower(u)
		if users[i] == username {
			found = true
		}
	}
	if !found {
		users = append(users, username)
	}
	idx.Roles[role] = users

	if err := e.store.WriteJSON("tasks/roles.json", idx); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить роли: %v", err)}
	}
	return map[string]any{"success": true, "role": role, "username": username}
}

func (e *Executor) setContractStatus(contractID, status string) map[string]any {
	var idx struct {
		Contracts []map[string]any `json:"contracts"`
	}
	e.store.ReadJSON("contracts/index.json", &idx)

	records, result := contract.SetStatus(idx.Contracts, contractID, status, e.now())
	if !result.OK {
		return map[string]any{"success": false, "error": result.Message}
	}
	if result.Changed {
		idx.Contracts = records
		if err := e.store.WriteJSON("contracts/index.json", idx); err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
	}
	return map[string]any{"success": true, "contract_id": contractID, "status": status, "message": result.Message}
}

func (e *Executor) createPoll(ctx context.Context, question string, options []string, channelID string) map[string]any {
	if e.chat == nil {
		return map[string]any{"error": "Mattermost client not available"}
	}
	if len(options) < 2 {
		return map[string]any{"error": "options must be a list with at least 2 items"}
	}
	if channelID == "" {
		channelID = e.chat.ChannelID()
	}
	if channelID == "" {
		return map[string]any{"error": "channel_id is required"}
	}
	if err := e.chat.CreatePoll(ctx, channelID, question, options); err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	return map[string]any{"success": true}
}

// ── Argument helpers ────────────────────────────────────────────────

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func mapArg(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func listArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mapValue(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
