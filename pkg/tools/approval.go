package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/daai/steward/pkg/governance"
)

// requestApproval opens (or refreshes) an approval round for a contract.
// Prior votes survive a repeated request.
func (e *Executor) requestApproval(ctx context.Context, contractID string) map[string]any {
	_, hasContract := e.store.Contract(contractID)
	_, hasDraft := e.store.Draft(contractID)
	if !hasContract && !hasDraft {
		return map[string]any{"error": fmt.Sprintf("Контракт %s не найден ни в contracts/, ни в drafts/", contractID)}
	}

	tier := e.contractTier(contractID)
	policy, err := governance.LoadPolicy(e.store, tier)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("Политика %s не найдена", tier)}
	}

	roles := governance.MergedRoles(e.store)
	roleUsers := map[string][]string{}
	for _, role := range policy.ApprovalRequired {
		users := roles[role]
		if users == nil {
			users = []string{}
		}
		roleUsers[role] = users
	}

	disc, _ := e.store.Discussion(contractID)
	if disc == nil {
		disc = map[string]any{}
	}
	prev := governance.ApprovalStateFromMap(mapValue(disc, "approval_state"))

	state := governance.ApprovalState{
		Tier:          tier,
		RequiredRoles: policy.ApprovalRequired,
		Threshold:     policy.ConsensusThreshold,
		RequestedAt:   e.now().UTC().Format(time.RFC3339),
		Approvals:     prev.Approvals,
	}
	disc["approval_state"] = state.ToMap()
	if err := e.store.UpdateDiscussion(contractID, disc); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить состояние согласования: %v", err)}
	}

	e.notifyApprovers(ctx, contractID, policy.ApprovalRequired, roleUsers)
	e.store.AuditLog("request_approval", map[string]any{"contract_id": contractID, "tier": tier})

	result := map[string]any{
		"success":        true,
		"contract_id":    contractID,
		"tier":           tier,
		"required_roles": policy.ApprovalRequired,
		"role_users":     roleUsers,
		"quorum_met":     state.IsQuorumMet(),
	}
	if len(prev.Approvals) > 0 {
		result["existing_approvals"] = len(prev.Approvals)
	}
	return result
}

func (e *Executor) notifyApprovers(ctx context.Context, contractID string, requiredRoles []string, roleUsers map[string][]string) {
	if e.chat == nil {
		return
	}
	mentionSet := map[string]bool{}
	for _, role := range requiredRoles {
		for _, u := range roleUsers[role] {
			mentionSet[strings.ToLower(strings.TrimPrefix(u, "@"))] = true
		}
	}
	mentions := make([]string, 0, len(mentionSet))
	for u := range mentionSet {
		mentions = append(mentions, "@"+u)
	}
	sort.Strings(mentions)

	msg := fmt.Sprintf("Запущено согласование контракта **%s**.", contractID)
	if len(mentions) > 0 {
		msg += fmt.Sprintf(" Нужно подтверждение от: %s.", strings.Join(mentions, ", "))
	}
	msg += fmt.Sprintf("\nЧтобы согласовать, напишите: `согласую %s`", contractID)

	if _, err := e.chat.SendToChannel(ctx, msg, ""); err != nil {
		e.logger.Warn("approval notification failed", "contract_id", contractID, "error", err)
	}
}

// approveContract records one approval vote and reports quorum status.
func (e *Executor) approveContract(contractID, username string) map[string]any {
	username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))

	disc, ok := e.store.Discussion(contractID)
	if !ok || mapValue(disc, "approval_state") == nil {
		return map[string]any{"error": fmt.Sprintf("Согласование %s не запущено. Сначала используй request_approval.", contractID)}
	}
	state := governance.ApprovalStateFromMap(mapValue(disc, "approval_state"))

	roles := governance.MergedRoles(e.store)
	role, hasRole := governance.RoleOf(roles, username)
	if !hasRole || !containsString(state.RequiredRoles, role) {
		return map[string]any{"error": fmt.Sprintf("У @%s нет роли из списка требуемых (%s)", username, strings.Join(state.RequiredRoles, ", "))}
	}

	if state.HasVoted(username) {
		return map[string]any{
			"success":          true,
			"already_approved": true,
			"contract_id":      contractID,
			"approved_by":      username,
		}
	}

	state.Approvals = append(state.Approvals, governance.ApprovalVote{
		Username:   username,
		Role:       role,
		ApprovedAt: e.now().UTC().Format(time.RFC3339),
	})
	disc["approval_state"] = state.ToMap()
	if err := e.store.UpdateDiscussion(contractID, disc); err != nil {
		return map[string]any{"error": fmt.Sprintf("Не удалось сохранить голос: %v", err)}
	}

	quorumMet := state.IsQuorumMet()
	missing := state.MissingRoles()
	if missing == nil {
		missing = []string{}
	}

	var message string
	if quorumMet {
		message = fmt.Sprintf("Кворум достигнут. Контракт %s можно финализировать через save_contract.", contractID)
	} else {
		message = fmt.Sprintf("Голос записан. Ещё нужны роли: %s.", strings.Join(missing, ", "))
	}

	e.store.AuditLog("approve_contract", map[string]any{"contract_id": contractID, "username": username, "role": role})
	return map[string]any{
		"success":       true,
		"contract_id":   contractID,
		"approved_by":   username,
		"role":          role,
		"quorum_met":    quorumMet,
		"missing_roles": missing,
		"message":       message,
	}
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}
