// Package governance implements tier approval policies, role assignments
// and the periodic review audit over agreed contracts.
package governance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/daai/steward/pkg/store"
)

// ApprovalPolicy is one tier of context/governance.json.
type ApprovalPolicy struct {
	Tier               string   `json:"tier"`
	Description        string   `json:"description,omitempty"`
	ApprovalRequired   []string `json:"approval_required"`
	ConsensusThreshold float64  `json:"consensus_threshold"`
}

type governanceFile struct {
	Tiers map[string]struct {
		Description        string   `json:"description"`
		ApprovalRequired   []string `json:"approval_required"`
		ConsensusThreshold float64  `json:"consensus_threshold"`
	} `json:"tiers"`
}

// LoadPolicy reads the policy for one tier from context/governance.json.
func LoadPolicy(s *store.Store, tier string) (ApprovalPolicy, error) {
	var gov governanceFile
	if !s.ReadJSON("context/governance.json", &gov) {
		return ApprovalPolicy{}, fmt.Errorf("governance config not found")
	}
	cfg, ok := gov.Tiers[tier]
	if !ok {
		return ApprovalPolicy{}, fmt.Errorf("policy %s not found", tier)
	}
	return ApprovalPolicy{
		Tier:               tier,
		Description:        cfg.Description,
		ApprovalRequired:   cfg.ApprovalRequired,
		ConsensusThreshold: cfg.ConsensusThreshold,
	}, nil
}

type rolesFile struct {
	Roles map[string][]string `json:"roles"`
}

// MergedRoles unions the read-only defaults (context/roles.json) with the
// runtime assignments (tasks/roles.json). Usernames are lowercased and
// deduplicated; the defaults file is never written.
func MergedRoles(s *store.Store) map[string][]string {
	roles := map[string][]string{}
	for _, path := range []string{"context/roles.json", "tasks/roles.json"} {
		var f rolesFile
		if !s.ReadJSON(path, &f) {
			continue
		}
		for role, users := range f.Roles {
			cur := roles[role]
			seen := map[string]bool{}
			for _, u := range cur {
				seen[strings.ToLower(u)] = true
			}
			for _, u := range users {
				lower := strings.ToLower(u)
				if !seen[lower] {
					cur = append(cur, lower)
					seen[lower] = true
				}
			}
			roles[role] = cur
		}
	}
	return roles
}

// RoleOf resolves a username to its role key in the merged role map.
func RoleOf(roles map[string][]string, username string) (string, bool) {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	keys := make([]string, 0, len(roles))
	for role := range roles {
		keys = append(keys, role)
	}
	sort.Strings(keys)
	for _, role := range keys {
		for _, u := range roles[role] {
			if strings.EqualFold(u, username) {
				return role, true
			}
		}
	}
	return "", false
}

var reMention = regexp.MustCompile(`(?i)@([a-z0-9_\-.]+)`)

// ExtractApprovers returns the @usernames listed under "## Согласовано",
// lowercased, first occurrence wins.
func ExtractApprovers(md string) []string {
	var users []string
	seen := map[string]bool{}
	inSection := false
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "## ") {
			inSection = strings.HasPrefix(strings.ToLower(trimmed), "## согласовано")
			continue
		}
		if !inSection {
			continue
		}
		if m := reMention.FindStringSubmatch(line); m != nil {
			u := strings.ToLower(m[1])
			if !seen[u] {
				users = append(users, u)
				seen[u] = true
			}
		}
	}
	return users
}

// ApprovalCheck is the outcome of checking a contract against its tier.
type ApprovalCheck struct {
	OK           bool     `json:"ok"`
	MissingRoles []string `json:"missing_roles"`
	Threshold    float64  `json:"threshold"`
	HaveRatio    float64  `json:"have_ratio"`
}

// CheckApprovalPolicy checks the "## Согласовано" approvers of a contract
// against the tier policy. With threshold 1.0 every required role must be
// present; otherwise the satisfied-role ratio must reach the threshold.
func CheckApprovalPolicy(contractMD string, policy ApprovalPolicy, roles map[string][]string) ApprovalCheck {
	haveRoles := map[string]bool{}
	for _, approver := range ExtractApprovers(contractMD) {
		if role, ok := RoleOf(roles, approver); ok {
			haveRoles[role] = true
		}
	}

	var required []string
	seen := map[string]bool{}
	for _, r := range policy.ApprovalRequired {
		if r != "" && !seen[r] {
			required = append(required, r)
			seen[r] = true
		}
	}

	var missing []string
	for _, r := range required {
		if !haveRoles[r] {
			missing = append(missing, r)
		}
	}

	ratio := 1.0
	if len(required) > 0 {
		ratio = float64(len(required)-len(missing)) / float64(len(required))
	}

	ok := ratio >= policy.ConsensusThreshold
	if policy.ConsensusThreshold == 1.0 {
		ok = len(missing) == 0
	}

	return ApprovalCheck{OK: ok, MissingRoles: missing, Threshold: policy.ConsensusThreshold, HaveRatio: ratio}
}

// ApprovalVote is one recorded approval of an in-flight approval round.
type ApprovalVote struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	ApprovedAt string `json:"approved_at"`
}

// ApprovalState is the in-flight approval round persisted inside the
// contract's discussion document.
type ApprovalState struct {
	Tier          string         `json:"tier"`
	RequiredRoles []string       `json:"required_roles"`
	Threshold     float64        `json:"threshold"`
	RequestedAt   string         `json:"requested_at,omitempty"`
	Approvals     []ApprovalVote `json:"approvals,omitempty"`
}

// IsQuorumMet applies the same rule as CheckApprovalPolicy to the recorded
// votes.
func (s ApprovalState) IsQuorumMet() bool {
	if len(s.RequiredRoles) == 0 {
		return true
	}
	missing := s.MissingRoles()
	if s.Threshold == 1.0 {
		return len(missing) == 0
	}
	ratio := float64(len(s.RequiredRoles)-len(missing)) / float64(len(s.RequiredRoles))
	return ratio >= s.Threshold
}

// MissingRoles returns required roles with no recorded vote, in required
// order.
func (s ApprovalState) MissingRoles() []string {
	have := map[string]bool{}
	for _, v := range s.Approvals {
		have[v.Role] = true
	}
	missing := []string{}
	for _, r := range s.RequiredRoles {
		if !have[r] {
			missing = append(missing, r)
		}
	}
	return missing
}

// HasVoted reports whether username already has a recorded vote.
func (s ApprovalState) HasVoted(username string) bool {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	for _, v := range s.Approvals {
		if strings.EqualFold(v.Username, username) {
			return true
		}
	}
	return false
}

// ToMap serializes the state for embedding into a discussion document.
func (s ApprovalState) ToMap() map[string]any {
	data, _ := json.Marshal(s)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

// ApprovalStateFromMap restores the state from a discussion document.
// A nil map yields a zero state.
func ApprovalStateFromMap(m map[string]any) ApprovalState {
	var s ApprovalState
	if m == nil {
		s.RequiredRoles = []string{}
		return s
	}
	data, _ := json.Marshal(m)
	_ = json.Unmarshal(data, &s)
	if s.RequiredRoles == nil {
		s.RequiredRoles = []string{}
	}
	return s
}

// ReviewItem is one contract flagged by the review audit.
type ReviewItem struct {
	ContractID string `json:"contract_id"`
	Name       string `json:"name"`
	AgreedDate string `json:"agreed_date"`
	Days       int    `json:"days"`
	Reason     string `json:"reason"`
}

// FindRequiringReview flags contracts whose agreed_date is older than the
// threshold, oldest first. Contracts without a parsable agreed_date are
// skipped.
func FindRequiringReview(contracts []map[string]any, now time.Time, daysThreshold int) []ReviewItem {
	var items []ReviewItem
	for _, c := range contracts {
		id, _ := c["id"].(string)
		if id == "" {
			continue
		}
		name, _ := c["name"].(string)
		if name == "" {
			name = id
		}
		agreedDate, _ := c["agreed_date"].(string)
		dt, err := time.Parse(time.DateOnly, strings.TrimSpace(agreedDate))
		if err != nil {
			continue
		}
		days := int(now.UTC().Sub(dt).Hours() / 24)
		if days > daysThreshold {
			items = append(items, ReviewItem{
				ContractID: id,
				Name:       name,
				AgreedDate: agreedDate,
				Days:       days,
				Reason:     fmt.Sprintf("прошло %d дней с согласования (> %d)", days, daysThreshold),
			})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Days > items[j].Days })
	return items
}

// RenderReviewReport renders the audit result for the channel.
func RenderReviewReport(items []ReviewItem, daysThreshold int) string {
	if len(items) == 0 {
		return fmt.Sprintf("✅ Нет контрактов, требующих пересмотра (порог %d дней).", daysThreshold)
	}
	lines := []string{fmt.Sprintf("⏰ Контракты, требующие пересмотра (порог %d дней):", daysThreshold), ""}
	shown := items
	if len(shown) > 20 {
		shown = shown[:20]
	}
	for _, it := range shown {
		lines = append(lines, fmt.Sprintf("- `%s` (%s) — %s — agreed_date=%s", it.ContractID, it.Name, it.Reason, it.AgreedDate))
	}
	if len(items) > 20 {
		lines = append(lines, fmt.Sprintf("…и ещё %d", len(items)-20))
	}
	return strings.Join(lines, "\n")
}
