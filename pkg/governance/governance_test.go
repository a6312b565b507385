package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daai/steward/pkg/store"
)

func TestExtractApprovers(t *testing.T) {
	md := `# Data Contract: Revenue
## Согласовано
- @Korabovtsev (Circle Lead)
- @pavelpetrin
- @korabovtsev дубль
## История изменений
@ghost не считается
`
	assert.Equal(t, []string{"korabovtsev", "pavelpetrin"}, ExtractApprovers(md))
}

func TestExtractApprovers_EmptyWithoutSection(t *testing.T) {
	assert.Empty(t, ExtractApprovers("# Data Contract: X\n## Статус\n@user\n"))
}

func TestMergedRoles_UnionWithDedup(t *testing.T) {
	s := store.New(t.TempDir(), store.Options{})
	require.NoError(t, s.WriteJSON("context/roles.json", map[string]any{
		"roles": map[string]any{"circle_lead": []string{"Korabovtsev"}},
	}))
	require.NoError(t, s.WriteJSON("tasks/roles.json", map[string]any{
		"roles": map[string]any{
			"circle_lead": []string{"korabovtsev", "newlead"},
			"data_lead":   []string{"pavelpetrin"},
		},
	}))

	roles := MergedRoles(s)
	assert.ElementsMatch(t, []string{"korabovtsev", "newlead"}, roles["circle_lead"])
	assert.Equal(t, []string{"pavelpetrin"}, roles["data_lead"])
}

func TestRoleOf(t *testing.T) {
	roles := map[string][]string{"circle_lead": {"korabovtsev"}, "data_lead": {"pavelpetrin"}}

	role, ok := RoleOf(roles, "@Korabovtsev")
	require.True(t, ok)
	assert.Equal(t, "circle_lead", role)

	_, ok = RoleOf(roles, "nobody")
	assert.False(t, ok)
}

func TestCheckApprovalPolicy_ThresholdRatio(t *testing.T) {
	policy := ApprovalPolicy{
		Tier:               "tier_2",
		ApprovalRequired:   []string{"circle_lead", "data_lead"},
		ConsensusThreshold: 0.5,
	}
	roles := map[string][]string{"circle_lead": {"korabovtsev"}, "data_lead": {"pavelpetrin"}}

	md := "## Согласовано\n@korabovtsev\n"
	check := CheckApprovalPolicy(md, policy, roles)
	assert.True(t, check.OK, "1/2 meets threshold 0.5")
	assert.Equal(t, []string{"data_lead"}, check.MissingRoles)
	assert.InDelta(t, 0.5, check.HaveRatio, 1e-9)
}

func TestCheckApprovalPolicy_ThresholdOneRequiresAll(t *testing.T) {
	policy := ApprovalPolicy{
		Tier:               "tier_1",
		ApprovalRequired:   []string{"ceo", "cfo", "circle_lead"},
		ConsensusThreshold: 1.0,
	}
	roles := map[string][]string{"ceo": {"boss"}, "cfo": {"cfoguy"}, "circle_lead": {"lead"}}

	md := "## Согласовано\n@boss\n@cfoguy\n"
	check := CheckApprovalPolicy(md, policy, roles)
	assert.False(t, check.OK)
	assert.Equal(t, []string{"circle_lead"}, check.MissingRoles)
}

func TestLoadPolicy(t *testing.T) {
	s := store.New(t.TempDir(), store.Options{})
	require.NoError(t, s.WriteJSON("context/governance.json", map[string]any{
		"tiers": map[string]any{
			"tier_2": map[string]any{
				"approval_required":   []string{"circle_lead", "data_lead"},
				"consensus_threshold": 0.8,
			},
		},
	}))

	policy, err := LoadPolicy(s, "tier_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"circle_lead", "data_lead"}, policy.ApprovalRequired)
	assert.InDelta(t, 0.8, policy.ConsensusThreshold, 1e-9)

	_, err = LoadPolicy(s, "tier_9")
	assert.Error(t, err)
}

func TestApprovalState_Empty(t *testing.T) {
	state := ApprovalState{Tier: "tier_2", RequiredRoles: []string{"circle_lead", "data_lead"}, Threshold: 0.8}
	assert.False(t, state.IsQuorumMet())
	assert.Equal(t, []string{"circle_lead", "data_lead"}, state.MissingRoles())
}

func TestApprovalState_Partial(t *testing.T) {
	state := ApprovalState{
		Tier: "tier_2", RequiredRoles: []string{"circle_lead", "data_lead"}, Threshold: 0.8,
		Approvals: []ApprovalVote{{Username: "korabovtsev", Role: "circle_lead", ApprovedAt: "2026-01-01"}},
	}
	assert.False(t, state.IsQuorumMet(), "1/2 = 50%% < 80%%")
	assert.Equal(t, []string{"data_lead"}, state.MissingRoles())
}

func TestApprovalState_Full(t *testing.T) {
	state := ApprovalState{
		Tier: "tier_2", RequiredRoles: []string{"circle_lead", "data_lead"}, Threshold: 0.8,
		Approvals: []ApprovalVote{
			{Username: "korabovtsev", Role: "circle_lead", ApprovedAt: "2026-01-01"},
			{Username: "pavelpetrin", Role: "data_lead", ApprovedAt: "2026-01-01"},
		},
	}
	assert.True(t, state.IsQuorumMet())
	assert.Empty(t, state.MissingRoles())
}

func TestApprovalState_Tier1RequiresAll(t *testing.T) {
	state := ApprovalState{
		Tier: "tier_1", RequiredRoles: []string{"ceo", "cfo", "circle_lead"}, Threshold: 1.0,
		Approvals: []ApprovalVote{
			{Username: "boss", Role: "ceo", ApprovedAt: "2026-01-01"},
			{Username: "cfoguy", Role: "cfo", ApprovedAt: "2026-01-01"},
		},
	}
	assert.False(t, state.IsQuorumMet())
	assert.Equal(t, []string{"circle_lead"}, state.MissingRoles())
}

func TestApprovalState_NoRequiredRoles(t *testing.T) {
	state := ApprovalState{Tier: "tier_3", Threshold: 0.6}
	assert.True(t, state.IsQuorumMet())
}

func TestApprovalState_MapRoundTrip(t *testing.T) {
	state := ApprovalState{
		Tier: "tier_2", RequiredRoles: []string{"circle_lead"}, Threshold: 0.8,
		RequestedAt: "2026-02-26T10:00:00",
		Approvals:   []ApprovalVote{{Username: "testuser", Role: "circle_lead", ApprovedAt: "2026-02-26T11:00:00"}},
	}
	restored := ApprovalStateFromMap(state.ToMap())
	assert.Equal(t, "tier_2", restored.Tier)
	require.Len(t, restored.Approvals, 1)
	assert.Equal(t, "testuser", restored.Approvals[0].Username)
	assert.True(t, restored.IsQuorumMet())
}

func TestApprovalStateFromMap_Nil(t *testing.T) {
	state := ApprovalStateFromMap(nil)
	assert.Equal(t, "", state.Tier)
	assert.Empty(t, state.RequiredRoles)
}

func TestApprovalState_HasVoted(t *testing.T) {
	state := ApprovalState{Approvals: []ApprovalVote{{Username: "korabovtsev", Role: "circle_lead"}}}
	assert.True(t, state.HasVoted("@Korabovtsev"))
	assert.False(t, state.HasVoted("pavelpetrin"))
}

func TestFindRequiringReview(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	contracts := []map[string]any{
		{"id": "old", "name": "Old", "agreed_date": "2025-01-01"},
		{"id": "older", "name": "Older", "agreed_date": "2024-06-01"},
		{"id": "fresh", "name": "Fresh", "agreed_date": "2026-01-01"},
		{"id": "no_date", "name": "NoDate"},
	}

	items := FindRequiringReview(contracts, now, 180)
	require.Len(t, items, 2)
	assert.Equal(t, "older", items[0].ContractID, "oldest first")
	assert.Equal(t, "old", items[1].ContractID)
}

func TestRenderReviewReport(t *testing.T) {
	assert.Contains(t, RenderReviewReport(nil, 180), "✅")

	report := RenderReviewReport([]ReviewItem{
		{ContractID: "old", Name: "Old", AgreedDate: "2025-01-01", Days: 400, Reason: "прошло 400 дней с согласования (> 180)"},
	}, 180)
	assert.Contains(t, report, "`old`")
	assert.Contains(t, report, "agreed_date=2025-01-01")
}
