package suggest

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/store"
)

const treeMD = `# Дерево метрик

## Дерево

` + "```" + `
Extra Time
├── MAU (Monthly Active Users) ← DATA CONTRACT ✅
│   ├── Activation Rate (% активированных) ← DATA CONTRACT
│   └── Retention (не уходят) ← DATA CONTRACT
└── WIN NI (New Income) ← DATA CONTRACT
` + "```" + `
`

const circlesMD = `# Круги

## Product
Ответственный: @petya

## Sales
Ответственный: @vasya
`

type fakeChat struct {
	sent []string
}

func (f *fakeChat) SendToChannel(_ context.Context, message, _ string) (chat.Post, error) {
	f.sent = append(f.sent, message)
	return chat.Post{ID: "p1"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeChat) {
	t.Helper()
	st := store.New(t.TempDir(), store.Options{})
	require.NoError(t, st.WriteFile("context/metrics_tree.md", treeMD))
	require.NoError(t, st.WriteFile("context/circles.md", circlesMD))
	ch := &fakeChat{}
	e := New(st, ch, Config{}, slog.Default())
	e.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return e, st, ch
}

func candidateIDs(candidates []Candidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ContractID
	}
	return ids
}

func TestCoverageCandidates_SkipsAgreedAndIndexed(t *testing.T) {
	e, st, _ := newTestEngine(t)
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{{"id": "retention", "status": "draft"}},
	}))

	ids := candidateIDs(e.CoverageCandidates())

	assert.Contains(t, ids, "activation_rate")
	assert.Contains(t, ids, "win_ni")
	assert.NotContains(t, ids, "mau")
	assert.NotContains(t, ids, "retention")
}

func TestCoverageCandidates_QueuePriorityWins(t *testing.T) {
	e, st, _ := newTestEngine(t)
	require.NoError(t, st.SaveQueue([]map[string]any{
		{"id": "win_ni", "priority": 1},
	}))

	candidates := e.CoverageCandidates()

	require.NotEmpty(t, candidates)
	assert.Equal(t, "win_ni", candidates[0].ContractID)
	assert.Equal(t, 1, candidates[0].Priority)
}

func TestCoverageCandidates_ResolvesStakeholders(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var activation Candidate
	for _, c := range e.CoverageCandidates() {
		if c.ContractID == "activation_rate" {
			activation = c
		}
	}

	require.NotEmpty(t, activation.ContractID)
	assert.Equal(t, []string{"petya"}, activation.Stakeholders)
	assert.Contains(t, activation.TreePath, "Extra Time")
}

func TestNearbyCandidates_SiblingsOfAgreedNode(t *testing.T) {
	e, _, _ := newTestEngine(t)

	ids := candidateIDs(e.NearbyCandidates("mau"))

	// WIN NI is MAU's sibling; MAU's own children are not nearby.
	assert.Equal(t, []string{"win_ni"}, ids)
}

func TestNearbyCandidates_UnknownContract(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.Empty(t, e.NearbyCandidates("no_such_metric"))
}

func TestFilterAlreadySuggested_Cooldowns(t *testing.T) {
	e, st, _ := newTestEngine(t)
	require.NoError(t, st.SaveSuggestions([]map[string]any{
		{"contract_id": "activation_rate", "status": "suggested", "suggested_at": "2026-03-01T10:00:00Z"},
		{"contract_id": "win_ni", "status": "dismissed", "suggested_at": "2026-02-20T10:00:00Z"},
		{"contract_id": "retention", "status": "suggested", "suggested_at": "2025-12-01T10:00:00Z"},
	}))

	candidates := []Candidate{
		{ContractID: "activation_rate"},
		{ContractID: "win_ni"},
		{ContractID: "retention"},
	}

	ids := candidateIDs(e.FilterAlreadySuggested(candidates))
	assert.Equal(t, []string{"retention"}, ids)
}

func TestFilterAlreadySuggested_ConfiguredCooldowns(t *testing.T) {
	e, st, _ := newTestEngine(t)
	e.cfg = Config{CooldownDays: 5, DismissCooldownDays: 10}
	e.cfg.applyDefaults()
	require.NoError(t, st.SaveSuggestions([]map[string]any{
		// 9 days ago: past the 5-day cooldown, inside the 10-day one.
		{"contract_id": "activation_rate", "status": "suggested", "suggested_at": "2026-03-01T10:00:00Z"},
		{"contract_id": "win_ni", "status": "dismissed", "suggested_at": "2026-03-01T10:00:00Z"},
	}))

	ids := candidateIDs(e.FilterAlreadySuggested([]Candidate{
		{ContractID: "activation_rate"},
		{ContractID: "win_ni"},
	}))
	assert.Equal(t, []string{"activation_rate"}, ids)
}

func TestCanSuggestToday_CapIsOne(t *testing.T) {
	e, st, _ := newTestEngine(t)
	assert.True(t, e.CanSuggestToday())

	require.NoError(t, st.SaveSuggestions([]map[string]any{
		{"contract_id": "win_ni", "status": "suggested", "suggested_at": "2026-03-10T09:00:00Z"},
	}))
	assert.False(t, e.CanSuggestToday())

	e.cfg = Config{MaxPerDay: 2}
	e.cfg.applyDefaults()
	assert.True(t, e.CanSuggestToday())
}

func TestRecordSuggestions_SequentialIDs(t *testing.T) {
	e, st, _ := newTestEngine(t)

	e.RecordSuggestions([]Candidate{{ContractID: "a"}, {ContractID: "b"}}, "coverage_scan", "p1")
	e.RecordSuggestions([]Candidate{{ContractID: "c"}}, "agreed:a", "p2")

	suggestions := st.Suggestions()
	require.Len(t, suggestions, 3)
	assert.Equal(t, "sug_20260310_001", suggestions[0]["id"])
	assert.Equal(t, "sug_20260310_002", suggestions[1]["id"])
	assert.Equal(t, "sug_20260310_003", suggestions[2]["id"])
	assert.Equal(t, "coverage_scan", suggestions[0]["trigger"])
	assert.Equal(t, "suggested", suggestions[2]["status"])
}

func TestAfterAgreement_SingleCandidateMessage(t *testing.T) {
	e, st, ch := newTestEngine(t)

	e.AfterAgreement(context.Background(), "mau")

	require.Len(t, ch.sent, 1)
	assert.Contains(t, ch.sent[0], "Предложение: следующий Data Contract")
	assert.Contains(t, ch.sent[0], "`win_ni`")
	assert.Contains(t, ch.sent[0], "начни контракт win_ni")

	suggestions := st.Suggestions()
	require.Len(t, suggestions, 1)
	assert.Equal(t, "agreed:mau", suggestions[0]["trigger"])
	assert.Equal(t, "p1", suggestions[0]["thread_id"])
}

func TestAfterAgreement_RespectsDailyCap(t *testing.T) {
	e, st, ch := newTestEngine(t)
	require.NoError(t, st.SaveSuggestions([]map[string]any{
		{"contract_id": "x", "status": "suggested", "suggested_at": "2026-03-10T09:00:00Z"},
	}))

	e.AfterAgreement(context.Background(), "mau")
	assert.Empty(t, ch.sent)
}

func TestCoverageScan_PublishesAndRecordsTopTwo(t *testing.T) {
	e, st, ch := newTestEngine(t)

	e.CoverageScan(context.Background())

	require.Len(t, ch.sent, 1)
	assert.Contains(t, ch.sent[0], "Обзор покрытия метрик контрактами")
	assert.Contains(t, ch.sent[0], "метрик без согласованного контракта")
	// Three uncovered candidates shown, two recorded.
	assert.Equal(t, 3, strings.Count(ch.sent[0], ". **"))
	assert.Len(t, st.Suggestions(), 2)
}

func TestFormatPoll(t *testing.T) {
	got := FormatPoll([]Candidate{{MetricName: "WIN NI"}, {MetricName: "Retention"}})
	assert.Equal(t, `/poll "Какой контракт согласуем следующим?" "WIN NI" "Retention"`, got)
}

func TestParseCircles(t *testing.T) {
	leads := parseCircles(circlesMD)
	assert.Equal(t, map[string]string{"Product": "petya", "Sales": "vasya"}, leads)
}

func TestResolveStakeholders_NoCircles(t *testing.T) {
	assert.Empty(t, resolveStakeholders("MAU", ""))
}
