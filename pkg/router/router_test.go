package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	response string
	err      error
	called   bool
}

func (f *fakeLLM) CallCheap(ctx context.Context, system, user string) (string, error) {
	f.called = true
	return f.response, f.err
}

type fakePrompts struct{}

func (fakePrompts) Prompt(name string) string { return "router system prompt" }

func newTestRouter(t *testing.T, llm *fakeLLM) *Router {
	t.Helper()
	r, err := New("../../configs/intents.yaml", llm, fakePrompts{}, slog.Default())
	require.NoError(t, err)
	return r
}

func route(t *testing.T, r *Router, msg string) Route {
	t.Helper()
	return r.Route(context.Background(), "pavel", msg, "channel", "")
}

func TestRoute_FastPaths(t *testing.T) {
	llm := &fakeLLM{}
	r := newTestRouter(t, llm)

	tests := []struct {
		msg        string
		wantType   string
		wantEntity string
		wantModel  string
	}{
		{"история контракта revenue", "contract_history", "revenue", "cheap"},
		{"покажи версию revenue 20250101T120000.000000Z", "contract_version", "revenue:20250101T120000.000000Z", "cheap"},
		{"покажи версию revenue 20250101T120000.000000Z_prev", "contract_version", "revenue:20250101T120000.000000Z_prev", "cheap"},
		{"покажи diff Revenue", "contract_diff", "revenue", "cheap"},
		{"покажи контракт win_ni", "show_contract", "win_ni", "cheap"},
		{"покажи draft mau", "show_draft", "mau", "cheap"},
		{"покажи черновик mau", "show_draft", "mau", "cheap"},
		{"проверь конфликты", "conflicts_audit", "", "cheap"},
		{"аудит конфликтов, пожалуйста", "conflicts_audit", "", "cheap"},
		{"покажи связи revenue", "relationships_show", "revenue", "cheap"},
		{"контракты на пересмотр", "governance_review_audit", "", "cheap"},
		{"покажи политику tier_2", "governance_policy_show", "tier_2", "cheap"},
		{"какие роли нужны для revenue", "governance_requirements_for", "revenue", "cheap"},
		{"переведи статус revenue agreed", "lifecycle_set_status", "revenue:agreed", "cheap"},
		{"какой статус revenue", "lifecycle_get_status", "revenue", "cheap"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := route(t, r, tt.msg)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantEntity, got.Entity)
			assert.Equal(t, tt.wantModel, got.Model)
		})
	}
	assert.False(t, llm.called, "fast paths must not hit the LLM")
}

func TestRoute_ApprovalVote(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{})

	got := route(t, r, "согласую контракт revenue")
	assert.Equal(t, "contract_discussion", got.Type)
	assert.Equal(t, "revenue", got.Entity)
	assert.Equal(t, "heavy", got.Model)
	assert.Equal(t, []string{
		"drafts/revenue_discussion.json",
		"contracts/revenue.md",
		"drafts/revenue.md",
	}, got.LoadFiles)

	got = route(t, r, "approve win_ni")
	assert.Equal(t, "contract_discussion", got.Type)
	assert.Equal(t, "win_ni", got.Entity)
}

func TestRoute_StartApproval(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{})

	got := route(t, r, "запусти согласование revenue")
	assert.Equal(t, "contract_discussion", got.Type)
	assert.Equal(t, "revenue", got.Entity)
	assert.Equal(t, "heavy", got.Model)
	assert.Contains(t, got.LoadFiles, "context/governance.json")
}

func TestRoute_FinalizeHeuristic(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{response: `{"type":"general_question","entity":null,"load_files":[],"model":"heavy"}`})

	got := route(t, r, "зафиксируй финальную версию revenue")
	assert.Equal(t, "contract_discussion", got.Type)
	assert.Equal(t, "revenue", got.Entity)
	assert.Equal(t, "heavy", got.Model)
	assert.Contains(t, got.LoadFiles, "drafts/revenue.md")

	// A trailing common word is not a contract id.
	got = route(t, r, "сохрани контракт")
	assert.Equal(t, "general_question", got.Type)
}

func TestRoute_RolesAssign(t *testing.T) {
	r := newTestRouter(t, &fakeLLM{})

	got := route(t, r, "Data Lead — @pavelpetrin\nCircle Lead - @Никита Корабовцев")
	assert.Equal(t, "roles_assign", got.Type)
	assert.Equal(t, "data_lead:pavelpetrin,circle_lead:никита корабовцев", got.Entity)
	assert.Equal(t, []string{"tasks/roles.json", "context/roles.json"}, got.LoadFiles)
	assert.Equal(t, "cheap", got.Model)
}

func TestRoute_LLMFallback(t *testing.T) {
	llm := &fakeLLM{response: "```json\n{\"type\": \"problem_report\", \"entity\": \"revenue\", \"load_files\": [\"contracts/revenue.md\"], \"model\": \"cheap\"}\n```"}
	r := newTestRouter(t, llm)

	got := route(t, r, "ребята, у нас расходится выручка в отчётах")
	assert.True(t, llm.called)
	assert.Equal(t, "problem_report", got.Type)
	assert.Equal(t, "revenue", got.Entity)
	assert.Equal(t, "heavy", got.Model, "heavy types override the model answer")
}

func TestRoute_LLMFallback_CheapTypeForced(t *testing.T) {
	llm := &fakeLLM{response: `{"type":"irrelevant","entity":null,"load_files":[],"model":"heavy"}`}
	r := newTestRouter(t, llm)

	got := route(t, r, "всем привет, как выходные?")
	assert.Equal(t, "irrelevant", got.Type)
	assert.Equal(t, "cheap", got.Model)
}

func TestRoute_LLMFallback_GarbageAnswer(t *testing.T) {
	llm := &fakeLLM{response: "ни разу не json"}
	r := newTestRouter(t, llm)

	got := route(t, r, "расскажи про нашу методологию")
	assert.Equal(t, "general_question", got.Type)
	assert.Equal(t, "heavy", got.Model)
	assert.NotNil(t, got.LoadFiles)
}

func TestRoute_LLMFallback_CallError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("timeout")}
	r := newTestRouter(t, llm)

	got := route(t, r, "расскажи про нашу методологию")
	assert.Equal(t, "general_question", got.Type)
	assert.Equal(t, "heavy", got.Model)
}

func TestRoute_NewContractInitSanitized(t *testing.T) {
	llm := &fakeLLM{response: `{"type":"new_contract_init","entity":"Выручка от продаж","load_files":["contracts/index.json"],"model":"cheap"}`}
	r := newTestRouter(t, llm)

	got := route(t, r, "давай заведём контракт на выручку от продаж")
	assert.Equal(t, "new_contract_init", got.Type)
	assert.Equal(t, "vyruchka_ot_prodazh", got.Entity)
	assert.Equal(t, []string{"context/company.md", "context/metrics_tree.md"}, got.LoadFiles)
	assert.Equal(t, "heavy", got.Model)
}

func TestRoute_TrailingTextAroundJSON(t *testing.T) {
	llm := &fakeLLM{response: `Вот ответ: {"type":"contract_request","entity":"mau","load_files":[],"model":"heavy"} надеюсь, помог`}
	r := newTestRouter(t, llm)

	got := route(t, r, "а дай мне пожалуйста описание mau")
	assert.Equal(t, "contract_request", got.Type)
	assert.Equal(t, "mau", got.Entity)
	assert.Equal(t, "cheap", got.Model)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "vyruchka_ot_prodazh", Slugify("Выручка от продаж"))
	assert.Equal(t, "revenue_2024", Slugify("Revenue 2024"))
	assert.Equal(t, "sla_obrabotki_lidov", Slugify("SLA обработки лидов"))
	assert.Equal(t, "", Slugify("!!!"))
}
