package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/router"
	"github.com/daai/steward/pkg/store"
	"github.com/daai/steward/pkg/tools"
)

// fakeLLM returns canned responses and records tool-loop invocations.
type fakeLLM struct {
	cheapReply string
	toolsReply string
	toolsErr   error
	toolsCalls int
	lastSystem string
	lastUser   string
}

func (f *fakeLLM) CallCheap(_ context.Context, _, _ string) (string, error) {
	return f.cheapReply, nil
}

func (f *fakeLLM) CallHeavy(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("not used")
}

func (f *fakeLLM) CallWithTools(_ context.Context, system string, messages []llm.Message, _ []llm.ToolDef, _ llm.ToolExecutor) (string, error) {
	f.toolsCalls++
	f.lastSystem = system
	if len(messages) > 0 {
		f.lastUser = messages[len(messages)-1].Content
	}
	return f.toolsReply, f.toolsErr
}

// fakeChatClient implements chat.Client in memory.
type fakeChatClient struct {
	botID   string
	threads map[string][]chat.Post
	users   map[string]chat.UserInfo
	dms     []string
	sent    []string
}

func newFakeChat() *fakeChatClient {
	return &fakeChatClient{
		botID:   "bot",
		threads: map[string][]chat.Post{},
		users:   map[string]chat.UserInfo{},
	}
}

func (f *fakeChatClient) SendToChannel(_ context.Context, message, _ string) (chat.Post, error) {
	f.sent = append(f.sent, message)
	return chat.Post{ID: "sent1"}, nil
}

func (f *fakeChatClient) SendToChannelID(_ context.Context, _, message, _ string) (chat.Post, error) {
	f.sent = append(f.sent, message)
	return chat.Post{ID: "sent2"}, nil
}

func (f *fakeChatClient) SendDM(_ context.Context, userID, message, _ string) (chat.Post, error) {
	f.dms = append(f.dms, userID+": "+message)
	return chat.Post{ID: "dm1"}, nil
}

func (f *fakeChatClient) GetThread(_ context.Context, postID string) ([]chat.Post, error) {
	if posts, ok := f.threads[postID]; ok {
		return posts, nil
	}
	return nil, fmt.Errorf("thread not found: %s", postID)
}

func (f *fakeChatClient) GetUserInfo(_ context.Context, userID string) (chat.UserInfo, error) {
	if info, ok := f.users[userID]; ok {
		return info, nil
	}
	return chat.UserInfo{}, fmt.Errorf("user not found")
}

func (f *fakeChatClient) GetUserByUsername(_ context.Context, username string) (chat.UserInfo, error) {
	if info, ok := f.users["name:"+username]; ok {
		return info, nil
	}
	return chat.UserInfo{}, fmt.Errorf("user not found")
}

func (f *fakeChatClient) GetChannelMembers(context.Context) ([]chat.UserInfo, error) {
	return nil, nil
}

func (f *fakeChatClient) CreatePoll(context.Context, string, string, []string) error { return nil }
func (f *fakeChatClient) BotUserID() string                                          { return f.botID }
func (f *fakeChatClient) BotUsername() string                                        { return "steward" }
func (f *fakeChatClient) ChannelID() string                                          { return "chan1" }

func newTestAgent(t *testing.T) (*Agent, *store.Store, *fakeChatClient, *fakeLLM) {
	t.Helper()
	st := store.New(t.TempDir(), store.Options{})
	ch := newFakeChat()
	model := &fakeLLM{cheapReply: `{"type": "general_question", "entity": null, "load_files": []}`, toolsReply: "готово"}

	logger := slog.Default()
	r, err := router.New("../../configs/intents.yaml", model, llm.NewPrompts(t.TempDir(), logger), logger)
	require.NoError(t, err)

	executor := tools.NewExecutor(st, nil, nil, nil, logger)
	prompts := llm.NewPrompts(t.TempDir(), logger)
	a := New(r, st, ch, model, prompts, executor, Config{}, logger)
	a.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return a, st, ch, model
}

func TestProcessMessage_ShowContractFastPath(t *testing.T) {
	a, st, _, model := newTestAgent(t)
	require.NoError(t, st.WriteFile("contracts/revenue.md", "# Контракт: Revenue\n"))

	res := a.ProcessMessage(context.Background(), "ivan", "покажи контракт revenue", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "📋 Контракт `revenue`")
	assert.Contains(t, res.Reply, "# Контракт: Revenue")
	assert.Zero(t, model.toolsCalls)
}

func TestProcessMessage_ShowContractMissing(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	res := a.ProcessMessage(context.Background(), "ivan", "покажи контракт ghost", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "не найден на диске")
}

func TestProcessMessage_HistoryFastPath(t *testing.T) {
	a, st, _, _ := newTestAgent(t)
	require.NoError(t, st.SaveContract("revenue", "# Контракт: Revenue\n"))

	res := a.ProcessMessage(context.Background(), "ivan", "история контракта revenue", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "История версий `revenue`")
	assert.Contains(t, res.Reply, "current")
}

func TestProcessMessage_LifecycleSetStatus(t *testing.T) {
	a, st, _, _ := newTestAgent(t)
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{{"id": "revenue", "name": "Revenue", "status": "draft"}},
	}))

	res := a.ProcessMessage(context.Background(), "ivan", "поставь статус revenue in_review", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "статус теперь **in_review**")

	entry, ok := st.ContractIndexEntry("revenue")
	require.True(t, ok)
	assert.Equal(t, "in_review", entry["status"])
}

func TestProcessMessage_StatusLookup(t *testing.T) {
	a, st, _, _ := newTestAgent(t)
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{{"id": "revenue", "name": "Revenue", "status": "agreed"}},
	}))

	res := a.ProcessMessage(context.Background(), "ivan", "какой статус revenue", "channel", "", "p1", "")
	assert.Equal(t, "Статус `revenue`: **agreed**", res.Reply)
}

func TestProcessMessage_RoleAssignmentInline(t *testing.T) {
	a, st, _, model := newTestAgent(t)

	res := a.ProcessMessage(context.Background(), "ivan", "Data Lead — @pavelpetrin", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "✅ Роли обновлены")
	assert.Contains(t, res.Reply, "- data_lead: @pavelpetrin")
	assert.Zero(t, model.toolsCalls)

	var idx struct {
		Roles map[string][]string `json:"roles"`
	}
	require.True(t, st.ReadJSON("tasks/roles.json", &idx))
	assert.Contains(t, idx.Roles["data_lead"], "pavelpetrin")
}

func TestProcessMessage_RoleAssignmentUnresolvable(t *testing.T) {
	a, _, _, _ := newTestAgent(t)
	res := a.ProcessMessage(context.Background(), "ivan", "Circle Lead — Никита Корабовцев", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "Не смог распознать username")
}

func TestProcessMessage_RoleAssignmentResolvesDisplayName(t *testing.T) {
	a, st, ch, _ := newTestAgent(t)
	ch.users["name:Никита"] = chat.UserInfo{UserID: "u5", Username: "korabovtsev"}

	res := a.ProcessMessage(context.Background(), "ivan", "Circle Lead — Никита Корабовцев", "channel", "", "p1", "")
	assert.Contains(t, res.Reply, "- circle_lead: @korabovtsev")

	var idx struct {
		Roles map[string][]string `json:"roles"`
	}
	require.True(t, st.ReadJSON("tasks/roles.json", &idx))
	assert.Contains(t, idx.Roles["circle_lead"], "korabovtsev")
}

func TestProcessMessage_ToolPathFallback(t *testing.T) {
	a, _, _, model := newTestAgent(t)
	model.toolsReply = "Вот ответ на твой вопрос."

	res := a.ProcessMessage(context.Background(), "ivan", "а как вообще устроены метрики?", "channel", "", "p1", "")
	assert.Equal(t, "Вот ответ на твой вопрос.", res.Reply)
	assert.Equal(t, 1, model.toolsCalls)
	assert.Contains(t, model.lastUser, "@ivan: а как вообще устроены метрики?")
}

func TestProcessMessage_ToolPathError(t *testing.T) {
	a, _, _, model := newTestAgent(t)
	model.toolsErr = fmt.Errorf("model unavailable")

	res := a.ProcessMessage(context.Background(), "ivan", "а как вообще устроены метрики?", "channel", "", "p1", "")
	assert.Equal(t, "Произошла ошибка при обработке сообщения. Попробуй ещё раз.", res.Reply)
}

func TestProcessMessage_ThreadContextInUserMessage(t *testing.T) {
	a, _, _, model := newTestAgent(t)

	a.ProcessMessage(context.Background(), "ivan", "а как вообще устроены метрики?", "channel", "@petr: контекст", "p1", "root1")
	require.Equal(t, 1, model.toolsCalls)
	assert.Contains(t, model.lastUser, "Контекст треда:")
	assert.Contains(t, model.lastUser, "@petr: контекст")
}

func TestProcessMessage_EntityAnchoring(t *testing.T) {
	a, _, _, model := newTestAgent(t)
	model.cheapReply = `{"type": "contract_discussion", "entity": "revenue", "load_files": []}`

	a.ProcessMessage(context.Background(), "ivan", "давай обсудим определение выручки поподробнее", "channel", "", "p1", "root1")
	require.Equal(t, 1, model.toolsCalls)
	assert.Contains(t, model.lastSystem, "работаешь над контрактом: `revenue`")
	assert.Contains(t, model.lastSystem, "Тип задачи: contract_discussion")
}

func TestProcessMessage_TracksActiveThread(t *testing.T) {
	a, st, _, model := newTestAgent(t)
	model.cheapReply = `{"type": "contract_discussion", "entity": "revenue", "load_files": []}`

	a.ProcessMessage(context.Background(), "ivan", "давай обсудим определение выручки поподробнее", "channel", "", "p42", "")
	root, ok := st.ActiveThread("revenue")
	require.True(t, ok)
	assert.Equal(t, "p42", root)
}

func TestProcessMessage_ResumesActiveThread(t *testing.T) {
	a, st, ch, model := newTestAgent(t)
	model.cheapReply = `{"type": "contract_discussion", "entity": "revenue", "load_files": []}`
	require.NoError(t, st.SetActiveThread("revenue", "oldroot"))
	ch.threads["oldroot"] = []chat.Post{
		{ID: "oldroot", UserID: "bot", Message: "ранее обсуждали"},
	}

	res := a.ProcessMessage(context.Background(), "ivan", "давай обсудим определение выручки поподробнее", "channel", "", "p99", "")
	assert.Equal(t, "oldroot", res.ThreadRootID)
	assert.Contains(t, model.lastUser, "AI-архитектор: ранее обсуждали")
}

func TestProcessMessage_DiscussionMovesDraftToInReview(t *testing.T) {
	a, st, _, model := newTestAgent(t)
	model.cheapReply = `{"type": "contract_discussion", "entity": "revenue", "load_files": []}`
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{{"id": "revenue", "name": "Revenue", "status": "draft"}},
	}))

	a.ProcessMessage(context.Background(), "ivan", "давай обсудим определение выручки поподробнее", "channel", "", "p1", "")
	entry, _ := st.ContractIndexEntry("revenue")
	assert.Equal(t, "in_review", entry["status"])
}

func TestBuildThreadContext_LabelsAndLimits(t *testing.T) {
	a, _, ch, _ := newTestAgent(t)
	ch.users["u7"] = chat.UserInfo{UserID: "u7", Username: "petr"}

	posts := []chat.Post{
		{ID: "p1", UserID: "bot", Message: "привет"},
		{ID: "p2", UserID: "u7", Message: "вопрос"},
		{ID: "p3", UserID: "u7", Message: "текущее"},
	}
	got := a.BuildThreadContext(context.Background(), posts, "p3")
	assert.Equal(t, "AI-архитектор: привет\n@petr: вопрос", got)
}

func TestBuildThreadContext_KeepsTail(t *testing.T) {
	a, _, ch, _ := newTestAgent(t)
	ch.users["u7"] = chat.UserInfo{UserID: "u7", Username: "petr"}

	var posts []chat.Post
	for i := 0; i < 20; i++ {
		posts = append(posts, chat.Post{ID: fmt.Sprintf("p%d", i), UserID: "u7", Message: fmt.Sprintf("msg%d", i)})
	}
	got := a.BuildThreadContext(context.Background(), posts, "")
	lines := strings.Split(got, "\n")
	assert.Len(t, lines, 15)
	assert.Equal(t, "@petr: msg19", lines[len(lines)-1])
}

func TestBuildThreadContext_ConfiguredCaps(t *testing.T) {
	a, _, ch, _ := newTestAgent(t)
	a.cfg = Config{ThreadMaxMessages: 5, ThreadMaxChars: 4000}
	a.cfg.applyDefaults()
	ch.users["u7"] = chat.UserInfo{UserID: "u7", Username: "petr"}

	var posts []chat.Post
	for i := 0; i < 20; i++ {
		posts = append(posts, chat.Post{ID: fmt.Sprintf("p%d", i), UserID: "u7", Message: fmt.Sprintf("msg%d", i)})
	}
	got := a.BuildThreadContext(context.Background(), posts, "")
	lines := strings.Split(got, "\n")
	assert.Len(t, lines, 5)
	assert.Equal(t, "@petr: msg15", lines[0])

	a.cfg = Config{ThreadMaxMessages: 15, ThreadMaxChars: 40}
	a.cfg.applyDefaults()
	got = a.BuildThreadContext(context.Background(), posts, "")
	assert.True(t, strings.HasPrefix(got, "…(начало треда обрезано)\n"))
	assert.LessOrEqual(t, len(strings.TrimPrefix(got, "…(начало треда обрезано)\n")), 40)
}

func TestReviewReport_ConfiguredThreshold(t *testing.T) {
	a, st, _, _ := newTestAgent(t)
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{
			{"id": "mau", "name": "MAU", "status": "agreed", "agreed_date": "2025-11-10"},
		},
	}))

	// 120 days old: under the default 180-day horizon, over a 30-day one.
	assert.Contains(t, a.reviewReport(), "Нет контрактов, требующих пересмотра (порог 180 дней)")

	a.cfg = Config{ReviewThresholdDays: 30}
	a.cfg.applyDefaults()
	report := a.reviewReport()
	assert.Contains(t, report, "порог 30 дней")
	assert.Contains(t, report, "`mau`")
}

func TestOnboardParticipant_CreatesProfileAndDM(t *testing.T) {
	a, st, ch, _ := newTestAgent(t)

	a.OnboardParticipant(context.Background(), "u9", "newuser", "Новый Участник")

	profile, ok := st.Participant("newuser")
	require.True(t, ok)
	assert.Contains(t, profile, "# Новый Участник (@newuser)")
	assert.Contains(t, profile, "В канале с: 2026-03-10")

	require.Len(t, ch.dms, 1)
	assert.Contains(t, ch.dms[0], "u9: Привет, Новый Участник!")
	assert.True(t, st.IsParticipantOnboarded("newuser"))
}

func TestOnboardParticipant_SkipsExisting(t *testing.T) {
	a, st, ch, _ := newTestAgent(t)
	require.NoError(t, st.UpdateParticipant("olduser", "# Old\n"))

	a.OnboardParticipant(context.Background(), "u9", "olduser", "Old User")
	assert.Empty(t, ch.dms)
}
