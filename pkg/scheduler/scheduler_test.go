package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/store"
)

type fakeChatClient struct {
	channel []string
	roots   []string
	dms     []string
}

func (f *fakeChatClient) SendToChannel(_ context.Context, message, rootID string) (chat.Post, error) {
	f.channel = append(f.channel, message)
	f.roots = append(f.roots, rootID)
	return chat.Post{ID: "p1"}, nil
}

func (f *fakeChatClient) SendToChannelID(_ context.Context, _, message, rootID string) (chat.Post, error) {
	return f.SendToChannel(context.Background(), message, rootID)
}

func (f *fakeChatClient) SendDM(_ context.Context, userID, message, _ string) (chat.Post, error) {
	f.dms = append(f.dms, userID+"|"+message)
	return chat.Post{ID: "dm1"}, nil
}

func (f *fakeChatClient) GetThread(context.Context, string) ([]chat.Post, error) { return nil, nil }
func (f *fakeChatClient) GetUserInfo(context.Context, string) (chat.UserInfo, error) {
	return chat.UserInfo{}, nil
}
func (f *fakeChatClient) GetUserByUsername(context.Context, string) (chat.UserInfo, error) {
	return chat.UserInfo{}, nil
}
func (f *fakeChatClient) GetChannelMembers(context.Context) ([]chat.UserInfo, error) { return nil, nil }
func (f *fakeChatClient) CreatePoll(context.Context, string, string, []string) error { return nil }
func (f *fakeChatClient) BotUserID() string                                          { return "bot" }
func (f *fakeChatClient) BotUsername() string                                        { return "steward" }
func (f *fakeChatClient) ChannelID() string                                          { return "contracts" }

type fakeLLM struct {
	cheapReply string
	heavyReply string
	heavyCalls int
	lastUser   string
}

func (f *fakeLLM) CallCheap(_ context.Context, _, _ string) (string, error) {
	return f.cheapReply, nil
}

func (f *fakeLLM) CallHeavy(_ context.Context, _, user string) (string, error) {
	f.heavyCalls++
	f.lastUser = user
	return f.heavyReply, nil
}

func (f *fakeLLM) CallWithTools(context.Context, string, []llm.Message, []llm.ToolDef, llm.ToolExecutor) (string, error) {
	return "", fmt.Errorf("not used")
}

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeChatClient, *fakeLLM, string) {
	t.Helper()
	st := store.New(t.TempDir(), store.Options{})
	ch := &fakeChatClient{}
	model := &fakeLLM{cheapReply: "A — да\nB — нет", heavyReply: "Дайджест недели"}
	promptDir := t.TempDir()
	s := New(st, ch, model, llm.NewPrompts(promptDir, slog.Default()), nil, Config{EscalationUser: "alexey"}, slog.Default())
	s.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return s, st, ch, model, promptDir
}

func dueReminder(step int) store.Reminder {
	return store.Reminder{
		ID:             "r1",
		ContractID:     "revenue",
		TargetUser:     "ivan",
		TargetUserID:   "u1",
		Question:       "какая гранулярность?",
		ThreadID:       "thread1",
		EscalationStep: step,
		NextReminder:   "2026-03-10T10:00:00Z",
		FirstAsked:     "2026-03-04T10:00:00Z",
	}
}

func TestCheckReminders_SoftStep(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(1)}))

	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.Contains(t, ch.channel[0], "@ivan")
	assert.Contains(t, ch.channel[0], "revenue")
	assert.Equal(t, "thread1", ch.roots[0])

	reminders := st.Reminders()
	require.Len(t, reminders, 1)
	assert.Equal(t, 2, reminders[0].EscalationStep)
	assert.Equal(t, "2026-03-12T12:00:00Z", reminders[0].NextReminder)
}

func TestCheckReminders_SkipsNotDue(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	rem := dueReminder(1)
	rem.NextReminder = "2026-03-11T10:00:00Z"
	require.NoError(t, st.SaveReminders([]store.Reminder{rem}))

	s.CheckReminders(context.Background())
	assert.Empty(t, ch.channel)
	assert.Equal(t, 1, st.Reminders()[0].EscalationStep)
}

func TestCheckReminders_ABStepUsesResolution(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.UpdateDiscussion("revenue", map[string]any{"proposed_resolution": "считать по дате оплаты"}))
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(2)}))

	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.Contains(t, ch.channel[0], "A — считать по дате оплаты")
	assert.Contains(t, ch.channel[0], "Напиши A или B")
	assert.Equal(t, 3, st.Reminders()[0].EscalationStep)
}

func TestCheckReminders_ABStepFallsBackToModel(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(2)}))

	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.Contains(t, ch.channel[0], "A — да")
}

func TestCheckReminders_DMStep(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(3)}))

	s.CheckReminders(context.Background())

	assert.Empty(t, ch.channel)
	require.Len(t, ch.dms, 1)
	assert.Contains(t, ch.dms[0], "u1|")
	assert.Contains(t, ch.dms[0], "revenue")
	assert.Equal(t, 4, st.Reminders()[0].EscalationStep)
}

func TestCheckReminders_EscalationStep(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(4)}))

	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.Contains(t, ch.channel[0], "@alexey")
	assert.Contains(t, ch.channel[0], "заблокирован 6 дней")
	assert.Contains(t, ch.channel[0], "@ivan")
	assert.Equal(t, 5, st.Reminders()[0].EscalationStep)
}

func TestCheckReminders_StepStaysAtFive(t *testing.T) {
	s, st, ch, _, _ := newTestScheduler(t)
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(5)}))

	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.Contains(t, ch.channel[0], "@alexey")
	assert.Equal(t, 5, st.Reminders()[0].EscalationStep)
}

func TestCheckReminders_TemplateWrapsMessage(t *testing.T) {
	s, st, _, _, promptDir := newTestScheduler(t)
	writePrompt(t, promptDir, "reminder_templates.md", "🔔 {SOFT_REMINDER}\n\nКонтракт: {CONTRACT_ID}")
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(1)}))

	ch := &fakeChatClient{}
	s.chat = ch
	s.CheckReminders(context.Background())

	require.Len(t, ch.channel, 1)
	assert.True(t, strings.HasPrefix(ch.channel[0], "🔔 @ivan"))
	assert.Contains(t, ch.channel[0], "Контракт: revenue")
}

func TestWeeklyDigest_PublishesModelSummary(t *testing.T) {
	s, st, ch, model, promptDir := newTestScheduler(t)
	writePrompt(t, promptDir, "digest_template.md", "Составь дайджест.\nКонтракты:\n{contracts_index}\nОчередь:\n{queue}\nНапоминания:\n{reminders}")
	writePrompt(t, promptDir, "system_short.md", "Ты AI-архитектор.")
	require.NoError(t, st.WriteJSON("contracts/index.json", map[string]any{
		"contracts": []map[string]any{{"id": "revenue", "name": "Revenue", "status": "agreed"}},
	}))

	s.WeeklyDigest(context.Background())

	assert.Equal(t, 1, model.heavyCalls)
	assert.Contains(t, model.lastUser, `"id": "revenue"`)
	require.Len(t, ch.channel, 1)
	assert.Equal(t, "Дайджест недели", ch.channel[0])
}

func TestWeeklyDigest_SkipsWithoutTemplate(t *testing.T) {
	s, _, ch, model, _ := newTestScheduler(t)
	s.WeeklyDigest(context.Background())
	assert.Zero(t, model.heavyCalls)
	assert.Empty(t, ch.channel)
}

func TestExtractOption(t *testing.T) {
	msg := "@ivan, упрощу.\nA — по дате оплаты\nB — по дате отгрузки\nНапиши A или B."
	assert.Equal(t, "по дате оплаты", extractOption(msg, "A"))
	assert.Equal(t, "по дате отгрузки", extractOption(msg, "B"))
	assert.Equal(t, "", extractOption("ничего", "A"))
}

func TestApplyTemplate_NoMarkerStillSubstitutes(t *testing.T) {
	got := applyTemplate("", "{SOFT_REMINDER}", "Привет, {TARGET_USER}", map[string]string{"TARGET_USER": "@ivan"})
	assert.Equal(t, "Привет, @ivan", got)
}

func TestTick_FiresJobsOnSchedule(t *testing.T) {
	s, st, ch, model, promptDir := newTestScheduler(t)
	writePrompt(t, promptDir, "digest_template.md", "{contracts_index}")
	require.NoError(t, st.SaveReminders([]store.Reminder{dueReminder(1)}))

	// Friday 2026-03-13 17:00 UTC.
	s.now = func() time.Time { return time.Date(2026, 3, 13, 17, 0, 0, 0, time.UTC) }
	s.tick(context.Background())
	s.tick(context.Background())

	assert.Equal(t, 1, model.heavyCalls)
	// One reminder plus one digest.
	assert.Len(t, ch.channel, 2)
}
