// Package agent turns routed chat messages into replies: deterministic
// fast-paths for lookups and lifecycle commands, the agentic tool loop for
// everything else.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daai/steward/pkg/analyzer"
	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/contract"
	"github.com/daai/steward/pkg/governance"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/router"
	"github.com/daai/steward/pkg/store"
	"github.com/daai/steward/pkg/tools"
)

// Config holds the agent knobs. Zero values fall back to the defaults.
type Config struct {
	// ThreadMaxMessages caps the rendered thread context, newest kept.
	ThreadMaxMessages int
	// ThreadMaxChars caps the rendered thread context size in bytes.
	ThreadMaxChars int
	// ReviewThresholdDays is the age after which an agreed contract is
	// due for governance review.
	ReviewThresholdDays int
}

func (c *Config) applyDefaults() {
	if c.ThreadMaxMessages <= 0 {
		c.ThreadMaxMessages = 15
	}
	if c.ThreadMaxChars <= 0 {
		c.ThreadMaxChars = 4000
	}
	if c.ReviewThresholdDays <= 0 {
		c.ReviewThresholdDays = 180
	}
}

// threadTrackingTypes are the route types registered in the active thread
// registry so follow-up top-level messages land in the same thread.
var threadTrackingTypes = map[string]bool{
	"contract_discussion": true,
	"new_contract_init":   true,
	"problem_report":      true,
}

var fullPromptTypes = map[string]bool{
	"contract_discussion": true,
	"new_contract_init":   true,
	"problem_report":      true,
}

var profileRoutes = map[string]bool{
	"contract_discussion": true,
	"new_contract_init":   true,
	"problem_report":      true,
	"profile_intro":       true,
}

// ProcessResult carries the reply plus the thread root the listener should
// post it into, when an existing discussion thread was resumed.
type ProcessResult struct {
	Reply        string
	ThreadRootID string
}

// Agent processes one message at a time.
type Agent struct {
	router   *router.Router
	store    *store.Store
	chat     chat.Client
	llm      llm.Client
	prompts  *llm.Prompts
	executor *tools.Executor
	cfg      Config
	logger   *slog.Logger

	now func() time.Time
}

// New wires the agent. The executor is shared with the rest of the system
// so side effects (suggestions, notifications) stay consistent.
func New(r *router.Router, st *store.Store, ch chat.Client, client llm.Client, prompts *llm.Prompts, executor *tools.Executor, cfg Config, logger *slog.Logger) *Agent {
	cfg.applyDefaults()
	return &Agent{
		router:   r,
		store:    st,
		chat:     ch,
		llm:      client,
		prompts:  prompts,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
		now:      time.Now,
	}
}

// BuildThreadContext renders thread posts as "name: message" lines, newest
// kept when the thread exceeds the message or char limits.
func (a *Agent) BuildThreadContext(ctx context.Context, posts []chat.Post, excludePostID string) string {
	var parts []string
	for _, p := range posts {
		if excludePostID != "" && p.ID == excludePostID {
			continue
		}
		name := "unknown"
		if p.UserID == a.chat.BotUserID() {
			name = "AI-архитектор"
		} else if info, err := a.chat.GetUserInfo(ctx, p.UserID); err == nil {
			name = "@" + info.Username
		}
		parts = append(parts, name+": "+p.Message)
	}
	if len(parts) > a.cfg.ThreadMaxMessages {
		parts = parts[len(parts)-a.cfg.ThreadMaxMessages:]
	}
	result := strings.Join(parts, "\n")
	if len(result) > a.cfg.ThreadMaxChars {
		result = "…(начало треда обрезано)\n" + result[len(result)-a.cfg.ThreadMaxChars:]
	}
	return result
}

// ProcessMessage routes and answers one incoming message.
func (a *Agent) ProcessMessage(ctx context.Context, username, message, channelType, threadContext, postID, rootID string) ProcessResult {
	if reply, handled := a.handleRoleAssignments(ctx, message); handled {
		return ProcessResult{Reply: reply}
	}

	route := a.router.Route(ctx, username, message, channelType, threadContext)
	entity := strings.ToLower(strings.TrimSpace(route.Entity))

	// Top-level channel messages about a contract with a live thread get
	// answered inside that thread, with its context loaded.
	var resolvedRoot string
	if rootID == "" && entity != "" && channelType == "channel" {
		if existingRoot, ok := a.store.ActiveThread(entity); ok {
			if posts, err := a.chat.GetThread(ctx, existingRoot); err == nil {
				threadContext = a.BuildThreadContext(ctx, posts, postID)
				resolvedRoot = existingRoot
			} else {
				a.logger.Warn("failed to load active thread", "entity", entity, "error", err)
			}
		}
	}

	// Entering discussion moves a draft to in_review.
	switch route.Type {
	case "new_contract_init", "contract_discussion", "problem_report":
		if entity != "" {
			a.ensureInReview(entity)
		}
	}

	result := func(reply string) ProcessResult {
		if entity != "" && threadTrackingTypes[route.Type] {
			trackRoot := rootID
			if trackRoot == "" {
				trackRoot = resolvedRoot
			}
			if trackRoot == "" {
				trackRoot = postID
			}
			if trackRoot != "" {
				if err := a.store.SetActiveThread(entity, trackRoot); err != nil {
					a.logger.Warn("failed to register active thread", "entity", entity, "error", err)
				}
			}
		}
		return ProcessResult{Reply: reply, ThreadRootID: resolvedRoot}
	}

	if reply, handled := a.fastPath(ctx, route, entity); handled {
		return result(reply)
	}
	return result(a.processWithTools(ctx, username, message, channelType, threadContext, route))
}

func (a *Agent) ensureInReview(contractID string) {
	var idx struct {
		Contracts []map[string]any `json:"contracts"`
	}
	a.store.ReadJSON("contracts/index.json", &idx)
	records, res := contract.EnsureInReview(idx.Contracts, contractID, a.now())
	if res.OK && res.Changed {
		idx.Contracts = records
		if err := a.store.WriteJSON("contracts/index.json", idx); err != nil {
			a.logger.Warn("failed to persist lifecycle update", "contract_id", contractID, "error", err)
		}
	}
}

// processWithTools runs the agentic loop: system prompt by route weight,
// route context files, participant profile, entity anchoring.
func (a *Agent) processWithTools(ctx context.Context, username, message, channelType, threadContext string, route router.Route) string {
	promptName := "system_short.md"
	if fullPromptTypes[route.Type] {
		promptName = "system_full.md"
	}
	systemPrompt := a.prompts.Prompt(promptName)

	contextFiles := ""
	if len(route.LoadFiles) > 0 {
		contextFiles = a.store.LoadFiles(route.LoadFiles)
	}
	if profileRoutes[route.Type] {
		if profile, ok := a.store.Participant(username); ok && profile != "" {
			contextFiles += fmt.Sprintf("\n\n--- participants/%s.md ---\n%s", username, profile)
		}
	}

	fullSystem := systemPrompt
	if route.Entity != "" {
		fullSystem += fmt.Sprintf("\n\n# Текущий контракт\n\nТы сейчас работаешь над контрактом: `%s`\n", route.Entity)
		fullSystem += fmt.Sprintf("Тип задачи: %s\n", route.Type)
		fullSystem += "НЕ переключайся на другие контракты, если пользователь не попросил об этом явно.\n"
	}
	if contextFiles != "" {
		fullSystem += "\n\n# Загруженный контекст\n\n" + contextFiles
	}

	userMsg := fmt.Sprintf("@%s: %s", username, message)
	if threadContext != "" {
		userMsg = fmt.Sprintf("Контекст треда:\n%s\n\nНовое сообщение:\n%s", threadContext, userMsg)
	}

	toolDefs := tools.ForRoute(route.Type, channelType != "dm")
	messages := []llm.Message{{Role: "user", Content: userMsg}}
	reply, err := a.llm.CallWithTools(ctx, fullSystem, messages, toolDefs, a.executor)
	if err != nil {
		a.logger.Error("tool loop failed", "route_type", route.Type, "error", err)
		return "Произошла ошибка при обработке сообщения. Попробуй ещё раз."
	}
	return reply
}

const onboardTemplate = `Привет, %s! Я AI-архитектор метрик в канале Data Contracts.
Помогаю команде согласовывать определения данных и метрик.

Расскажи коротко:
1. Какая у тебя роль? За какой круг/домен отвечаешь?
2. Какие данные и метрики используешь чаще всего?
3. Есть ли боли с данными, которые хотелось бы решить?`

const participantTemplate = `# %s (@%s)

## Базовое
- В канале с: %s

## Домен и данные
- Метрики: (не заполнено)

## Профиль коммуникации
- Скорость ответа: неизвестно

## Позиции по контрактам
(нет данных)
`

// OnboardParticipant creates a baseline profile and sends the welcome DM.
// A user with an existing profile is left alone.
func (a *Agent) OnboardParticipant(ctx context.Context, userID, username, displayName string) {
	if _, ok := a.store.Participant(username); ok {
		a.logger.Info("participant already has a profile", "username", username)
		return
	}
	if displayName == "" {
		displayName = username
	}

	if err := a.store.SetParticipantActive(username, true); err != nil {
		a.logger.Warn("failed to mark participant active", "username", username, "error", err)
	}
	if err := a.store.SetParticipantOnboarded(username, true); err != nil {
		a.logger.Warn("failed to mark participant onboarded", "username", username, "error", err)
	}

	profile := fmt.Sprintf(participantTemplate, displayName, username, a.now().UTC().Format(time.DateOnly))
	if err := a.store.UpdateParticipant(username, profile); err != nil {
		a.logger.Error("failed to create profile", "username", username, "error", err)
		return
	}
	a.logger.Info("created participant profile", "username", username)

	if _, err := a.chat.SendDM(ctx, userID, fmt.Sprintf(onboardTemplate, displayName), ""); err != nil {
		a.logger.Error("failed to send onboard dm", "username", username, "error", err)
	}
}

func (a *Agent) conflictsReport() string {
	return analyzer.RenderConflicts(analyzer.New(a.store).DetectConflicts(nil))
}

func (a *Agent) reviewReport() string {
	items := governance.FindRequiringReview(a.store.ListContracts(), a.now(), a.cfg.ReviewThresholdDays)
	return governance.RenderReviewReport(items, a.cfg.ReviewThresholdDays)
}
