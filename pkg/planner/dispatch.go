package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/store"
)

// Action is one step the model selected for execution.
type Action struct {
	Type        string `json:"type"`
	ContractID  string `json:"contract_id"`
	Reason      string `json:"reason"`
	MessageHint string `json:"message_hint"`
	TargetUser  string `json:"target_user"`
}

// Dispatcher executes planner actions against the chat channel.
type Dispatcher struct {
	store          *store.Store
	chat           chat.Client
	escalationUser string
	logger         *slog.Logger

	now func() time.Time
}

// NewDispatcher builds an action dispatcher.
func NewDispatcher(st *store.Store, ch chat.Client, escalationUser string, logger *slog.Logger) *Dispatcher {
	if escalationUser == "" {
		escalationUser = "alexey"
	}
	return &Dispatcher{
		store:          st,
		chat:           ch,
		escalationUser: escalationUser,
		logger:         logger.With("component", "planner_dispatch"),
		now:            time.Now,
	}
}

// Execute runs one action and returns result metadata, or nil when the
// action type is unknown or sending failed.
func (d *Dispatcher) Execute(ctx context.Context, action Action, initiative *store.Initiative) map[string]any {
	var result map[string]any
	var err error

	switch action.Type {
	case "start_thread":
		result, err = d.startThread(ctx, action, initiative)
	case "ask_question":
		result, err = d.askQuestion(ctx, action, initiative)
	case "propose_resolution":
		result, err = d.proposeResolution(ctx, action, initiative)
	case "partial_fix":
		result, err = d.partialFix(ctx, action, initiative)
	case "follow_up":
		result, err = d.followUp(ctx, action, initiative)
	case "escalate":
		result, err = d.escalate(ctx, action, initiative)
	default:
		d.logger.Warn("unknown planner action type", "type", action.Type)
		return nil
	}

	if err != nil {
		d.logger.Error("planner action failed", "type", action.Type, "contract_id", action.ContractID, "error", err)
		return nil
	}
	return result
}

func mentions(users []string) string {
	tags := make([]string, 0, len(users))
	for _, u := range users {
		if u != "" {
			tags = append(tags, "@"+u)
		}
	}
	return strings.Join(tags, " ")
}

func (d *Dispatcher) resultMeta(action string, postID string) map[string]any {
	return map[string]any{
		"action":  action,
		"at":      d.now().UTC().Format(time.RFC3339),
		"post_id": postID,
	}
}

func (d *Dispatcher) startThread(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	title := action.MessageHint
	if title == "" {
		title = fmt.Sprintf("Обсуждение контракта %s", action.ContractID)
	}
	message := fmt.Sprintf(":dart: **%s**\n\nКонтракт: `%s`\nПричина: %s\n", title, action.ContractID, action.Reason)
	if tags := mentions(initiative.Stakeholders); tags != "" {
		message += fmt.Sprintf("\n%s — прошу вашего участия в обсуждении.", tags)
	}

	post, err := d.chat.SendToChannel(ctx, message, "")
	if err != nil {
		return nil, err
	}
	if post.ID != "" {
		if err := d.store.SetActiveThread(action.ContractID, post.ID); err != nil {
			d.logger.Warn("failed to register active thread", "contract_id", action.ContractID, "error", err)
		}
	}

	result := d.resultMeta("start_thread", post.ID)
	result["contract_id"] = action.ContractID
	return result, nil
}

func (d *Dispatcher) askQuestion(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	target := strings.TrimPrefix(action.TargetUser, "@")
	message := action.MessageHint
	if target != "" {
		message = fmt.Sprintf("@%s, %s", target, action.MessageHint)
	}

	post, err := d.chat.SendToChannel(ctx, message, initiative.ThreadID)
	if err != nil {
		return nil, err
	}
	result := d.resultMeta("ask_question", post.ID)
	result["target"] = target
	result["contract_id"] = action.ContractID
	return result, nil
}

func (d *Dispatcher) proposeResolution(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	message := fmt.Sprintf(
		":bulb: **Предложение по разрешению конфликта** (`%s`)\n\n%s\n\nЧто думаете? Напишите в этом треде.",
		action.ContractID, action.MessageHint)

	post, err := d.chat.SendToChannel(ctx, message, initiative.ThreadID)
	if err != nil {
		return nil, err
	}
	result := d.resultMeta("propose_resolution", post.ID)
	result["contract_id"] = action.ContractID
	return result, nil
}

func (d *Dispatcher) partialFix(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	message := fmt.Sprintf(
		":wrench: **Предложение по исправлению** (`%s`)\n\n%s\n\nСогласны с исправлением?",
		action.ContractID, action.MessageHint)

	post, err := d.chat.SendToChannel(ctx, message, initiative.ThreadID)
	if err != nil {
		return nil, err
	}
	result := d.resultMeta("partial_fix", post.ID)
	result["contract_id"] = action.ContractID
	return result, nil
}

func (d *Dispatcher) followUp(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	targets := initiative.WaitingFor
	if len(targets) == 0 {
		targets = initiative.Stakeholders
	}

	message := action.MessageHint
	if message == "" {
		message = fmt.Sprintf("Напоминаю об обсуждении контракта `%s`.", action.ContractID)
	}
	if tags := mentions(targets); tags != "" {
		message = fmt.Sprintf("%s, %s", tags, message)
	}

	post, err := d.chat.SendToChannel(ctx, message, initiative.ThreadID)
	if err != nil {
		return nil, err
	}
	result := d.resultMeta("follow_up", post.ID)
	result["contract_id"] = action.ContractID
	return result, nil
}

func (d *Dispatcher) escalate(ctx context.Context, action Action, initiative *store.Initiative) (map[string]any, error) {
	message := fmt.Sprintf("@%s, нужна помощь с контрактом `%s`.\n\n%s",
		d.escalationUser, action.ContractID, action.MessageHint)

	post, err := d.chat.SendToChannel(ctx, message, initiative.ThreadID)
	if err != nil {
		return nil, err
	}
	result := d.resultMeta("escalate", post.ID)
	result["contract_id"] = action.ContractID
	result["escalated_to"] = d.escalationUser
	return result, nil
}
