// Package scheduler runs the periodic jobs: the reminder escalation
// ladder, the weekly digest, the coverage scan and thread registry
// cleanup.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/store"
)

// CoverageScanner proposes contracts for uncovered metrics. May be nil.
type CoverageScanner interface {
	CoverageScan(ctx context.Context)
}

// Config holds the scheduler knobs.
type Config struct {
	// ReminderEvery is the reminder sweep interval.
	ReminderEvery time.Duration
	// ReminderInterval is the pause between escalation steps of one
	// reminder.
	ReminderInterval time.Duration
	// EscalationUser receives step 4+ escalations.
	EscalationUser string
}

// Scheduler owns the periodic jobs.
type Scheduler struct {
	store   *store.Store
	chat    chat.Client
	llm     llm.Client
	prompts *llm.Prompts
	suggest CoverageScanner
	logger  *slog.Logger
	cfg     Config

	lastReminderRun time.Time
	lastDigestDay   string
	lastCoverageDay string
	lastCleanupDay  string

	now func() time.Time
}

// New builds the scheduler.
func New(st *store.Store, ch chat.Client, client llm.Client, prompts *llm.Prompts, suggest CoverageScanner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.ReminderEvery <= 0 {
		cfg.ReminderEvery = 4 * time.Hour
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = 48 * time.Hour
	}
	if cfg.EscalationUser == "" {
		cfg.EscalationUser = "alexey"
	}
	return &Scheduler{
		store:   st,
		chat:    ch,
		llm:     client,
		prompts: prompts,
		suggest: suggest,
		logger:  logger.With("component", "scheduler"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run ticks once a minute until the context is cancelled. Digest fires
// Friday 17:00, coverage Tuesday 10:00, thread cleanup daily 03:00.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"reminder_every", s.cfg.ReminderEvery,
		"digest", "Fri 17:00", "coverage", "Tue 10:00", "cleanup", "03:00")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	day := now.Format(time.DateOnly)

	if now.Sub(s.lastReminderRun) >= s.cfg.ReminderEvery {
		s.lastReminderRun = now
		s.CheckReminders(ctx)
	}
	if now.Weekday() == time.Friday && now.Hour() == 17 && s.lastDigestDay != day {
		s.lastDigestDay = day
		s.WeeklyDigest(ctx)
	}
	if now.Weekday() == time.Tuesday && now.Hour() == 10 && s.lastCoverageDay != day {
		s.lastCoverageDay = day
		if s.suggest != nil {
			s.suggest.CoverageScan(ctx)
		}
	}
	if now.Hour() == 3 && s.lastCleanupDay != day {
		s.lastCleanupDay = day
		s.CleanupThreads()
	}
}

// CheckReminders walks the reminder list and advances the escalation
// ladder for every due entry.
func (s *Scheduler) CheckReminders(ctx context.Context) {
	reminders := s.store.Reminders()
	if len(reminders) == 0 {
		return
	}

	now := s.now().UTC()
	templates := s.prompts.Prompt("reminder_templates.md")
	updated := false

	for i := range reminders {
		rem := &reminders[i]
		if rem.NextReminder == "" {
			continue
		}
		next, err := time.Parse(time.RFC3339, rem.NextReminder)
		if err != nil || next.After(now) {
			continue
		}

		step := rem.EscalationStep
		switch {
		case step <= 1:
			s.sendSoftReminder(ctx, rem, templates)
			rem.EscalationStep = 2
		case step == 2:
			s.sendABReminder(ctx, rem, templates)
			rem.EscalationStep = 3
		case step == 3:
			s.sendDMReminder(ctx, rem, templates)
			rem.EscalationStep = 4
		default:
			s.sendEscalation(ctx, rem, templates, now)
			rem.EscalationStep = 5
		}

		rem.LastReminder = now.Format(time.RFC3339)
		rem.NextReminder = now.Add(s.cfg.ReminderInterval).Format(time.RFC3339)
		updated = true
		s.logger.Info("sent reminder", "step", step, "contract_id", rem.ContractID, "target_user", rem.TargetUser)
	}

	if updated {
		if err := s.store.SaveReminders(reminders); err != nil {
			s.logger.Error("failed to save reminders", "error", err)
		}
	}
}

func (s *Scheduler) sendSoftReminder(ctx context.Context, rem *store.Reminder, templates string) {
	base := fmt.Sprintf("@%s, напоминаю — жду твоё мнение по %s. Можешь ответить коротко, даже одним предложением.",
		rem.TargetUser, rem.ContractID)
	message := applyTemplate(templates, "{SOFT_REMINDER}", base, reminderVars(rem, nil))
	s.sendToThread(ctx, rem.ThreadID, message)
}

func (s *Scheduler) sendABReminder(ctx context.Context, rem *store.Reminder, templates string) {
	var message string
	if disc, ok := s.store.Discussion(rem.ContractID); ok {
		if resolution, _ := disc["proposed_resolution"].(string); resolution != "" {
			message = fmt.Sprintf("@%s, упрощу. Два варианта:\nA — %s\nB — Другой вариант (опиши)\nНапиши A или B, я дальше сам оформлю.",
				rem.TargetUser, resolution)
		}
	}
	if message == "" {
		prompt := fmt.Sprintf("Сформулируй два простых варианта для вопроса: %s\nКонтракт: %s\nФормат: A — ...\nB — ...",
			rem.Question, rem.ContractID)
		options, err := s.llm.CallCheap(ctx, "Ты помощник. Сформулируй кратко.", prompt)
		if err != nil {
			s.logger.Warn("failed to generate options", "contract_id", rem.ContractID, "error", err)
			options = "A — да\nB — нет (опиши почему)"
		}
		message = fmt.Sprintf("@%s, упрощу.\n%s\nНапиши A или B, я дальше сам оформлю.", rem.TargetUser, options)
	}

	extra := map[string]string{
		"OPTION_A": extractOption(message, "A"),
		"OPTION_B": extractOption(message, "B"),
	}
	message = applyTemplate(templates, "{AB_REMINDER}", message, reminderVars(rem, extra))
	s.sendToThread(ctx, rem.ThreadID, message)
}

func (s *Scheduler) sendDMReminder(ctx context.Context, rem *store.Reminder, templates string) {
	base := fmt.Sprintf("Привет. В канале Data Contracts жду твой ответ по %s — это блокирует согласование. Можешь ответить прямо здесь.",
		rem.ContractID)
	message := applyTemplate(templates, "{DM_REMINDER}", base, reminderVars(rem, nil))
	if rem.TargetUserID == "" {
		s.logger.Warn("dm reminder skipped, unknown user id", "target_user", rem.TargetUser)
		return
	}
	if _, err := s.chat.SendDM(ctx, rem.TargetUserID, message, ""); err != nil {
		s.logger.Error("failed to send dm reminder", "target_user", rem.TargetUser, "error", err)
	}
}

func (s *Scheduler) sendEscalation(ctx context.Context, rem *store.Reminder, templates string, now time.Time) {
	days := 0
	if rem.FirstAsked != "" {
		if first, err := time.Parse(time.RFC3339, rem.FirstAsked); err == nil {
			days = int(now.Sub(first).Hours() / 24)
		}
	}
	base := fmt.Sprintf("@%s, контракт %s заблокирован %d дней. Жду ответа от @%s. Нужна помощь.",
		s.cfg.EscalationUser, rem.ContractID, days, rem.TargetUser)
	extra := map[string]string{
		"ESCALATION_USER": "@" + s.cfg.EscalationUser,
		"DAYS_BLOCKED":    fmt.Sprintf("%d", days),
	}
	message := applyTemplate(templates, "{ESCALATION_REMINDER}", base, reminderVars(rem, extra))
	s.sendToThread(ctx, rem.ThreadID, message)
}

func (s *Scheduler) sendToThread(ctx context.Context, threadID, message string) {
	if _, err := s.chat.SendToChannel(ctx, message, threadID); err != nil {
		s.logger.Error("failed to send reminder", "error", err)
	}
}

func reminderVars(rem *store.Reminder, extra map[string]string) map[string]string {
	vars := map[string]string{
		"TARGET_USER":     "@" + rem.TargetUser,
		"TARGET_USERNAME": rem.TargetUser,
		"CONTRACT_ID":     rem.ContractID,
		"QUESTION":        rem.Question,
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// applyTemplate wraps the base text into the template around marker when
// the marker exists, then substitutes {KEY} placeholders.
func applyTemplate(templates, marker, base string, vars map[string]string) string {
	out := base
	if templates != "" && strings.Contains(templates, marker) {
		out = strings.ReplaceAll(templates, marker, base)
	}
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return strings.TrimSpace(out)
}

func extractOption(message, letter string) string {
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, letter) {
			if _, after, found := strings.Cut(trimmed, "—"); found {
				return strings.TrimSpace(after)
			}
		}
	}
	return ""
}

// CleanupThreads drops expired active thread registrations.
func (s *Scheduler) CleanupThreads() {
	if removed := s.store.CleanupExpiredThreads(); removed > 0 {
		s.logger.Info("thread cleanup", "removed", removed)
	}
}

// WeeklyDigest renders the digest template with the current state and
// publishes the model's summary to the channel.
func (s *Scheduler) WeeklyDigest(ctx context.Context) {
	template := s.prompts.Prompt("digest_template.md")
	if template == "" {
		s.logger.Warn("digest template missing, skipping digest")
		return
	}

	userMsg := template
	userMsg = strings.ReplaceAll(userMsg, "{contracts_index}", formatJSON(s.store.ListContracts()))
	userMsg = strings.ReplaceAll(userMsg, "{queue}", formatJSON(s.store.Queue()))
	userMsg = strings.ReplaceAll(userMsg, "{reminders}", formatJSON(s.store.Reminders()))

	digest, err := s.llm.CallHeavy(ctx, s.prompts.Prompt("system_short.md"), userMsg)
	if err != nil {
		s.logger.Error("failed to generate digest", "error", err)
		return
	}
	if _, err := s.chat.SendToChannel(ctx, digest, ""); err != nil {
		s.logger.Error("failed to publish digest", "error", err)
		return
	}
	s.logger.Info("weekly digest published")
}

func formatJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(b)
}
