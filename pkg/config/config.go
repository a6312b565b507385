// Package config loads the steward's runtime configuration from the
// environment. Configuration is read once at startup into an immutable
// Config value; nothing in the process mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object passed to every component.
type Config struct {
	// Filesystem root of the data tree (contracts/, drafts/, context/,
	// tasks/, memory/). Defaults to the working directory.
	DataDir string

	// Directory with prompt and reminder templates.
	PromptsDir string
	// Path to the intent pattern file consumed by the router.
	IntentsPath string

	// Chat workspace.
	MattermostURL string
	BotToken      string
	ChannelID     string

	// LLM provider (OpenAI-compatible chat completions).
	LLMAPIKey  string
	LLMBaseURL string
	CheapModel string
	HeavyModel string
	LLMTimeout time.Duration

	// Thread context assembly.
	ThreadMaxMessages int
	ThreadMaxChars    int
	ThreadTTL         time.Duration

	// Event dedup.
	DedupTTL        time.Duration
	DedupMaxEntries int

	// Store write retries.
	WriteMaxRetries  int
	WriteBackoffBase time.Duration

	// Reminder ladder.
	ReminderDefaultInterval time.Duration
	ReminderCheckInterval   time.Duration

	// Governance review audit.
	GovernanceReviewThresholdDays int

	// Coverage suggestions.
	SuggestionCooldownDays        int
	SuggestionDismissCooldownDays int
	SuggestionMaxPerDay           int

	// Autonomous planner.
	PlannerRunTime                  string
	PlannerWorkdays                 []time.Weekday
	PlannerMaxActiveInitiatives     int
	PlannerMaxNewThreadsPerDay      int
	PlannerMaxMessagesPerDay        int
	PlannerMaxActionsPerInitiative  int
	PlannerCooldown                 time.Duration
	PlannerWaitBeforeFollowup       time.Duration
	PlannerStaleInitiativeDays      int

	// Escalation target for step-5 reminders and planner escalations.
	EscalationUser string

	// Read-only dashboard API. Empty disables it.
	DashboardAddr string

	LogLevel string
}

// LoadFromEnv reads the configuration from the environment, applying
// documented defaults. It fails only on values that cannot be parsed;
// missing credentials are surfaced later by the components that need them.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		DataDir:     getEnv("DATA_DIR", "."),
		PromptsDir:  getEnv("PROMPTS_DIR", "prompts"),
		IntentsPath: getEnv("INTENTS_PATH", "configs/intents.yaml"),

		MattermostURL: os.Getenv("MATTERMOST_URL"),
		BotToken:      os.Getenv("MATTERMOST_BOT_TOKEN"),
		ChannelID:     os.Getenv("DATA_CONTRACTS_CHANNEL_ID"),

		LLMAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		LLMBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		CheapModel: getEnv("CHEAP_MODEL", "openai/gpt-4o-mini"),
		HeavyModel: getEnv("HEAVY_MODEL", "anthropic/claude-sonnet-4"),

		PlannerRunTime: getEnv("PLANNER_RUN_TIME", "09:00"),
		EscalationUser: getEnv("ESCALATION_USER", "alexey"),
		DashboardAddr:  getEnv("DASHBOARD_ADDR", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ThreadMaxMessages, err = getEnvInt("THREAD_MAX_MESSAGES", 15); err != nil {
		return cfg, err
	}
	if cfg.ThreadMaxChars, err = getEnvInt("THREAD_MAX_CHARS", 4000); err != nil {
		return cfg, err
	}
	ttlDays, err := getEnvInt("THREAD_TTL_DAYS", 7)
	if err != nil {
		return cfg, err
	}
	cfg.ThreadTTL = time.Duration(ttlDays) * 24 * time.Hour

	dedupSecs, err := getEnvInt("DEDUP_TTL_SECONDS", 86400)
	if err != nil {
		return cfg, err
	}
	cfg.DedupTTL = time.Duration(dedupSecs) * time.Second
	if cfg.DedupMaxEntries, err = getEnvInt("DEDUP_MAX_ENTRIES", 4000); err != nil {
		return cfg, err
	}

	if cfg.WriteMaxRetries, err = getEnvInt("WRITE_MAX_RETRIES", 3); err != nil {
		return cfg, err
	}
	backoff, err := getEnvFloat("WRITE_BACKOFF_BASE", 0.5)
	if err != nil {
		return cfg, err
	}
	cfg.WriteBackoffBase = time.Duration(backoff * float64(time.Second))

	remindDays, err := getEnvInt("REMINDER_DEFAULT_INTERVAL_DAYS", 2)
	if err != nil {
		return cfg, err
	}
	cfg.ReminderDefaultInterval = time.Duration(remindDays) * 24 * time.Hour
	checkHours, err := getEnvInt("REMINDER_CHECK_HOURS", 4)
	if err != nil {
		return cfg, err
	}
	cfg.ReminderCheckInterval = time.Duration(checkHours) * time.Hour

	if cfg.GovernanceReviewThresholdDays, err = getEnvInt("GOVERNANCE_REVIEW_THRESHOLD_DAYS", 180); err != nil {
		return cfg, err
	}

	if cfg.SuggestionCooldownDays, err = getEnvInt("SUGGESTION_COOLDOWN_DAYS", 14); err != nil {
		return cfg, err
	}
	if cfg.SuggestionDismissCooldownDays, err = getEnvInt("SUGGESTION_DISMISS_COOLDOWN_DAYS", 30); err != nil {
		return cfg, err
	}
	if cfg.SuggestionMaxPerDay, err = getEnvInt("SUGGESTION_MAX_PER_DAY", 1); err != nil {
		return cfg, err
	}

	if cfg.PlannerWorkdays, err = parseWorkdays(getEnv("PLANNER_WORKDAYS", "0,1,2,3,4")); err != nil {
		return cfg, err
	}
	if cfg.PlannerMaxActiveInitiatives, err = getEnvInt("PLANNER_MAX_ACTIVE_INITIATIVES", 3); err != nil {
		return cfg, err
	}
	if cfg.PlannerMaxNewThreadsPerDay, err = getEnvInt("PLANNER_MAX_NEW_THREADS_PER_DAY", 2); err != nil {
		return cfg, err
	}
	if cfg.PlannerMaxMessagesPerDay, err = getEnvInt("PLANNER_MAX_MESSAGES_PER_DAY", 8); err != nil {
		return cfg, err
	}
	if cfg.PlannerMaxActionsPerInitiative, err = getEnvInt("PLANNER_MAX_ACTIONS_PER_INITIATIVE_PER_DAY", 2); err != nil {
		return cfg, err
	}
	cooldownHours, err := getEnvInt("PLANNER_COOLDOWN_HOURS", 48)
	if err != nil {
		return cfg, err
	}
	cfg.PlannerCooldown = time.Duration(cooldownHours) * time.Hour
	waitHours, err := getEnvInt("PLANNER_WAIT_BEFORE_FOLLOWUP_HOURS", 24)
	if err != nil {
		return cfg, err
	}
	cfg.PlannerWaitBeforeFollowup = time.Duration(waitHours) * time.Hour
	if cfg.PlannerStaleInitiativeDays, err = getEnvInt("PLANNER_STALE_INITIATIVE_DAYS", 14); err != nil {
		return cfg, err
	}

	llmTimeout, err := getEnvInt("LLM_TIMEOUT_SECONDS", 120)
	if err != nil {
		return cfg, err
	}
	cfg.LLMTimeout = time.Duration(llmTimeout) * time.Second

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}

// parseWorkdays parses a comma-separated weekday list where 0 is Monday,
// matching cron-style workday numbering used in the deployment env files.
func parseWorkdays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid PLANNER_WORKDAYS entry %q", part)
		}
		// 0=Mon..6=Sun -> time.Weekday where Monday is 1.
		days = append(days, time.Weekday((n+1)%7))
	}
	return days, nil
}

// IsWorkday reports whether the given time falls on a configured planner workday.
func (c Config) IsWorkday(t time.Time) bool {
	for _, d := range c.PlannerWorkdays {
		if t.Weekday() == d {
			return true
		}
	}
	return false
}
