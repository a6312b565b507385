package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.DataDir)
	assert.Equal(t, 15, cfg.ThreadMaxMessages)
	assert.Equal(t, 4000, cfg.ThreadMaxChars)
	assert.Equal(t, 7*24*time.Hour, cfg.ThreadTTL)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL)
	assert.Equal(t, 4000, cfg.DedupMaxEntries)
	assert.Equal(t, 3, cfg.WriteMaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.WriteBackoffBase)
	assert.Equal(t, 2*24*time.Hour, cfg.ReminderDefaultInterval)
	assert.Equal(t, 4*time.Hour, cfg.ReminderCheckInterval)
	assert.Equal(t, 180, cfg.GovernanceReviewThresholdDays)
	assert.Equal(t, "09:00", cfg.PlannerRunTime)
	assert.Equal(t, 3, cfg.PlannerMaxActiveInitiatives)
	assert.Equal(t, 2, cfg.PlannerMaxNewThreadsPerDay)
	assert.Equal(t, 8, cfg.PlannerMaxMessagesPerDay)
	assert.Equal(t, 2, cfg.PlannerMaxActionsPerInitiative)
	assert.Equal(t, 48*time.Hour, cfg.PlannerCooldown)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
	assert.Equal(t, "alexey", cfg.EscalationUser)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("THREAD_MAX_MESSAGES", "5")
	t.Setenv("WRITE_BACKOFF_BASE", "0.25")
	t.Setenv("PLANNER_RUN_TIME", "now")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ThreadMaxMessages)
	assert.Equal(t, 250*time.Millisecond, cfg.WriteBackoffBase)
	assert.Equal(t, "now", cfg.PlannerRunTime)
}

func TestLoadFromEnv_InvalidInt(t *testing.T) {
	t.Setenv("THREAD_MAX_MESSAGES", "many")
	_, err := LoadFromEnv()
	assert.Error(t, err)
}

func TestParseWorkdays(t *testing.T) {
	days, err := parseWorkdays("0,1,2,3,4")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}, days)

	days, err = parseWorkdays("5,6")
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, days)

	_, err = parseWorkdays("0,7")
	assert.Error(t, err)
}

func TestIsWorkday(t *testing.T) {
	cfg := Config{PlannerWorkdays: []time.Weekday{time.Monday, time.Friday}}
	mon := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // Monday
	sat := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC) // Saturday
	assert.True(t, cfg.IsWorkday(mon))
	assert.False(t, cfg.IsWorkday(sat))
}
