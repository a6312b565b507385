// Steward is the data contracts agent: it listens in the team chat,
// drives contract discussions, chases blockers and plans its own work.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/daai/steward/pkg/agent"
	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/config"
	"github.com/daai/steward/pkg/dashboard"
	"github.com/daai/steward/pkg/listener"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/planner"
	"github.com/daai/steward/pkg/router"
	"github.com/daai/steward/pkg/scheduler"
	"github.com/daai/steward/pkg/store"
	"github.com/daai/steward/pkg/suggest"
	"github.com/daai/steward/pkg/tools"
	"github.com/daai/steward/pkg/version"
)

func main() {
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Data contracts agent for the team chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), discoverCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadEnvironment reads .env and env.local when present; a missing file
// is not an error.
func loadEnvironment(logger *slog.Logger) {
	for _, path := range []string{".env", "env.local"} {
		if err := godotenv.Load(path); err == nil {
			logger.Info("loaded environment file", "path", path)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent: listener, scheduler, planner and dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(parent context.Context) error {
	loadEnvironment(slog.Default())

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("steward starting", "version", version.Full(), "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Storage and prompts.
	st := store.New(cfg.DataDir, store.Options{
		MaxRetries:  cfg.WriteMaxRetries,
		BackoffBase: cfg.WriteBackoffBase,
		ThreadTTL:   cfg.ThreadTTL,
	})
	prompts := llm.NewPrompts(cfg.PromptsDir, logger)

	// 2. Model provider.
	model := llm.New(llm.Config{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		CheapModel: cfg.CheapModel,
		HeavyModel: cfg.HeavyModel,
		Timeout:    cfg.LLMTimeout,
	}, logger)

	// 3. Chat workspace.
	chatClient, err := chat.NewMattermost(ctx, chat.Config{
		ServerURL: cfg.MattermostURL,
		Token:     cfg.BotToken,
		ChannelID: cfg.ChannelID,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to chat: %w", err)
	}

	// 4. Suggestion engine and the tool executor.
	suggestEngine := suggest.New(st, chatClient, suggest.Config{
		CooldownDays:        cfg.SuggestionCooldownDays,
		DismissCooldownDays: cfg.SuggestionDismissCooldownDays,
		MaxPerDay:           cfg.SuggestionMaxPerDay,
	}, logger)
	executor := tools.NewExecutor(st, chatClient, model, suggestEngine, logger)

	// 5. Intent router and the agent core.
	rtr, err := router.New(cfg.IntentsPath, model, prompts, logger)
	if err != nil {
		return fmt.Errorf("loading intents: %w", err)
	}
	ag := agent.New(rtr, st, chatClient, model, prompts, executor, agent.Config{
		ThreadMaxMessages:   cfg.ThreadMaxMessages,
		ThreadMaxChars:      cfg.ThreadMaxChars,
		ReviewThresholdDays: cfg.GovernanceReviewThresholdDays,
	}, logger)

	// 6. Background loops.
	dispatcher := planner.NewDispatcher(st, chatClient, cfg.EscalationUser, logger)
	pl := planner.New(st, chatClient, model, prompts, suggestEngine, dispatcher, planner.Config{
		RunTime:                 cfg.PlannerRunTime,
		Workdays:                cfg.PlannerWorkdays,
		MaxActiveInitiatives:    cfg.PlannerMaxActiveInitiatives,
		MaxNewThreadsPerDay:     cfg.PlannerMaxNewThreadsPerDay,
		MaxMessagesPerDay:       cfg.PlannerMaxMessagesPerDay,
		MaxActionsPerInitiative: cfg.PlannerMaxActionsPerInitiative,
		Cooldown:                cfg.PlannerCooldown,
		WaitBeforeFollowup:      cfg.PlannerWaitBeforeFollowup,
		StaleInitiativeDays:     cfg.PlannerStaleInitiativeDays,
	}, logger)

	sched := scheduler.New(st, chatClient, model, prompts, suggestEngine, scheduler.Config{
		ReminderEvery:    cfg.ReminderCheckInterval,
		ReminderInterval: cfg.ReminderDefaultInterval,
		EscalationUser:   cfg.EscalationUser,
	}, logger)

	go sched.Run(ctx)
	go pl.Run(ctx)

	// 7. Dashboard (optional).
	var dash *dashboard.Server
	if cfg.DashboardAddr != "" {
		dash = dashboard.NewServer(st, logger)
		go func() {
			if err := dash.Start(cfg.DashboardAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("dashboard server error", "error", err)
			}
		}()
	}

	// 8. Event listener on the main goroutine. Blocks until shutdown.
	lst := listener.New(ag, chatClient, st, pl, listener.Config{
		DedupTTL:        cfg.DedupTTL,
		DedupMaxEntries: cfg.DedupMaxEntries,
	}, logger)

	logger.Info("steward started", "channel_id", cfg.ChannelID, "bot", chatClient.BotUsername())
	chatClient.Listen(ctx, func(ev chat.Event) {
		lst.HandleEvent(ctx, ev)
	})

	// 9. Graceful shutdown.
	logger.Info("shutting down")
	if dash != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dash.Shutdown(shutdownCtx); err != nil {
			logger.Error("dashboard shutdown error", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List teams and channels to fill the environment file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return discover(cmd)
		},
	}
}

func discover(cmd *cobra.Command) error {
	loadEnvironment(slog.Default())

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	chatClient, err := chat.NewMattermost(ctx, chat.Config{
		ServerURL: cfg.MattermostURL,
		Token:     cfg.BotToken,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to chat: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Logged in as @%s\n", chatClient.BotUsername())
	fmt.Fprintf(out, "  MATTERMOST_BOT_USER_ID=%s\n", chatClient.BotUserID())

	teams, err := chatClient.Teams(ctx)
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		fmt.Fprintln(out, "No teams found")
		return nil
	}

	for _, team := range teams {
		fmt.Fprintf(out, "\nChannels in %q (team id %s):\n", team.DisplayName, team.ID)
		channels, err := chatClient.ChannelsForTeam(ctx, team.ID)
		if err != nil {
			return err
		}
		sort.Slice(channels, func(i, j int) bool {
			if channels[i].Type != channels[j].Type {
				return channels[i].Type < channels[j].Type
			}
			return channels[i].DisplayName < channels[j].DisplayName
		})
		for _, ch := range channels {
			var label string
			switch ch.Type {
			case "O":
				label = "public"
			case "P":
				label = "private"
			default:
				// Direct and group channels are not useful here.
				continue
			}
			fmt.Fprintf(out, "  [%s] %s (%s)\n", ch.ID, ch.DisplayName, label)
		}
	}

	fmt.Fprintln(out, "\nAdd to env.local:")
	fmt.Fprintf(out, "  MATTERMOST_TEAM_ID=%s\n", teams[0].ID)
	fmt.Fprintln(out, "  DATA_CONTRACTS_CHANNEL_ID=<channel id from the list above>")
	return nil
}
