// Package planner is the autonomous planning cycle: once per workday it
// gathers the whole contract state, scores candidate initiatives, asks
// the heavy model to pick up to three actions and executes them under
// strict rate limits.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/daai/steward/pkg/analyzer"
	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/llm"
	"github.com/daai/steward/pkg/store"
	"github.com/daai/steward/pkg/suggest"
)

// CoverageSource lists uncovered metrics. Satisfied by *suggest.Engine.
type CoverageSource interface {
	CoverageCandidates() []suggest.Candidate
}

// HeavyCaller is the strategic model call used once per cycle.
type HeavyCaller interface {
	CallHeavy(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Config holds the planner knobs. Zero values fall back to the defaults.
type Config struct {
	// RunTime is "HH:MM" UTC, or "now" to plan on every tick.
	RunTime  string
	Workdays []time.Weekday

	MaxActiveInitiatives    int
	MaxNewThreadsPerDay     int
	MaxMessagesPerDay       int
	MaxActionsPerInitiative int

	Cooldown            time.Duration
	WaitBeforeFollowup  time.Duration
	StaleInitiativeDays int
}

func (c *Config) applyDefaults() {
	if c.RunTime == "" {
		c.RunTime = "09:00"
	}
	if len(c.Workdays) == 0 {
		c.Workdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	}
	if c.MaxActiveInitiatives <= 0 {
		c.MaxActiveInitiatives = 3
	}
	if c.MaxNewThreadsPerDay <= 0 {
		c.MaxNewThreadsPerDay = 2
	}
	if c.MaxMessagesPerDay <= 0 {
		c.MaxMessagesPerDay = 8
	}
	if c.MaxActionsPerInitiative <= 0 {
		c.MaxActionsPerInitiative = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 48 * time.Hour
	}
	if c.WaitBeforeFollowup <= 0 {
		c.WaitBeforeFollowup = 24 * time.Hour
	}
	if c.StaleInitiativeDays <= 0 {
		c.StaleInitiativeDays = 14
	}
}

func (c Config) isWorkday(t time.Time) bool {
	for _, d := range c.Workdays {
		if t.Weekday() == d {
			return true
		}
	}
	return false
}

// Planner drives the autonomous cycle and tracks initiatives.
type Planner struct {
	store      *store.Store
	chat       chat.Client
	llm        HeavyCaller
	prompts    *llm.Prompts
	coverage   CoverageSource
	dispatcher *Dispatcher
	cfg        Config
	logger     *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// New builds the planner. coverage may be nil to skip uncovered-metric
// candidates.
func New(st *store.Store, ch chat.Client, model HeavyCaller, prompts *llm.Prompts, coverage CoverageSource, dispatcher *Dispatcher, cfg Config, logger *slog.Logger) *Planner {
	cfg.applyDefaults()
	return &Planner{
		store:      st,
		chat:       ch,
		llm:        model,
		prompts:    prompts,
		coverage:   coverage,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "planner"),
		now:        time.Now,
	}
}

// Run ticks once a minute and fires the daily cycle when the scheduled
// time on a workday has been reached.
func (p *Planner) Run(ctx context.Context) {
	p.logger.Info("planner started", "run_time", p.cfg.RunTime, "workdays", fmt.Sprint(p.cfg.Workdays))

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("planner stopped")
			return
		case <-ticker.C:
			if p.shouldRun(p.now().UTC()) {
				p.RunCycle(ctx)
			}
		}
	}
}

// shouldRun reports whether a cycle is due: the configured time has
// passed on a workday and no cycle ran yet today. RunTime "now" always
// fires, for manual runs and tests.
func (p *Planner) shouldRun(now time.Time) bool {
	if p.cfg.RunTime == "now" {
		return true
	}
	if !p.cfg.isWorkday(now) {
		return false
	}

	hour, minute := 9, 0
	if h, m, found := strings.Cut(p.cfg.RunTime, ":"); found {
		fmt.Sscanf(h, "%d", &hour)
		fmt.Sscanf(m, "%d", &minute)
	}
	target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if now.Before(target) {
		return false
	}

	state := p.store.PlannerState()
	if state.LastPlanAt != "" {
		if last, err := time.Parse(time.RFC3339, state.LastPlanAt); err == nil {
			if last.UTC().Format(time.DateOnly) == now.Format(time.DateOnly) {
				return false
			}
		}
	}
	return true
}

// NotifyThreadActivity is called by the listener when someone replies in
// a tracked thread: the user is no longer awaited and a waiting
// initiative becomes active again.
func (p *Planner) NotifyThreadActivity(rootID, username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := p.store.PlannerState()
	now := p.now().UTC().Format(time.RFC3339)
	changed := false

	for _, init := range state.Initiatives {
		if init.ThreadID != rootID {
			continue
		}
		if init.Status != "active" && init.Status != "waiting_response" {
			continue
		}

		for i, waiting := range init.WaitingFor {
			if waiting == username {
				init.WaitingFor = append(init.WaitingFor[:i], init.WaitingFor[i+1:]...)
				break
			}
		}
		if init.Status == "waiting_response" {
			init.Status = "active"
		}
		init.LastExternalActivityAt = now
		init.UpdatedAt = now
		changed = true
	}

	if changed {
		if err := p.store.SavePlannerState(state); err != nil {
			p.logger.Error("failed to save planner state", "error", err)
			return
		}
		p.logger.Info("thread activity recorded", "username", username, "root_id", rootID)
	}
}

type gatheredState struct {
	contracts   []map[string]any
	queue       []map[string]any
	reminders   []store.Reminder
	conflicts   []analyzer.Conflict
	uncovered   []suggest.Candidate
	discussions map[string]map[string]any
}

// RunCycle executes one full planning pass: gather, housekeeping, score,
// plan, rate-limited execute, persist.
func (p *Planner) RunCycle(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("planning cycle started")
	now := p.now().UTC()

	gathered := p.gather()
	state := p.store.PlannerState()
	p.abandonStaleInitiatives(&state, now)

	candidates := p.score(gathered, state, now)
	if len(candidates) == 0 {
		p.logger.Info("no candidates to act on")
		p.finishCycle(state, now, 0, 0)
		return
	}

	actions := p.plan(ctx, candidates, gathered, state)
	if len(actions) == 0 {
		p.logger.Info("model selected no actions")
		p.finishCycle(state, now, len(candidates), 0)
		return
	}

	executed := 0
	today := now.Format(time.DateOnly)
	daily := state.DailyStats[today]

	for _, action := range actions {
		if !p.checkLimits(action, state, daily, now) {
			p.logger.Info("rate limit hit, skipping action", "type", action.Type, "contract_id", action.ContractID)
			continue
		}

		initiative := p.getOrCreateInitiative(action, &state, candidates, now)
		result := p.dispatcher.Execute(ctx, action, initiative)
		if result == nil {
			continue
		}

		initiative.ActionsTaken = append(initiative.ActionsTaken, result)
		initiative.UpdatedAt = now.Format(time.RFC3339)
		initiative.ActionsToday++

		if action.Type == "start_thread" {
			if postID, _ := result["post_id"].(string); postID != "" {
				initiative.ThreadID = postID
			}
			daily.ThreadsStarted++
		}
		if action.Type == "ask_question" || action.Type == "follow_up" {
			initiative.Status = "waiting_response"
			if target := strings.TrimPrefix(action.TargetUser, "@"); target != "" && !containsString(initiative.WaitingFor, target) {
				initiative.WaitingFor = append(initiative.WaitingFor, target)
			}
			initiative.NextActionAfter = now.Add(p.cfg.WaitBeforeFollowup).Format(time.RFC3339)
		}
		daily.MessagesSent++

		if action.Type == "propose_resolution" || action.Type == "follow_up" {
			key := action.Type + ":" + action.ContractID
			state.Cooldowns[key] = now.Add(p.cfg.Cooldown).Format(time.RFC3339)
		}

		executed++
		p.appendLog(map[string]any{
			"event":         "action_executed",
			"action":        action,
			"result":        result,
			"initiative_id": initiative.ID,
		})
	}

	state.DailyStats[today] = daily
	p.finishCycle(state, now, len(candidates), executed)
	p.logger.Info("planning cycle complete", "candidates", len(candidates), "actions", executed)
}

func (p *Planner) finishCycle(state store.PlannerState, now time.Time, candidates, actions int) {
	state.LastPlanAt = now.Format(time.RFC3339)
	if err := p.store.SavePlannerState(state); err != nil {
		p.logger.Error("failed to save planner state", "error", err)
	}
	p.appendLog(map[string]any{
		"event":      "cycle_complete",
		"candidates": candidates,
		"actions":    actions,
	})
}

func (p *Planner) appendLog(entry map[string]any) {
	if err := p.store.AppendPlannerLog(entry); err != nil {
		p.logger.Warn("failed to append planner log", "error", err)
	}
}

// gather collects all state needed for scoring and planning. No model
// calls here.
func (p *Planner) gather() gatheredState {
	g := gatheredState{
		contracts:   p.store.ListContracts(),
		queue:       p.store.Queue(),
		reminders:   p.store.Reminders(),
		conflicts:   analyzer.New(p.store).DetectConflicts(nil),
		discussions: map[string]map[string]any{},
	}
	if p.coverage != nil {
		g.uncovered = p.coverage.CoverageCandidates()
	}
	for _, c := range g.contracts {
		cid, _ := c["id"].(string)
		if cid == "" {
			continue
		}
		if disc, ok := p.store.Discussion(cid); ok {
			g.discussions[cid] = disc
		}
	}
	return g
}

// score builds and ranks candidates: uncovered metrics, conflicted
// contracts and reviews stuck for a week or longer.
func (p *Planner) score(g gatheredState, state store.PlannerState, now time.Time) []Candidate {
	var candidates []Candidate

	queuePriority := map[string]int{}
	for _, item := range g.queue {
		id, _ := item["id"].(string)
		if prio, ok := item["priority"].(float64); ok && id != "" {
			queuePriority[id] = int(prio)
		}
	}

	contractByID := map[string]map[string]any{}
	for _, c := range g.contracts {
		if id, _ := c["id"].(string); id != "" {
			contractByID[id] = c
		}
	}

	activeIDs := map[string]bool{}
	for _, init := range state.Initiatives {
		if init.Status == "active" || init.Status == "waiting_response" || init.Status == "planned" {
			activeIDs[init.ContractID] = true
		}
	}

	for _, uc := range g.uncovered {
		if activeIDs[uc.ContractID] {
			continue
		}
		depth := -1
		if uc.TreePath != "" {
			depth = strings.Count(uc.TreePath, "→")
		}
		score, breakdown := ComputePriorityScore(ScoreInput{
			TreeDepth:            depth,
			QueuePriority:        queuePriority[uc.ContractID],
			StakeholderAvailable: true,
		})
		candidates = append(candidates, Candidate{
			ContractID:   uc.ContractID,
			MetricName:   uc.MetricName,
			Score:        score,
			Breakdown:    breakdown,
			Type:         "new_contract",
			TreeDepth:    depth,
			Stakeholders: uc.Stakeholders,
		})
	}

	seenConflictContracts := map[string]bool{}
	for _, conflict := range g.conflicts {
		for _, cid := range conflict.Contracts {
			if seenConflictContracts[cid] {
				continue
			}
			seenConflictContracts[cid] = true

			if until, ok := state.Cooldowns["propose_resolution:"+cid]; ok {
				if t, err := time.Parse(time.RFC3339, until); err == nil && t.After(now) {
					continue
				}
			}

			name := cid
			if info, ok := contractByID[cid]; ok {
				if n, _ := info["name"].(string); n != "" {
					name = n
				}
			}
			score, breakdown := ComputePriorityScore(ScoreInput{
				TreeDepth:            -1,
				QueuePriority:        queuePriority[cid],
				StakeholderAvailable: true,
				HasConflicts:         true,
				InProgress:           activeIDs[cid],
			})
			candidates = append(candidates, Candidate{
				ContractID:  cid,
				MetricName:  name,
				Score:       score,
				Breakdown:   breakdown,
				Type:        "conflict_resolution",
				TreeDepth:   -1,
				ConflictIDs: []string{conflict.Type},
			})
		}
	}

	for _, c := range g.contracts {
		cid, _ := c["id"].(string)
		status, _ := c["status"].(string)
		if cid == "" || status != "in_review" || activeIDs[cid] {
			continue
		}

		updated, _ := c["updated_at"].(string)
		if updated == "" {
			updated, _ = c["created_at"].(string)
		}
		daysBlocked := 0.0
		if updated != "" {
			if dt, err := time.Parse(time.RFC3339, updated); err == nil {
				daysBlocked = now.Sub(dt).Hours() / 24
			}
		}
		if daysBlocked < 7 {
			continue
		}

		name := cid
		if n, _ := c["name"].(string); n != "" {
			name = n
		}
		score, breakdown := ComputePriorityScore(ScoreInput{
			TreeDepth:            -1,
			QueuePriority:        queuePriority[cid],
			DaysBlocked:          daysBlocked,
			StakeholderAvailable: true,
		})
		candidates = append(candidates, Candidate{
			ContractID: cid,
			MetricName: name,
			Score:      score,
			Breakdown:  breakdown,
			Type:       "stale_review",
			TreeDepth:  -1,
		})
	}

	return rankCandidates(candidates)
}

// plan asks the heavy model to select up to three actions from the top
// scored candidates.
func (p *Planner) plan(ctx context.Context, candidates []Candidate, g gatheredState, state store.PlannerState) []Action {
	top := candidates
	if len(top) > 10 {
		top = top[:10]
	}
	candidatesSummary := make([]map[string]any, 0, len(top))
	for _, c := range top {
		stakeholders := c.Stakeholders
		if stakeholders == nil {
			stakeholders = []string{}
		}
		candidatesSummary = append(candidatesSummary, map[string]any{
			"contract_id":  c.ContractID,
			"metric_name":  c.MetricName,
			"type":         c.Type,
			"score":        c.Score,
			"stakeholders": stakeholders,
		})
	}

	activeInitiatives := []map[string]any{}
	for _, init := range state.Initiatives {
		if init.Status != "active" && init.Status != "waiting_response" && init.Status != "planned" {
			continue
		}
		waiting := init.WaitingFor
		if waiting == nil {
			waiting = []string{}
		}
		activeInitiatives = append(activeInitiatives, map[string]any{
			"id":            init.ID,
			"contract_id":   init.ContractID,
			"status":        init.Status,
			"waiting_for":   waiting,
			"actions_today": init.ActionsToday,
		})
	}

	conflicts := g.conflicts
	if len(conflicts) > 10 {
		conflicts = conflicts[:10]
	}
	conflictsSummary := make([]map[string]any, 0, len(conflicts))
	for _, c := range conflicts {
		conflictsSummary = append(conflictsSummary, map[string]any{
			"type":      c.Type,
			"severity":  c.Severity,
			"title":     c.Title,
			"contracts": c.Contracts,
		})
	}

	payload, err := json.MarshalIndent(map[string]any{
		"candidates":         candidatesSummary,
		"active_initiatives": activeInitiatives,
		"conflicts":          conflictsSummary,
		"total_contracts":    len(g.contracts),
		"uncovered_metrics":  len(g.uncovered),
		"pending_reminders":  len(g.reminders),
	}, "", "  ")
	if err != nil {
		p.logger.Error("failed to build planner payload", "error", err)
		return nil
	}

	response, err := p.llm.CallHeavy(ctx, p.prompts.Prompt("planner_system.md"), string(payload))
	if err != nil {
		p.logger.Error("planner model call failed", "error", err)
		return nil
	}

	analysis, actions, err := parsePlanJSON(response)
	if err != nil {
		p.logger.Warn("failed to parse planner response", "error", err, "response", truncate(response, 200))
		return nil
	}
	if analysis != "" {
		p.logger.Info("planner analysis", "analysis", analysis)
	}
	if len(actions) > 3 {
		actions = actions[:3]
	}
	return actions
}

// parsePlanJSON tolerates fenced code blocks and minor JSON defects in
// the model's answer.
func parsePlanJSON(raw string) (string, []Action, error) {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "```") {
		var kept []string
		for _, line := range strings.Split(t, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		t = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	var result struct {
		Analysis string   `json:"analysis"`
		Actions  []Action `json:"actions"`
	}
	if err := json.Unmarshal([]byte(t), &result); err == nil {
		return result.Analysis, result.Actions, nil
	}

	if i, j := strings.Index(t, "{"), strings.LastIndex(t, "}"); i >= 0 && j > i {
		t = t[i : j+1]
	}
	if err := json.Unmarshal([]byte(t), &result); err == nil {
		return result.Analysis, result.Actions, nil
	}

	repaired, err := jsonrepair.JSONRepair(t)
	if err != nil {
		return "", nil, fmt.Errorf("repairing plan json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return "", nil, fmt.Errorf("parsing repaired plan json: %w", err)
	}
	return result.Analysis, result.Actions, nil
}

// checkLimits enforces the rate limits before an action may run.
func (p *Planner) checkLimits(action Action, state store.PlannerState, daily store.DailyStats, now time.Time) bool {
	if daily.MessagesSent >= p.cfg.MaxMessagesPerDay {
		return false
	}

	if action.Type == "start_thread" {
		if daily.ThreadsStarted >= p.cfg.MaxNewThreadsPerDay {
			return false
		}
		active := 0
		for _, init := range state.Initiatives {
			if init.Status == "active" || init.Status == "waiting_response" || init.Status == "planned" {
				active++
			}
		}
		if active >= p.cfg.MaxActiveInitiatives {
			return false
		}
	}

	if until, ok := state.Cooldowns[action.Type+":"+action.ContractID]; ok {
		if t, err := time.Parse(time.RFC3339, until); err == nil && t.After(now) {
			return false
		}
	}

	for _, init := range state.Initiatives {
		if init.ContractID != action.ContractID {
			continue
		}
		if init.ActionsToday >= p.cfg.MaxActionsPerInitiative {
			return false
		}
		if action.Type == "follow_up" && init.NextActionAfter != "" {
			if t, err := time.Parse(time.RFC3339, init.NextActionAfter); err == nil && t.After(now) {
				return false
			}
		}
	}

	return true
}

// getOrCreateInitiative finds the live initiative for a contract or
// creates one seeded from the matching candidate.
func (p *Planner) getOrCreateInitiative(action Action, state *store.PlannerState, candidates []Candidate, now time.Time) *store.Initiative {
	for _, init := range state.Initiatives {
		if init.ContractID == action.ContractID && init.Status != "completed" && init.Status != "abandoned" {
			return init
		}
	}

	candidateType := "new_contract"
	score := 0.0
	var stakeholders []string
	for _, c := range candidates {
		if c.ContractID == action.ContractID {
			candidateType = c.Type
			score = c.Score
			stakeholders = c.Stakeholders
			break
		}
	}

	today := now.Format("20060102")
	existingToday := 0
	for _, init := range state.Initiatives {
		if strings.HasPrefix(init.ID, "init_"+today) {
			existingToday++
		}
	}

	ts := now.Format(time.RFC3339)
	initiative := &store.Initiative{
		ID:            fmt.Sprintf("init_%s_%03d", today, existingToday+1),
		Type:          candidateType,
		ContractID:    action.ContractID,
		PriorityScore: score,
		Status:        "active",
		CreatedAt:     ts,
		UpdatedAt:     ts,
		Stakeholders:  stakeholders,
		WaitingFor:    []string{},
		ActionsTaken:  []map[string]any{},
	}
	state.Initiatives = append(state.Initiatives, initiative)
	return initiative
}

// abandonStaleInitiatives closes initiatives with no progress for the
// configured number of days and resets the per-day action counters.
func (p *Planner) abandonStaleInitiatives(state *store.PlannerState, now time.Time) {
	stale := time.Duration(p.cfg.StaleInitiativeDays) * 24 * time.Hour
	for _, init := range state.Initiatives {
		if init.Status == "completed" || init.Status == "abandoned" {
			continue
		}
		updated := init.UpdatedAt
		if updated == "" {
			updated = init.CreatedAt
		}
		if updated == "" {
			continue
		}
		if dt, err := time.Parse(time.RFC3339, updated); err == nil && now.Sub(dt) >= stale {
			init.Status = "abandoned"
			init.UpdatedAt = now.Format(time.RFC3339)
			p.logger.Info("abandoned stale initiative", "initiative_id", init.ID)
		}
	}
	for _, init := range state.Initiatives {
		init.ActionsToday = 0
	}
}

func containsString(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
