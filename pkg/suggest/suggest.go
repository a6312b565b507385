// Package suggest proactively proposes the next data contracts to agree
// on: after an agreement it looks at nearby metrics in the tree, and the
// periodic coverage scan surfaces marked but still unagreed metrics.
package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/daai/steward/pkg/chat"
	"github.com/daai/steward/pkg/metricstree"
	"github.com/daai/steward/pkg/router"
	"github.com/daai/steward/pkg/store"
)

// Config holds the suggestion knobs. Zero values fall back to the defaults.
type Config struct {
	// CooldownDays blocks re-suggesting a contract after a suggestion.
	CooldownDays int
	// DismissCooldownDays blocks a contract the team dismissed.
	DismissCooldownDays int
	// MaxPerDay caps suggestion posts per UTC day.
	MaxPerDay int
}

func (c *Config) applyDefaults() {
	if c.CooldownDays <= 0 {
		c.CooldownDays = 14
	}
	if c.DismissCooldownDays <= 0 {
		c.DismissCooldownDays = 30
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = 1
	}
}

// Candidate is one proposed contract.
type Candidate struct {
	ContractID   string
	MetricName   string
	TreePath     string
	Priority     int // queue priority, 0 when not queued
	Reason       string
	Stakeholders []string
	RelatedTo    string
}

// Notifier posts suggestion messages. Satisfied by chat.Client.
type Notifier interface {
	SendToChannel(ctx context.Context, message, rootID string) (chat.Post, error)
}

// Engine computes and publishes contract suggestions.
type Engine struct {
	store  *store.Store
	chat   Notifier
	cfg    Config
	logger *slog.Logger

	now func() time.Time
}

// New builds a suggestion engine. chat may be nil for read-only use.
func New(st *store.Store, ch Notifier, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:  st,
		chat:   ch,
		cfg:    cfg,
		logger: logger.With("component", "suggest"),
		now:    time.Now,
	}
}

// statuses that make a contract already covered.
var activeStatuses = map[string]bool{
	"draft": true, "in_review": true, "approved": true, "active": true, "agreed": true,
}

var circleKeywords = map[string][]string{
	"Sales":            {"WIN", "NI", "pipeline", "conversion", "sales", "acquisition", "новых клиентов"},
	"Product":          {"MAU", "activation", "feature", "adoption", "product", "onboarding"},
	"Customer Success": {"Churn", "Retention", "NPS", "CSAT", "REC", "renewal"},
	"Analytics & Data": {"data", "quality", "metric", "analytics", "reporting"},
	"Engineering":      {"uptime", "deployment", "infrastructure", "SLA", "error rate", "load time"},
}

var mentionRe = regexp.MustCompile(`@(\S+)`)

// parseCircles reads context/circles.md into {circle name: username}.
// A circle is a "## Name" heading followed by an "Ответственный: @user" line.
func parseCircles(circlesMD string) map[string]string {
	leads := map[string]string{}
	current := ""
	for _, line := range strings.Split(circlesMD, "\n") {
		if strings.HasPrefix(line, "## ") {
			current = strings.TrimSpace(line[3:])
			continue
		}
		if current == "" || !strings.Contains(line, "Ответственный:") {
			continue
		}
		if m := mentionRe.FindStringSubmatch(line); m != nil {
			leads[current] = m[1]
		}
	}
	return leads
}

// resolveStakeholders matches a metric name against circle keywords and
// returns the responsible circle leads.
func resolveStakeholders(metricName, circlesMD string) []string {
	leads := parseCircles(circlesMD)
	if len(leads) == 0 {
		return nil
	}

	nameLower := strings.ToLower(metricName)
	var matched []string
	circles := make([]string, 0, len(circleKeywords))
	for circle := range circleKeywords {
		circles = append(circles, circle)
	}
	sort.Strings(circles)

	for _, circle := range circles {
		for _, kw := range circleKeywords[circle] {
			if !strings.Contains(nameLower, strings.ToLower(kw)) {
				continue
			}
			if lead := leads[circle]; lead != "" && !contains(matched, lead) {
				matched = append(matched, lead)
			}
			break
		}
	}
	return matched
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}

// AfterAgreement publishes a follow-up suggestion once a contract has
// been agreed. Best-effort, respects the daily cap and cooldowns.
func (e *Engine) AfterAgreement(ctx context.Context, contractID string) {
	if e.chat == nil || !e.CanSuggestToday() {
		return
	}
	candidates := e.FilterAlreadySuggested(e.NearbyCandidates(contractID))
	if len(candidates) == 0 {
		return
	}
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}

	var message string
	if len(candidates) > 1 {
		message = FormatPoll(candidates)
	} else {
		message = FormatSuggestion(candidates)
	}
	if message == "" {
		return
	}

	post, err := e.chat.SendToChannel(ctx, message, "")
	if err != nil {
		e.logger.Warn("failed to publish suggestion", "contract_id", contractID, "error", err)
		return
	}
	e.RecordSuggestions(candidates, "agreed:"+contractID, post.ID)
	e.logger.Info("suggested next contracts", "after", contractID, "count", len(candidates))
}

// CoverageScan publishes the uncovered-metrics overview. Satisfies the
// scheduler's periodic coverage job.
func (e *Engine) CoverageScan(ctx context.Context) {
	if e.chat == nil {
		return
	}
	if !e.CanSuggestToday() {
		e.logger.Info("coverage scan skipped, daily cap reached")
		return
	}

	candidates := e.FilterAlreadySuggested(e.CoverageCandidates())
	if len(candidates) == 0 {
		e.logger.Info("coverage scan found no new candidates")
		return
	}

	shown := candidates
	if len(shown) > 5 {
		shown = shown[:5]
	}
	message := FormatCoverage(shown)
	post, err := e.chat.SendToChannel(ctx, message, "")
	if err != nil {
		e.logger.Error("failed to publish coverage report", "error", err)
		return
	}

	recorded := candidates
	if len(recorded) > 2 {
		recorded = recorded[:2]
	}
	e.RecordSuggestions(recorded, "coverage_scan", post.ID)
	e.logger.Info("coverage scan published", "candidates", len(shown))
}

// NearbyCandidates collects uncovered metrics adjacent to an agreed node:
// its siblings, their children and its cousins.
func (e *Engine) NearbyCandidates(agreedID string) []Candidate {
	treeMD, _ := e.store.ReadFile("context/metrics_tree.md")
	root := metricstree.Parse(treeMD)
	if root == nil {
		return nil
	}
	node := metricstree.FindNode(root, agreedID)
	if node == nil {
		return nil
	}

	var nearby []*metricstree.Node
	for _, sib := range metricstree.Siblings(node) {
		if sib.HasContractMarker && !sib.IsAgreed {
			nearby = append(nearby, sib)
		}
		for _, child := range sib.Children {
			if child.HasContractMarker && !child.IsAgreed {
				nearby = append(nearby, child)
			}
		}
	}
	if node.Parent != nil {
		for _, uncle := range metricstree.Siblings(node.Parent) {
			for _, child := range uncle.Children {
				if child.HasContractMarker && !child.IsAgreed {
					nearby = append(nearby, child)
				}
			}
		}
	}
	if len(nearby) == 0 {
		return nil
	}

	circlesMD, _ := e.store.ReadFile("context/circles.md")
	queuePriority := e.queuePriorities()

	var candidates []Candidate
	seen := map[string]bool{}
	for _, tn := range nearby {
		cid := router.Slugify(tn.ShortName)
		if cid == "" || seen[cid] {
			continue
		}
		seen[cid] = true
		candidates = append(candidates, Candidate{
			ContractID:   cid,
			MetricName:   tn.ShortName,
			TreePath:     metricstree.PathToRoot(tn),
			Priority:     queuePriority[cid],
			Reason:       fmt.Sprintf("Связан с только что согласованным контрактом %s", agreedID),
			Stakeholders: resolveStakeholders(tn.ShortName, circlesMD),
			RelatedTo:    agreedID,
		})
	}

	sortCandidates(candidates)
	if len(candidates) > 2 {
		candidates = candidates[:2]
	}
	return candidates
}

// CoverageCandidates lists every metric marked for a contract that has no
// active index entry yet.
func (e *Engine) CoverageCandidates() []Candidate {
	treeMD, _ := e.store.ReadFile("context/metrics_tree.md")
	root := metricstree.Parse(treeMD)
	if root == nil {
		return nil
	}
	uncovered := metricstree.Uncovered(root)
	if len(uncovered) == 0 {
		return nil
	}

	activeIDs := e.activeIndexIDs()
	circlesMD, _ := e.store.ReadFile("context/circles.md")
	queuePriority := e.queuePriorities()

	var candidates []Candidate
	for _, tn := range uncovered {
		cid := router.Slugify(tn.ShortName)
		if cid == "" || activeIDs[cid] {
			continue
		}
		candidates = append(candidates, Candidate{
			ContractID:   cid,
			MetricName:   tn.ShortName,
			TreePath:     metricstree.PathToRoot(tn),
			Priority:     queuePriority[cid],
			Reason:       "Метрика отмечена для контракта, но ещё не согласована",
			Stakeholders: resolveStakeholders(tn.ShortName, circlesMD),
		})
	}

	sortCandidates(candidates)
	return candidates
}

// FilterAlreadySuggested applies the triple dedup: active index entries,
// the recent-suggestion cooldown and the longer dismissal cooldown.
func (e *Engine) FilterAlreadySuggested(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}

	activeIDs := e.activeIndexIDs()
	now := e.now().UTC()
	recentIDs := map[string]bool{}
	dismissedIDs := map[string]bool{}

	for _, s := range e.store.Suggestions() {
		cid, _ := s["contract_id"].(string)
		status, _ := s["status"].(string)
		suggestedAt, _ := s["suggested_at"].(string)
		dt, err := time.Parse(time.RFC3339, suggestedAt)
		if err != nil {
			continue
		}
		switch status {
		case "dismissed":
			if now.Sub(dt) < time.Duration(e.cfg.DismissCooldownDays)*24*time.Hour {
				dismissedIDs[cid] = true
			}
		case "suggested", "accepted":
			if now.Sub(dt) < time.Duration(e.cfg.CooldownDays)*24*time.Hour {
				recentIDs[cid] = true
			}
		}
	}

	var result []Candidate
	for _, c := range candidates {
		if activeIDs[c.ContractID] || recentIDs[c.ContractID] || dismissedIDs[c.ContractID] {
			continue
		}
		result = append(result, c)
	}
	return result
}

// CanSuggestToday reports whether the daily suggestion cap still allows a
// post today (UTC).
func (e *Engine) CanSuggestToday() bool {
	today := e.now().UTC().Format(time.DateOnly)
	count := 0
	for _, s := range e.store.Suggestions() {
		if suggestedAt, _ := s["suggested_at"].(string); strings.HasPrefix(suggestedAt, today) {
			count++
		}
	}
	return count < e.cfg.MaxPerDay
}

// RecordSuggestions appends suggestion records to tasks/suggestions.json
// with sequential sug_YYYYMMDD_NNN ids.
func (e *Engine) RecordSuggestions(candidates []Candidate, trigger, threadID string) {
	suggestions := e.store.Suggestions()
	now := e.now().UTC()
	today := now.Format("20060102")

	existingToday := 0
	for _, s := range suggestions {
		if id, _ := s["id"].(string); strings.HasPrefix(id, "sug_"+today) {
			existingToday++
		}
	}

	for i, c := range candidates {
		suggestions = append(suggestions, map[string]any{
			"id":                fmt.Sprintf("sug_%s_%03d", today, existingToday+i+1),
			"contract_id":       c.ContractID,
			"metric_name":       c.MetricName,
			"trigger":           trigger,
			"suggested_at":      now.Format(time.RFC3339),
			"thread_id":         threadID,
			"status":            "suggested",
			"status_updated_at": now.Format(time.RFC3339),
		})
	}

	if err := e.store.SaveSuggestions(suggestions); err != nil {
		e.logger.Error("failed to save suggestions", "error", err)
	}
}

func (e *Engine) activeIndexIDs() map[string]bool {
	ids := map[string]bool{}
	for _, c := range e.store.ListContracts() {
		status, _ := c["status"].(string)
		if !activeStatuses[status] {
			continue
		}
		if id, _ := c["id"].(string); id != "" {
			ids[strings.ToLower(id)] = true
		}
	}
	return ids
}

func (e *Engine) queuePriorities() map[string]int {
	priorities := map[string]int{}
	for _, item := range e.store.Queue() {
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		if p, ok := item["priority"].(float64); ok {
			priorities[id] = int(p)
		}
	}
	return priorities
}

// sortCandidates orders by queue priority (lower number first, unqueued
// last), then by tree depth (shallower first).
func sortCandidates(candidates []Candidate) {
	key := func(c Candidate) (int, int) {
		p := c.Priority
		if p == 0 {
			p = 999
		}
		return p, strings.Count(c.TreePath, "→")
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, di := key(candidates[i])
		pj, dj := key(candidates[j])
		if pi != pj {
			return pi < pj
		}
		return di < dj
	})
}

// FormatSuggestion renders one or more candidates as a channel message.
func FormatSuggestion(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	var parts []string
	for _, c := range candidates {
		stakeholders := "—"
		if len(c.Stakeholders) > 0 {
			mentions := make([]string, len(c.Stakeholders))
			for i, s := range c.Stakeholders {
				mentions[i] = "@" + s
			}
			stakeholders = strings.Join(mentions, ", ")
		}
		parts = append(parts, fmt.Sprintf(
			":dart: **Предложение: следующий Data Contract**\n\n"+
				"**%s** (`%s`)\n\n"+
				"Почему сейчас: %s\n"+
				"Путь: %s\n"+
				"Ответственные: %s\n\n"+
				"> Хотите начать? Ответьте здесь или: `начни контракт %s`",
			c.MetricName, c.ContractID, c.Reason, c.TreePath, stakeholders, c.ContractID))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// FormatPoll renders candidates as a Matterpoll slash command.
func FormatPoll(candidates []Candidate) string {
	options := make([]string, len(candidates))
	for i, c := range candidates {
		options[i] = fmt.Sprintf("%q", c.MetricName)
	}
	return fmt.Sprintf(`/poll "Какой контракт согласуем следующим?" %s`, strings.Join(options, " "))
}

// FormatCoverage renders the coverage scan results.
func FormatCoverage(candidates []Candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	lines := []string{":bar_chart: **Обзор покрытия метрик контрактами**\n"}
	lines = append(lines, fmt.Sprintf("Найдено %d метрик без согласованного контракта:\n", len(candidates)))
	for i, c := range candidates {
		priority := ""
		if c.Priority > 0 {
			priority = fmt.Sprintf(" (приоритет %d)", c.Priority)
		}
		lines = append(lines, fmt.Sprintf("%d. **%s**%s — %s", i+1, c.MetricName, priority, c.TreePath))
		if len(c.Stakeholders) > 0 {
			mentions := make([]string, len(c.Stakeholders))
			for j, s := range c.Stakeholders {
				mentions[j] = "@" + s
			}
			lines = append(lines, "   Ответственные: "+strings.Join(mentions, ", "))
		}
	}
	lines = append(lines, "\n> Хотите начать с какого-то? Напишите: `начни контракт <id>`")
	return strings.Join(lines, "\n")
}
