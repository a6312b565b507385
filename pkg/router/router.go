// Package router classifies inbound chat messages into intents. Simple
// command-shaped messages are matched locally against a regex table from
// configs/intents.yaml; everything else goes through the cheap LLM with
// the router prompt.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"gopkg.in/yaml.v3"
)

// Route is the classification result driving the agent.
type Route struct {
	Type      string   `json:"type"`
	Entity    string   `json:"entity"`
	LoadFiles []string `json:"load_files"`
	Model     string   `json:"model"`
}

// CheapTypes always run on the cheap model, HeavyTypes always on the
// heavy one, regardless of what the LLM router answered.
var (
	CheapTypes = map[string]bool{
		"contract_request": true,
		"status_request":   true,
		"irrelevant":       true,
	}
	HeavyTypes = map[string]bool{
		"contract_discussion": true,
		"problem_report":      true,
		"new_contract_init":   true,
		"general_question":    true,
		"profile_intro":       true,
	}
)

// CheapCaller is the slice of the LLM client the router needs.
type CheapCaller interface {
	CallCheap(ctx context.Context, systemPrompt, userInput string) (string, error)
}

// PromptSource resolves prompt templates by file name.
type PromptSource interface {
	Prompt(name string) string
}

type intentRule struct {
	Type        string   `yaml:"type"`
	Pattern     string   `yaml:"pattern"`
	Entity      string   `yaml:"entity"`
	LowerEntity bool     `yaml:"lower_entity"`
	LoadFiles   []string `yaml:"load_files"`
}

type compiledRule struct {
	intentRule
	re *regexp.Regexp
}

// Router matches fast-path intents and falls back to the cheap model.
type Router struct {
	rules   []compiledRule
	llm     CheapCaller
	prompts PromptSource
	logger  *slog.Logger
}

// New loads the intent table from intentsPath and builds a router.
func New(intentsPath string, llm CheapCaller, prompts PromptSource, logger *slog.Logger) (*Router, error) {
	data, err := os.ReadFile(intentsPath)
	if err != nil {
		return nil, fmt.Errorf("reading intent table: %w", err)
	}
	var doc struct {
		Intents []intentRule `yaml:"intents"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing intent table: %w", err)
	}

	rules := make([]compiledRule, 0, len(doc.Intents))
	for _, r := range doc.Intents {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("intent %q: bad pattern: %w", r.Type, err)
		}
		rules = append(rules, compiledRule{intentRule: r, re: re})
	}
	return &Router{
		rules:   rules,
		llm:     llm,
		prompts: prompts,
		logger:  logger.With("component", "router"),
	}, nil
}

var (
	approveRe       = regexp.MustCompile(`(?i)(?:согласую|одобряю|approve)\s+(?:контракт\s+)?([a-z0-9_\-]+)\b`)
	startApprovalRe = regexp.MustCompile(`(?i)(?:запусти|начни)\s+согласован(?:ие|ия)\s+([a-z0-9_\-]+)\b`)
	trailingIDRe    = regexp.MustCompile(`(?i)\b([a-z0-9_\-]{3,})\b\s*$`)
	dataLeadRe      = regexp.MustCompile(`(?i)\bdata\s*lead\b\s*[—\-:]\s*@(.+)$`)
	circleLeadRe    = regexp.MustCompile(`(?i)\bcircle\s*lead\b\s*[—\-:]\s*@(.+)$`)
)

var finalizeKeywords = []string{
	"зафиксир",
	"сохрани",
	"сохранить",
	"финальная версия",
	"опубликуй финальную",
	"опубликовать финальную",
}

// Words a trailing-id heuristic must never treat as a contract id.
var finalizeStopIDs = map[string]bool{
	"контракт": true, "версия": true, "финальная": true,
	"сохрани": true, "зафиксируй": true,
}

// Route classifies message. threadContext may be empty.
func (r *Router) Route(ctx context.Context, username, message, channelType, threadContext string) Route {
	if route, ok := r.matchTable(message); ok {
		r.logger.Info("fast-path intent", "type", route.Type, "entity", route.Entity)
		return route
	}
	if route, ok := r.matchSpecial(message); ok {
		r.logger.Info("fast-path intent", "type", route.Type, "entity", route.Entity)
		return route
	}

	route := r.routeLLM(ctx, username, message, channelType, threadContext)
	r.logger.Info("routed", "type", route.Type, "entity", route.Entity, "model", route.Model)
	return route
}

func (r *Router) matchTable(message string) (Route, bool) {
	for _, rule := range r.rules {
		m := rule.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		entity := rule.Entity
		for i := len(m) - 1; i >= 1; i-- {
			entity = strings.ReplaceAll(entity, fmt.Sprintf("$%d", i), m[i])
		}
		if rule.LowerEntity {
			entity = strings.ToLower(entity)
		}
		return Route{
			Type:      rule.Type,
			Entity:    entity,
			LoadFiles: append([]string(nil), rule.LoadFiles...),
			Model:     "cheap",
		}, true
	}
	return Route{}, false
}

func (r *Router) matchSpecial(message string) (Route, bool) {
	if m := approveRe.FindStringSubmatch(message); m != nil {
		cid := strings.ToLower(m[1])
		return Route{
			Type:   "contract_discussion",
			Entity: cid,
			LoadFiles: []string{
				"drafts/" + cid + "_discussion.json",
				"contracts/" + cid + ".md",
				"drafts/" + cid + ".md",
			},
			Model: "heavy",
		}, true
	}

	if m := startApprovalRe.FindStringSubmatch(message); m != nil {
		cid := strings.ToLower(m[1])
		return Route{
			Type:   "contract_discussion",
			Entity: cid,
			LoadFiles: []string{
				"drafts/" + cid + "_discussion.json",
				"drafts/" + cid + ".md",
				"contracts/" + cid + ".md",
				"context/governance.json",
			},
			Model: "heavy",
		}, true
	}

	// Explicit save/finalize requests route to a discussion so write
	// side-effects are allowed. The contract id is expected at the end
	// of the message.
	low := strings.ToLower(message)
	for _, kw := range finalizeKeywords {
		if !strings.Contains(low, kw) {
			continue
		}
		if m := trailingIDRe.FindStringSubmatch(strings.TrimSpace(message)); m != nil {
			cid := strings.ToLower(m[1])
			if !finalizeStopIDs[cid] {
				return Route{
					Type:   "contract_discussion",
					Entity: cid,
					LoadFiles: []string{
						"contracts/index.json",
						"drafts/" + cid + ".md",
						"drafts/" + cid + "_discussion.json",
					},
					Model: "heavy",
				}, true
			}
		}
		break
	}

	// Role assignment lines: "Data Lead — @pavel", "Circle Lead - @nikita".
	// Display names after @ may be multi-word cyrillic.
	var assignments []string
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := dataLeadRe.FindStringSubmatch(line); m != nil {
			assignments = append(assignments, "data_lead:"+strings.ToLower(strings.TrimSpace(m[1])))
			continue
		}
		if m := circleLeadRe.FindStringSubmatch(line); m != nil {
			assignments = append(assignments, "circle_lead:"+strings.ToLower(strings.TrimSpace(m[1])))
		}
	}
	if len(assignments) > 0 {
		return Route{
			Type:      "roles_assign",
			Entity:    strings.Join(assignments, ","),
			LoadFiles: []string{"tasks/roles.json", "context/roles.json"},
			Model:     "cheap",
		}, true
	}

	return Route{}, false
}

func (r *Router) routeLLM(ctx context.Context, username, message, channelType, threadContext string) Route {
	system := r.prompts.Prompt("router.md")

	userInput := fmt.Sprintf("Сообщение от @%s в %s:\n%q\n", username, channelType, message)
	if threadContext != "" {
		userInput += "\nКонтекст треда:\n" + threadContext + "\n"
	}

	route := Route{Type: "general_question", LoadFiles: []string{}, Model: "heavy"}
	raw, err := r.llm.CallCheap(ctx, system, userInput)
	if err != nil {
		r.logger.Warn("llm router call failed", "error", err)
	} else if parsed, perr := parseRouteJSON(raw); perr != nil {
		r.logger.Warn("llm router returned unparseable json", "error", perr, "raw", truncate(raw, 200))
	} else {
		route = parsed
	}

	if route.Type == "" {
		route.Type = "general_question"
	}
	if route.Model == "" {
		route.Model = "heavy"
	}
	if route.LoadFiles == nil {
		route.LoadFiles = []string{}
	}
	if CheapTypes[route.Type] {
		route.Model = "cheap"
	} else if HeavyTypes[route.Type] {
		route.Model = "heavy"
	}

	if route.Type == "new_contract_init" {
		route.LoadFiles = []string{"context/company.md", "context/metrics_tree.md"}
		if route.Entity != "" && !isASCIIString(route.Entity) {
			route.Entity = Slugify(route.Entity)
		}
	}
	return route
}

// parseRouteJSON tolerates fenced code blocks, leading/trailing prose and
// minor JSON defects in the cheap model's answer.
func parseRouteJSON(raw string) (Route, error) {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "```") {
		lines := strings.Split(t, "\n")
		if len(lines) > 1 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			lines = lines[1 : len(lines)-1]
		} else {
			lines = lines[1:]
		}
		t = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	var route Route
	if err := json.Unmarshal([]byte(t), &route); err == nil {
		return route, nil
	}

	if i, j := strings.Index(t, "{"), strings.LastIndex(t, "}"); i >= 0 && j > i {
		t = t[i : j+1]
	}
	if err := json.Unmarshal([]byte(t), &route); err == nil {
		return route, nil
	}

	repaired, err := jsonrepair.JSONRepair(t)
	if err != nil {
		return Route{}, fmt.Errorf("repairing router json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &route); err != nil {
		return Route{}, fmt.Errorf("parsing repaired router json: %w", err)
	}
	return route, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func isASCIIString(s string) bool {
	for _, ch := range s {
		if ch >= 128 {
			return false
		}
	}
	return true
}
