// Package dashboard is the read-only JSON API for monitoring the agent:
// contract inventory, metrics tree coverage, conflicts, planner
// initiatives and the recent activity feed.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/daai/steward/pkg/analyzer"
	"github.com/daai/steward/pkg/metricstree"
	"github.com/daai/steward/pkg/store"
)

const activityLimit = 50

// Server serves the dashboard API.
type Server struct {
	store  *store.Store
	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the dashboard with its routes registered.
func NewServer(st *store.Store, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		store:  st,
		logger: logger.With("component", "dashboard"),
		engine: engine,
	}

	engine.GET("/healthz", s.Health)
	api := engine.Group("/api")
	{
		api.GET("/overview", s.Overview)
		api.GET("/contracts", s.Contracts)
		api.GET("/contracts/:id", s.ContractDetail)
		api.GET("/tree", s.Tree)
		api.GET("/conflicts", s.Conflicts)
		api.GET("/planner", s.Planner)
		api.GET("/scheduler", s.Scheduler)
		api.GET("/reminders", s.Reminders)
		api.GET("/activity", s.Activity)
		api.GET("/participants", s.Participants)
	}
	return s
}

// Handler exposes the router, used by tests and embedding servers.
func (s *Server) Handler() http.Handler { return s.engine }

// Start runs the HTTP server until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("dashboard listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Health handles GET /healthz.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Overview handles GET /api/overview.
func (s *Server) Overview(c *gin.Context) {
	contracts := s.store.ListContracts()
	byStatus := map[string]int{}
	for _, contract := range contracts {
		status, _ := contract["status"].(string)
		if status == "" {
			status = "unknown"
		}
		byStatus[status]++
	}

	activeInitiatives := 0
	for _, init := range s.store.PlannerState().Initiatives {
		if init.Status == "active" || init.Status == "waiting_response" || init.Status == "planned" {
			activeInitiatives++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_contracts":    len(contracts),
		"by_status":          byStatus,
		"active_conflicts":   len(s.detectConflicts()),
		"active_initiatives": activeInitiatives,
		"tree_coverage":      s.treeCoverage(),
	})
}

// Contracts handles GET /api/contracts.
func (s *Server) Contracts(c *gin.Context) {
	contracts := s.store.ListContracts()
	if contracts == nil {
		contracts = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts})
}

// ContractDetail handles GET /api/contracts/:id, falling back to the
// draft when no agreed version exists.
func (s *Server) ContractDetail(c *gin.Context) {
	id := c.Param("id")
	content, ok := s.store.Contract(id)
	if !ok {
		content, ok = s.store.Draft(id)
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "markdown": content})
}

// Tree handles GET /api/tree.
func (s *Server) Tree(c *gin.Context) {
	treeMD, _ := s.store.ReadFile("context/metrics_tree.md")
	root := metricstree.Parse(treeMD)
	if root == nil {
		c.JSON(http.StatusOK, gin.H{"tree": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree": serializeNode(root)})
}

// Conflicts handles GET /api/conflicts.
func (s *Server) Conflicts(c *gin.Context) {
	conflicts := s.detectConflicts()
	if conflicts == nil {
		conflicts = []analyzer.Conflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// Planner handles GET /api/planner.
func (s *Server) Planner(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.PlannerState())
}

// Scheduler handles GET /api/scheduler.
func (s *Server) Scheduler(c *gin.Context) {
	reminders := s.store.Reminders()
	if reminders == nil {
		reminders = []store.Reminder{}
	}
	queue := s.store.Queue()
	if queue == nil {
		queue = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"reminders": reminders, "queue": queue})
}

// Reminders handles GET /api/reminders.
func (s *Server) Reminders(c *gin.Context) {
	reminders := s.store.Reminders()
	if reminders == nil {
		reminders = []store.Reminder{}
	}
	c.JSON(http.StatusOK, gin.H{"reminders": reminders})
}

// Activity handles GET /api/activity: the audit trail and the planner
// log merged, newest first.
func (s *Server) Activity(c *gin.Context) {
	var entries []map[string]any
	for _, e := range s.store.ReadJSONL("memory/audit.jsonl") {
		e["_source"] = "audit"
		entries = append(entries, e)
	}
	for _, e := range s.store.PlannerLog() {
		e["_source"] = "planner"
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, _ := entries[i]["ts"].(string)
		tj, _ := entries[j]["ts"].(string)
		return ti > tj
	})
	if len(entries) > activityLimit {
		entries = entries[:activityLimit]
	}
	if entries == nil {
		entries = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// Participants handles GET /api/participants.
func (s *Server) Participants(c *gin.Context) {
	var idx struct {
		Participants []map[string]any `json:"participants"`
	}
	s.store.ReadJSON("participants/index.json", &idx)
	if idx.Participants == nil {
		idx.Participants = []map[string]any{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": idx.Participants})
}

func (s *Server) detectConflicts() []analyzer.Conflict {
	return analyzer.New(s.store).DetectConflicts(nil)
}

func (s *Server) treeCoverage() gin.H {
	empty := gin.H{"total_markers": 0, "agreed": 0, "uncovered": 0}
	treeMD, _ := s.store.ReadFile("context/metrics_tree.md")
	root := metricstree.Parse(treeMD)
	if root == nil {
		return empty
	}

	markers := 0
	var count func(*metricstree.Node)
	count = func(n *metricstree.Node) {
		if n.HasContractMarker {
			markers++
		}
		for _, child := range n.Children {
			count(child)
		}
	}
	count(root)

	uncovered := len(metricstree.Uncovered(root))
	return gin.H{
		"total_markers": markers,
		"agreed":        markers - uncovered,
		"uncovered":     uncovered,
	}
}

func serializeNode(n *metricstree.Node) gin.H {
	children := make([]gin.H, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, serializeNode(c))
	}
	return gin.H{
		"name":         n.Name,
		"short_name":   n.ShortName,
		"has_contract": n.HasContractMarker,
		"is_agreed":    n.IsAgreed,
		"depth":        n.Depth,
		"children":     children,
	}
}
