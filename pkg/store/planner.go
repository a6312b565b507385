package store

// Initiative is one autonomous work item tracked by the planner in
// tasks/planner_state.json.
type Initiative struct {
	ID                     string           `json:"id"`
	Type                   string           `json:"type"`
	ContractID             string           `json:"contract_id"`
	PriorityScore          float64          `json:"priority_score"`
	Status                 string           `json:"status"`
	CreatedAt              string           `json:"created_at"`
	UpdatedAt              string           `json:"updated_at"`
	ThreadID               string           `json:"thread_id,omitempty"`
	Stakeholders           []string         `json:"stakeholders,omitempty"`
	WaitingFor             []string         `json:"waiting_for,omitempty"`
	ActionsTaken           []map[string]any `json:"actions_taken,omitempty"`
	LastExternalActivityAt string           `json:"last_external_activity_at,omitempty"`
	NextActionAfter        string           `json:"next_action_after,omitempty"`
	ActionsToday           int              `json:"actions_today"`
}

// DailyStats tracks per-day planner rate-limit counters.
type DailyStats struct {
	ThreadsStarted int `json:"threads_started"`
	MessagesSent   int `json:"messages_sent"`
}

// PlannerState is the whole planner persistence record.
type PlannerState struct {
	LastPlanAt  string                `json:"last_plan_at,omitempty"`
	Initiatives []*Initiative         `json:"initiatives"`
	Cooldowns   map[string]string     `json:"cooldowns,omitempty"`
	DailyStats  map[string]DailyStats `json:"daily_stats,omitempty"`
}

// PlannerState loads tasks/planner_state.json, returning an empty state
// when the file does not exist yet.
func (s *Store) PlannerState() PlannerState {
	var state PlannerState
	s.ReadJSON("tasks/planner_state.json", &state)
	if state.Initiatives == nil {
		state.Initiatives = []*Initiative{}
	}
	if state.Cooldowns == nil {
		state.Cooldowns = map[string]string{}
	}
	if state.DailyStats == nil {
		state.DailyStats = map[string]DailyStats{}
	}
	return state
}

// SavePlannerState replaces tasks/planner_state.json.
func (s *Store) SavePlannerState(state PlannerState) error {
	return s.WriteJSON("tasks/planner_state.json", state)
}

// AppendPlannerLog appends one event record to tasks/planner_log.jsonl.
func (s *Store) AppendPlannerLog(entry map[string]any) error {
	return s.AppendJSONL("tasks/planner_log.jsonl", entry)
}

// PlannerLog returns all planner log events, oldest first.
func (s *Store) PlannerLog() []map[string]any {
	return s.ReadJSONL("tasks/planner_log.jsonl")
}
