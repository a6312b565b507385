package store

import (
	"encoding/json"
	"time"
)

// Operational state under tasks/: the reminder ladder, the contract queue,
// coverage suggestions, the per-contract active thread registry and the
// processed-post mirror used by the listener dedup.

const activeThreadsFile = "tasks/active_threads.json"

// Reminder is one entry of tasks/reminders.json. EscalationStep runs 1..5;
// step 5 means the escalation message was already sent.
type Reminder struct {
	ID             string `json:"id"`
	ContractID     string `json:"contract_id"`
	TargetUser     string `json:"target_user"`
	TargetUserID   string `json:"target_mm_user_id,omitempty"`
	Question       string `json:"question_summary,omitempty"`
	ThreadID       string `json:"thread_id,omitempty"`
	EscalationStep int    `json:"escalation_step"`
	NextReminder   string `json:"next_reminder"`
	LastReminder   string `json:"last_reminder,omitempty"`
	FirstAsked     string `json:"first_asked,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

type reminderFile struct {
	Reminders []Reminder `json:"reminders"`
}

// Reminders returns all reminders.
func (s *Store) Reminders() []Reminder {
	var f reminderFile
	if !s.ReadJSON("tasks/reminders.json", &f) {
		return nil
	}
	return f.Reminders
}

// ReminderFromMap decodes a loosely typed reminder object, as produced by
// the model, into a Reminder. Unknown fields are dropped.
func ReminderFromMap(m map[string]any) Reminder {
	var r Reminder
	if raw, err := json.Marshal(m); err == nil {
		_ = json.Unmarshal(raw, &r)
	}
	return r
}

// SaveReminders replaces the reminder list.
func (s *Store) SaveReminders(reminders []Reminder) error {
	if reminders == nil {
		reminders = []Reminder{}
	}
	return s.WriteJSON("tasks/reminders.json", reminderFile{Reminders: reminders})
}

type queueFile struct {
	Queue []map[string]any `json:"queue"`
}

// Queue returns the contract work queue.
func (s *Store) Queue() []map[string]any {
	var f queueFile
	if !s.ReadJSON("tasks/queue.json", &f) {
		return nil
	}
	return f.Queue
}

// SaveQueue replaces the contract work queue.
func (s *Store) SaveQueue(queue []map[string]any) error {
	if queue == nil {
		queue = []map[string]any{}
	}
	return s.WriteJSON("tasks/queue.json", queueFile{Queue: queue})
}

type suggestionFile struct {
	Suggestions []map[string]any `json:"suggestions"`
}

// Suggestions returns all coverage suggestion records.
func (s *Store) Suggestions() []map[string]any {
	var f suggestionFile
	if !s.ReadJSON("tasks/suggestions.json", &f) {
		return nil
	}
	return f.Suggestions
}

// SaveSuggestions replaces the suggestion records.
func (s *Store) SaveSuggestions(suggestions []map[string]any) error {
	if suggestions == nil {
		suggestions = []map[string]any{}
	}
	return s.WriteJSON("tasks/suggestions.json", suggestionFile{Suggestions: suggestions})
}

type activeThreadEntry struct {
	RootPostID string `json:"root_post_id"`
	UpdatedAt  string `json:"updated_at"`
}

type activeThreadsFileData struct {
	Threads map[string]activeThreadEntry `json:"threads"`
}

// ActiveThread returns the root post id of the live discussion thread for
// a contract, or false when there is none or the registry entry expired.
func (s *Store) ActiveThread(contractID string) (string, bool) {
	var data activeThreadsFileData
	if !s.ReadJSON(activeThreadsFile, &data) {
		return "", false
	}
	entry, ok := data.Threads[contractID]
	if !ok || entry.RootPostID == "" {
		return "", false
	}
	if updated, err := time.Parse(time.RFC3339, entry.UpdatedAt); err == nil {
		if s.now().UTC().Sub(updated) > s.threadTTL {
			return "", false
		}
	}
	return entry.RootPostID, true
}

// SetActiveThread registers or refreshes the active thread for a contract.
// Only writes refresh updated_at; reads never do.
func (s *Store) SetActiveThread(contractID, rootPostID string) error {
	var data activeThreadsFileData
	s.ReadJSON(activeThreadsFile, &data)
	if data.Threads == nil {
		data.Threads = map[string]activeThreadEntry{}
	}
	data.Threads[contractID] = activeThreadEntry{
		RootPostID: rootPostID,
		UpdatedAt:  s.now().UTC().Format(time.RFC3339),
	}
	return s.WriteJSON(activeThreadsFile, data)
}

// CleanupExpiredThreads drops registry entries older than the thread TTL
// and entries with no usable timestamp. Returns the number removed.
func (s *Store) CleanupExpiredThreads() int {
	var data activeThreadsFileData
	if !s.ReadJSON(activeThreadsFile, &data) || len(data.Threads) == 0 {
		return 0
	}

	now := s.now().UTC()
	var expired []string
	for contractID, entry := range data.Threads {
		updated, err := time.Parse(time.RFC3339, entry.UpdatedAt)
		if err != nil || now.Sub(updated) > s.threadTTL {
			expired = append(expired, contractID)
		}
	}
	if len(expired) == 0 {
		return 0
	}

	for _, contractID := range expired {
		delete(data.Threads, contractID)
	}
	if err := s.WriteJSON(activeThreadsFile, data); err != nil {
		s.logger.Error("Thread registry cleanup write failed", "error", err)
		return 0
	}
	s.logger.Debug("Cleaned up expired threads", "count", len(expired))
	return len(expired)
}

// SeenPost mirrors one processed chat event for restart-safe dedup.
type SeenPost struct {
	PostID string `json:"post_id"`
	SeenAt string `json:"seen_at"`
}

type seenPostsFile struct {
	Posts []SeenPost `json:"posts"`
}

// SeenPosts returns the persisted processed-post mirror.
func (s *Store) SeenPosts() []SeenPost {
	var f seenPostsFile
	if !s.ReadJSON("tasks/seen_posts.json", &f) {
		return nil
	}
	return f.Posts
}

// SaveSeenPosts replaces the processed-post mirror.
func (s *Store) SaveSeenPosts(posts []SeenPost) error {
	if posts == nil {
		posts = []SeenPost{}
	}
	return s.WriteJSON("tasks/seen_posts.json", seenPostsFile{Posts: posts})
}
