package store

import (
	"os"
	"strings"
	"time"
)

// Participant profiles live as participants/<username>.md; channel
// membership state lives in participants/index.json.

type participantIndex struct {
	Participants []map[string]any `json:"participants"`
}

// Participant reads a participant profile.
func (s *Store) Participant(username string) (string, bool) {
	return s.ReadFile("participants/" + username + ".md")
}

// UpdateParticipant writes a participant profile.
func (s *Store) UpdateParticipant(username, content string) error {
	return s.WriteFile("participants/"+username+".md", content)
}

// ListParticipants returns participant usernames. When the index exists it
// is authoritative; otherwise profile filenames are used.
func (s *Store) ListParticipants(activeOnly bool) []string {
	var idx participantIndex
	if s.ReadJSON("participants/index.json", &idx) {
		var users []string
		for _, p := range idx.Participants {
			if activeOnly {
				if active, ok := p["active"].(bool); ok && !active {
					continue
				}
			}
			if username, _ := p["username"].(string); username != "" {
				users = append(users, username)
			}
		}
		return users
	}

	entries, err := os.ReadDir(s.path("participants"))
	if err != nil {
		return nil
	}
	var users []string
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), ".md"); ok {
			users = append(users, name)
		}
	}
	return users
}

// UpsertParticipantIndex merges patch into the index record for username.
func (s *Store) UpsertParticipantIndex(username string, patch map[string]any) error {
	var idx participantIndex
	s.ReadJSON("participants/index.json", &idx)

	found := false
	for i, p := range idx.Participants {
		if name, _ := p["username"].(string); name == username {
			for k, v := range patch {
				p[k] = v
			}
			p["username"] = username
			idx.Participants[i] = p
			found = true
			break
		}
	}
	if !found {
		record := map[string]any{"username": username}
		for k, v := range patch {
			record[k] = v
		}
		idx.Participants = append(idx.Participants, record)
	}
	return s.WriteJSON("participants/index.json", idx)
}

// SetParticipantActive flips channel membership, stamping joined_at or
// left_at with the current date.
func (s *Store) SetParticipantActive(username string, active bool) error {
	today := s.now().UTC().Format(time.DateOnly)
	patch := map[string]any{"active": active}
	if active {
		patch["joined_at"] = today
		patch["left_at"] = nil
	} else {
		patch["left_at"] = today
	}
	return s.UpsertParticipantIndex(username, patch)
}

// IsParticipantActive reports channel membership. Without an index every
// participant counts as active.
func (s *Store) IsParticipantActive(username string) bool {
	var idx participantIndex
	if !s.ReadJSON("participants/index.json", &idx) {
		return true
	}
	for _, p := range idx.Participants {
		if name, _ := p["username"].(string); name == username {
			active, ok := p["active"].(bool)
			return !ok || active
		}
	}
	return true
}

// IsParticipantOnboarded reports whether the welcome flow already ran for
// username. Without an index nobody counts as onboarded.
func (s *Store) IsParticipantOnboarded(username string) bool {
	var idx participantIndex
	if !s.ReadJSON("participants/index.json", &idx) {
		return false
	}
	for _, p := range idx.Participants {
		if name, _ := p["username"].(string); name == username {
			onboarded, _ := p["onboarded"].(bool)
			return onboarded
		}
	}
	return false
}

// SetParticipantOnboarded marks the welcome flow as done.
func (s *Store) SetParticipantOnboarded(username string, onboarded bool) error {
	return s.UpsertParticipantIndex(username, map[string]any{"onboarded": onboarded})
}

// SaveDecision appends a record to the decision journal, stamping the date
// when the caller did not.
func (s *Store) SaveDecision(record map[string]any) error {
	if _, ok := record["date"]; !ok {
		record["date"] = s.now().UTC().Format(time.DateOnly)
	}
	return s.AppendJSONL("memory/decisions.jsonl", record)
}

// Decisions returns the decision journal, oldest first.
func (s *Store) Decisions() []map[string]any {
	return s.ReadJSONL("memory/decisions.jsonl")
}
