package store

import (
	"encoding/json"
	"strings"
)

// Contract index, current files and the append-only version history under
// contracts/versions/<id>/.

// HistoryEntry is one line of contracts/versions/<id>/history.jsonl.
type HistoryEntry struct {
	TS     string `json:"ts"`
	Kind   string `json:"kind"` // "previous" or "current"
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

type contractIndex struct {
	Contracts []map[string]any `json:"contracts"`
}

// ListContracts returns all records of contracts/index.json.
func (s *Store) ListContracts() []map[string]any {
	var idx contractIndex
	if !s.ReadJSON("contracts/index.json", &idx) {
		return nil
	}
	return idx.Contracts
}

// ContractIndexEntry returns the index record for one contract.
func (s *Store) ContractIndexEntry(contractID string) (map[string]any, bool) {
	for _, c := range s.ListContracts() {
		if id, _ := c["id"].(string); id == contractID {
			return c, true
		}
	}
	return nil, false
}

// Contract reads the current markdown of a finalized contract.
func (s *Store) Contract(contractID string) (string, bool) {
	return s.ReadFile("contracts/" + contractID + ".md")
}

// SaveContract commits a finalized contract.
//
// When a previous version exists it is snapshotted as <ts>_prev.md before
// the new content lands as both the current file and the <ts>.md snapshot.
// All markdown files go through one atomic batch; history.jsonl entries are
// appended afterwards.
func (s *Store) SaveContract(contractID, content string) error {
	currentPath := "contracts/" + contractID + ".md"
	versionsDir := "contracts/versions/" + contractID
	historyPath := versionsDir + "/history.jsonl"

	prev, hadPrev := s.ReadFile(currentPath)
	ts := s.versionTS()

	var writes []FileWrite
	var history []HistoryEntry

	if hadPrev {
		prevTS := ts + "_prev"
		writes = append(writes, FileWrite{Path: versionsDir + "/" + prevTS + ".md", Content: prev})
		history = append(history, HistoryEntry{
			TS: prevTS, Kind: "previous", SHA256: sha256Hex(prev), Bytes: len(prev),
		})
	}

	writes = append(writes,
		FileWrite{Path: currentPath, Content: content},
		FileWrite{Path: versionsDir + "/" + ts + ".md", Content: content},
	)
	history = append(history, HistoryEntry{
		TS: ts, Kind: "current", SHA256: sha256Hex(content), Bytes: len(content),
	})

	if err := s.WriteBatch(writes); err != nil {
		return err
	}
	for _, entry := range history {
		if err := s.AppendJSONL(historyPath, entry); err != nil {
			return err
		}
	}
	return nil
}

// ContractHistory returns the version history, oldest first.
func (s *Store) ContractHistory(contractID string) []HistoryEntry {
	rel := "contracts/versions/" + contractID + "/history.jsonl"
	content, ok := s.ReadFile(rel)
	if !ok {
		return nil
	}
	var entries []HistoryEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Error("Invalid history line", "path", rel, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// ContractVersion reads one snapshot by its timestamp string.
func (s *Store) ContractVersion(contractID, ts string) (string, bool) {
	return s.ReadFile("contracts/versions/" + contractID + "/" + ts + ".md")
}

// UpdateContractIndex merges patch into the index record for contractID,
// creating the record when absent. When a version history exists the
// record also gets versions_dir and history_file pointers.
func (s *Store) UpdateContractIndex(contractID string, patch map[string]any) error {
	var idx contractIndex
	s.ReadJSON("contracts/index.json", &idx)

	versionsDir := "contracts/versions/" + contractID
	historyPath := versionsDir + "/history.jsonl"
	if _, ok := s.ReadFile(historyPath); ok {
		merged := make(map[string]any, len(patch)+2)
		for k, v := range patch {
			merged[k] = v
		}
		merged["versions_dir"] = versionsDir
		merged["history_file"] = historyPath
		patch = merged
	}

	found := false
	for i, c := range idx.Contracts {
		if id, _ := c["id"].(string); id == contractID {
			for k, v := range patch {
				c[k] = v
			}
			idx.Contracts[i] = c
			found = true
			break
		}
	}
	if !found {
		record := map[string]any{"id": contractID}
		for k, v := range patch {
			record[k] = v
		}
		idx.Contracts = append(idx.Contracts, record)
	}

	return s.WriteJSON("contracts/index.json", idx)
}

// Drafts and per-contract discussion documents.

// SaveDraft writes a draft contract.
func (s *Store) SaveDraft(contractID, content string) error {
	return s.WriteFile("drafts/"+contractID+".md", content)
}

// Draft reads a draft contract.
func (s *Store) Draft(contractID string) (string, bool) {
	return s.ReadFile("drafts/" + contractID + ".md")
}

// UpdateDiscussion writes the discussion summary document for a contract.
func (s *Store) UpdateDiscussion(contractID string, summary map[string]any) error {
	return s.WriteJSON("drafts/"+contractID+"_discussion.json", summary)
}

// Discussion reads the discussion summary document for a contract.
func (s *Store) Discussion(contractID string) (map[string]any, bool) {
	var summary map[string]any
	if !s.ReadJSON("drafts/"+contractID+"_discussion.json", &summary) {
		return nil, false
	}
	return summary, true
}

// Summaries keyed by contract id, maintained post-commit for the agent's
// landscape context block.

// Summaries returns contracts/summaries.json, empty when absent.
func (s *Store) Summaries() map[string]map[string]any {
	var data map[string]map[string]any
	if !s.ReadJSON("contracts/summaries.json", &data) {
		return map[string]map[string]any{}
	}
	return data
}

// UpdateSummary upserts one contract summary record.
func (s *Store) UpdateSummary(contractID string, summary map[string]any) error {
	data := s.Summaries()
	data[contractID] = summary
	return s.WriteJSON("contracts/summaries.json", data)
}
