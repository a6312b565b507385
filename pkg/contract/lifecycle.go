package contract

import (
	"fmt"
	"strings"
	"time"
)

// AllowedStatuses is the closed lifecycle status set.
var AllowedStatuses = map[string]bool{
	"draft":      true,
	"in_review":  true,
	"agreed":     true,
	"approved":   true,
	"active":     true,
	"deprecated": true,
	"archived":   true,
}

// StatusUpdate reports the outcome of a lifecycle transition.
type StatusUpdate struct {
	OK      bool
	Changed bool
	Message string
}

// SetStatus updates the status of contractID inside the index records,
// creating a minimal record when the contract is unknown. The records
// slice is mutated in place; the returned slice must be persisted by the
// caller when Changed is true.
func SetStatus(records []map[string]any, contractID, status string, now time.Time) ([]map[string]any, StatusUpdate) {
	if !AllowedStatuses[status] {
		return records, StatusUpdate{Message: fmt.Sprintf("Invalid status: %s", status)}
	}
	cid := strings.ToLower(strings.TrimSpace(contractID))
	if cid == "" {
		return records, StatusUpdate{Message: "Missing contract_id"}
	}

	today := now.UTC().Format(time.DateOnly)
	for _, c := range records {
		id, _ := c["id"].(string)
		if strings.ToLower(id) != cid {
			continue
		}
		prev, _ := c["status"].(string)
		if prev == status {
			return records, StatusUpdate{OK: true, Message: fmt.Sprintf("Status already %s", status)}
		}
		c["status"] = status
		c["status_updated_at"] = today
		return records, StatusUpdate{OK: true, Changed: true, Message: fmt.Sprintf("Status %s -> %s", prev, status)}
	}

	records = append(records, map[string]any{
		"id":                cid,
		"name":              cid,
		"status":            status,
		"status_updated_at": today,
	})
	return records, StatusUpdate{OK: true, Changed: true, Message: fmt.Sprintf("Created contract with status %s", status)}
}

// EnsureInReview moves a missing or draft contract to in_review and leaves
// every other status untouched.
func EnsureInReview(records []map[string]any, contractID string, now time.Time) ([]map[string]any, StatusUpdate) {
	cid := strings.ToLower(strings.TrimSpace(contractID))
	if cid == "" {
		return records, StatusUpdate{Message: "Missing contract_id"}
	}

	for _, c := range records {
		id, _ := c["id"].(string)
		if strings.ToLower(id) != cid {
			continue
		}
		status, _ := c["status"].(string)
		if status == "" || status == "draft" {
			return SetStatus(records, cid, "in_review", now)
		}
		return records, StatusUpdate{OK: true, Message: fmt.Sprintf("Status already %s", status)}
	}

	return SetStatus(records, cid, "in_review", now)
}
