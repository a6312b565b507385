package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestSetStatus_InvalidStatus(t *testing.T) {
	_, result := SetStatus(nil, "revenue", "vaporized", testNow)
	assert.False(t, result.OK)
	assert.Contains(t, result.Message, "Invalid status")
}

func TestSetStatus_MissingID(t *testing.T) {
	_, result := SetStatus(nil, "  ", "draft", testNow)
	assert.False(t, result.OK)
}

func TestSetStatus_UpdatesExisting(t *testing.T) {
	records := []map[string]any{{"id": "revenue", "status": "draft"}}
	records, result := SetStatus(records, "revenue", "in_review", testNow)
	require.True(t, result.OK)
	assert.True(t, result.Changed)
	assert.Equal(t, "in_review", records[0]["status"])
	assert.Equal(t, "2026-03-02", records[0]["status_updated_at"])
}

func TestSetStatus_NoOpWhenSame(t *testing.T) {
	records := []map[string]any{{"id": "revenue", "status": "active"}}
	_, result := SetStatus(records, "revenue", "active", testNow)
	assert.True(t, result.OK)
	assert.False(t, result.Changed)
}

func TestSetStatus_CreatesMinimalRecord(t *testing.T) {
	records, result := SetStatus(nil, "New_Metric", "draft", testNow)
	require.True(t, result.OK)
	require.Len(t, records, 1)
	assert.Equal(t, "new_metric", records[0]["id"])
	assert.Equal(t, "draft", records[0]["status"])
}

func TestSetStatus_CaseInsensitiveLookup(t *testing.T) {
	records := []map[string]any{{"id": "Revenue", "status": "draft"}}
	records, result := SetStatus(records, "revenue", "active", testNow)
	require.True(t, result.OK)
	assert.Equal(t, "active", records[0]["status"])
}

func TestEnsureInReview_FromDraft(t *testing.T) {
	records := []map[string]any{{"id": "revenue", "status": "draft"}}
	records, result := EnsureInReview(records, "revenue", testNow)
	require.True(t, result.OK)
	assert.True(t, result.Changed)
	assert.Equal(t, "in_review", records[0]["status"])
}

func TestEnsureInReview_LeavesOtherStatuses(t *testing.T) {
	for _, status := range []string{"in_review", "approved", "active", "deprecated", "archived"} {
		records := []map[string]any{{"id": "revenue", "status": status}}
		records, result := EnsureInReview(records, "revenue", testNow)
		assert.True(t, result.OK)
		assert.False(t, result.Changed, "status %s must stay", status)
		assert.Equal(t, status, records[0]["status"])
	}
}

func TestEnsureInReview_CreatesMissing(t *testing.T) {
	records, result := EnsureInReview(nil, "brand_new", testNow)
	require.True(t, result.OK)
	require.Len(t, records, 1)
	assert.Equal(t, "in_review", records[0]["status"])
}
