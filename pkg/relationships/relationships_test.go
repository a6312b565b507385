package relationships

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectMentions(t *testing.T) {
	md := "# Data Contract: revenue\nСчитаем из mau и win_ni. Поле mau_total не считается."
	rels := DetectMentions("revenue", md, []string{"mau", "win_ni", "revenue", "orders"})

	require.Len(t, rels, 2)
	tos := []string{rels[0].To, rels[1].To}
	assert.ElementsMatch(t, []string{"mau", "win_ni"}, tos)
	for _, r := range rels {
		assert.Equal(t, "revenue", r.From)
		assert.Equal(t, "mentions", r.Type)
	}
}

func TestDetectMentions_NoSelfNoSubstring(t *testing.T) {
	md := "revenue growth derived from mau_total"
	rels := DetectMentions("revenue", md, []string{"revenue", "mau"})
	assert.Empty(t, rels, "self references and substring hits are ignored")
}

func TestUpsert_DedupAndCount(t *testing.T) {
	index := map[string]any{
		"relationships": []any{
			map[string]any{"from": "a", "to": "b", "type": "mentions", "description": "x"},
		},
	}
	updated, added := Upsert(index, []Relationship{
		{From: "a", To: "b", Type: "mentions", Description: "dup"},
		{From: "a", To: "c", Type: "depends_on", Description: "new"},
	})

	assert.Equal(t, 1, added)
	items := updated["relationships"].([]any)
	assert.Len(t, items, 2)
}

func TestUpsert_NilIndex(t *testing.T) {
	updated, added := Upsert(nil, []Relationship{{From: "a", To: "b", Type: "inverse", Description: "d"}})
	assert.Equal(t, 1, added)
	assert.Len(t, updated["relationships"].([]any), 1)
}

func TestEdges_FilterByContract(t *testing.T) {
	index := map[string]any{
		"relationships": []any{
			map[string]any{"from": "a", "to": "b", "type": "mentions", "description": ""},
			map[string]any{"from": "c", "to": "a", "type": "depends_on", "description": ""},
			map[string]any{"from": "c", "to": "d", "type": "inverse", "description": ""},
		},
	}
	edges := Edges(index, "a")
	require.Len(t, edges, 2)

	all := Edges(index, "")
	assert.Len(t, all, 3)
}

func TestParseProposed_FiltersInvalid(t *testing.T) {
	raw := "```json\n" + `{
  "relationships": [
    {"from": "revenue", "to": "mau", "type": "depends_on", "description": "нужен для расчёта"},
    {"from": "revenue", "to": "mau", "type": "depends_on", "description": "дубликат"},
    {"from": "other", "to": "mau", "type": "mentions", "description": "чужой from"},
    {"from": "revenue", "to": "phantom", "type": "mentions", "description": "неизвестный to"},
    {"from": "revenue", "to": "orders", "type": "causes", "description": "недопустимый тип"},
    {"from": "revenue", "to": "orders", "type": "subset_of", "description": ""}
  ]
}` + "\n```"

	known := map[string]bool{"mau": true, "orders": true, "revenue": true}
	rels, err := ParseProposed(raw, "Revenue", known)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, Relationship{From: "revenue", To: "mau", Type: "depends_on", Description: "нужен для расчёта"}, rels[0])
	assert.Equal(t, "Revenue → orders (subset_of)", rels[1].Description)
}

func TestParseProposed_BadJSON(t *testing.T) {
	_, err := ParseProposed("не json", "revenue", map[string]bool{})
	assert.Error(t, err)
}

func TestBuildPrompt_ContainsContractAndKnown(t *testing.T) {
	system, user := BuildPrompt("revenue", "## Формула\nsum(amount)", []KnownContract{{ID: "mau", Name: "MAU", Status: "agreed"}})
	assert.Contains(t, system, "relationships")
	assert.Contains(t, user, "Текущий контракт id: revenue")
	assert.Contains(t, user, `"id": "mau"`)
}
