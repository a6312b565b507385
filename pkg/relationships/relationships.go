// Package relationships maintains the semantic graph between contracts
// stored in contracts/relationships.json. A deterministic mention scan
// runs on every save; an optional LLM pass proposes richer edge types.
package relationships

import (
	"fmt"
	"regexp"
	"strings"
)

// AllowedTypes are the edge kinds the graph accepts.
var AllowedTypes = map[string]bool{
	"mentions":   true,
	"subset_of":  true,
	"aggregates": true,
	"inverse":    true,
	"depends_on": true,
}

// Relationship is one directed edge between contracts.
type Relationship struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func normID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DetectMentions finds whole-word references to other known contract ids
// in the contract text. Deterministic and LLM-free.
func DetectMentions(contractID, contractMD string, knownContractIDs []string) []Relationship {
	cid := normID(contractID)
	text := strings.ToLower(contractMD)

	var rels []Relationship
	for _, other := range knownContractIDs {
		oid := normID(other)
		if oid == "" || oid == cid {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(oid) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			rels = append(rels, Relationship{
				From:        cid,
				To:          oid,
				Type:        "mentions",
				Description: fmt.Sprintf("%s mentions %s in contract text", cid, oid),
			})
		}
	}
	return rels
}

// Upsert merges new edges into a relationships.json-shaped document.
// Dedup key is (from, to, type). Returns the updated document and the
// number of edges actually added.
func Upsert(index map[string]any, newRels []Relationship) (map[string]any, int) {
	if index == nil {
		index = map[string]any{}
	}
	items, _ := index["relationships"].([]any)

	type key struct{ from, to, typ string }
	existing := map[key]bool{}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		from, _ := m["from"].(string)
		to, _ := m["to"].(string)
		typ, _ := m["type"].(string)
		existing[key{from, to, typ}] = true
	}

	added := 0
	for _, r := range newRels {
		k := key{r.From, r.To, r.Type}
		if existing[k] {
			continue
		}
		items = append(items, map[string]any{
			"from":        r.From,
			"to":          r.To,
			"type":        r.Type,
			"description": r.Description,
		})
		existing[k] = true
		added++
	}

	index["relationships"] = items
	return index, added
}

// Edges filters the document down to typed edges touching contractID
// (either direction). Empty contractID returns all edges.
func Edges(index map[string]any, contractID string) []Relationship {
	cid := normID(contractID)
	items, _ := index["relationships"].([]any)

	var out []Relationship
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		r := Relationship{}
		r.From, _ = m["from"].(string)
		r.To, _ = m["to"].(string)
		r.Type, _ = m["type"].(string)
		r.Description, _ = m["description"].(string)
		if cid == "" || r.From == cid || r.To == cid {
			out = append(out, r)
		}
	}
	return out
}
