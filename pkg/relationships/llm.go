package relationships

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxProposed = 10

// KnownContract is what the LLM sees about each existing contract.
type KnownContract struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// BuildPrompt returns (system, user) messages asking the model to propose
// typed relationships for a freshly saved contract.
func BuildPrompt(contractID, contractMD string, known []KnownContract) (string, string) {
	system := "Ты — Data Architect. Твоя задача: предложить семантические связи между метриками (Data Contracts).\n\n" +
		"Верни СТРОГО JSON без markdown и без пояснений. Схема:\n" +
		"{\n" +
		"  \"relationships\": [\n" +
		"    {\"from\": \"<id>\", \"to\": \"<id>\", \"type\": \"mentions|subset_of|aggregates|inverse|depends_on\", \"description\": \"...\"}\n" +
		"  ]\n" +
		"}\n\n" +
		"Правила:\n" +
		"- Используй только id из списка известных контрактов.\n" +
		"- Допускай максимум 10 связей.\n" +
		"- from должен быть текущий contract_id.\n" +
		"- type выбирай осмысленно: subset_of (подмножество), aggregates (агрегирует сущность), inverse (обратная связь), depends_on (нужен для расчёта/определения).\n" +
		"- description: 1 короткое предложение по-русски."

	knownJSON, _ := json.MarshalIndent(known, "", "  ")
	user := fmt.Sprintf(
		"Текущий контракт id: %s\n\nТекст текущего контракта (markdown):\n---\n%s\n---\n\nИзвестные контракты (id+name+status):\n%s",
		contractID, contractMD, knownJSON,
	)
	return system, user
}

// ParseProposed validates the model's answer: only edges starting at
// contractID, pointing at known ids, with an allowed type, deduplicated
// and capped.
func ParseProposed(raw, contractID string, knownIDs map[string]bool) ([]Relationship, error) {
	t := strings.TrimSpace(raw)
	if strings.HasPrefix(t, "```") {
		var kept []string
		for _, line := range strings.Split(t, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		t = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	var data struct {
		Relationships []struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"relationships"`
	}
	if err := json.Unmarshal([]byte(t), &data); err != nil {
		return nil, fmt.Errorf("parsing relationship proposals: %w", err)
	}

	cid := normID(contractID)
	type key struct{ from, to, typ string }
	seen := map[key]bool{}

	var out []Relationship
	items := data.Relationships
	if len(items) > maxProposed {
		items = items[:maxProposed]
	}
	for _, item := range items {
		from := normID(item.From)
		to := normID(item.To)
		typ := strings.TrimSpace(item.Type)
		desc := strings.TrimSpace(item.Description)

		if from != cid || to == "" || !knownIDs[to] || !AllowedTypes[typ] {
			continue
		}
		if desc == "" {
			desc = fmt.Sprintf("%s → %s (%s)", contractID, to, typ)
		}
		k := key{from, to, typ}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, Relationship{From: from, To: to, Type: typ, Description: desc})
	}
	return out, nil
}
