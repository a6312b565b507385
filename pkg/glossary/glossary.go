// Package glossary flags ambiguous business terms in contract text using
// the disambiguation groups of context/glossary.json.
package glossary

import (
	"fmt"
	"sort"
	"strings"
)

// Term is one glossary entry. A term participates in ambiguity checking
// only when it declares disambiguation groups.
type Term struct {
	Canonical      string              `json:"canonical"`
	Aliases        []string            `json:"aliases,omitempty"`
	Disambiguation map[string][]string `json:"disambiguation,omitempty"`
}

// Glossary is the parsed context/glossary.json.
type Glossary struct {
	Terms []Term `json:"terms"`
}

// Issue is one ambiguity finding; by default it blocks a contract save.
type Issue struct {
	Canonical string `json:"canonical"`
	Message   string `json:"message"`
}

func containsAny(lowText string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lowText, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// CheckAmbiguity reports terms that appear in the contract (by canonical
// name or alias) without any of their disambiguation-group keywords.
func CheckAmbiguity(contractMD string, g *Glossary) []Issue {
	if g == nil {
		return nil
	}
	lowText := strings.ToLower(contractMD)
	var issues []Issue

	for _, t := range g.Terms {
		canonical := strings.TrimSpace(t.Canonical)
		if canonical == "" || len(t.Disambiguation) == 0 {
			continue
		}

		termPatterns := append([]string{canonical}, t.Aliases...)
		if !containsAny(lowText, termPatterns) {
			continue
		}

		groupNames := make([]string, 0, len(t.Disambiguation))
		for name := range t.Disambiguation {
			groupNames = append(groupNames, name)
		}
		sort.Strings(groupNames)

		anyGroupMentioned := false
		for _, name := range groupNames {
			if containsAny(lowText, t.Disambiguation[name]) {
				anyGroupMentioned = true
				break
			}
		}
		if anyGroupMentioned {
			continue
		}

		issues = append(issues, Issue{
			Canonical: canonical,
			Message: fmt.Sprintf(
				"Термин «%s» выглядит неоднозначно. Уточни, что именно имеется в виду: %s. После уточнения обновим контракт.",
				canonical, strings.Join(groupNames, "; ")),
		})
	}
	return issues
}
