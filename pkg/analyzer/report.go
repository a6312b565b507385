package analyzer

import (
	"fmt"
	"sort"
	"strings"
)

var sevRank = map[string]int{"high": 0, "medium": 1, "low": 2}

func rank(sev string) int {
	if r, ok := sevRank[sev]; ok {
		return r
	}
	return 9
}

// RenderConflicts formats the audit for the channel: cross-contract
// conflicts first, then per-contract groups ordered by worst severity.
func RenderConflicts(conflicts []Conflict) string {
	if len(conflicts) == 0 {
		return "✅ Конфликтов не найдено."
	}

	perContract := map[string][]Conflict{}
	var cross []Conflict
	for _, c := range conflicts {
		if len(c.Contracts) == 1 {
			cid := c.Contracts[0]
			perContract[cid] = append(perContract[cid], c)
		} else {
			cross = append(cross, c)
		}
	}

	lines := []string{fmt.Sprintf("🔍 Проактивный аудит: найдено проблем: %d", len(conflicts)), ""}

	if len(cross) > 0 {
		sort.Slice(cross, func(i, j int) bool {
			if rank(cross[i].Severity) != rank(cross[j].Severity) {
				return rank(cross[i].Severity) < rank(cross[j].Severity)
			}
			if cross[i].Type != cross[j].Type {
				return cross[i].Type < cross[j].Type
			}
			return cross[i].Title < cross[j].Title
		})
		lines = append(lines, "### Межконтрактные конфликты")
		shown := cross
		if len(shown) > 8 {
			shown = shown[:8]
		}
		for _, c := range shown {
			ids := make([]string, len(c.Contracts))
			for i, id := range c.Contracts {
				ids[i] = "`" + id + "`"
			}
			lines = append(lines, fmt.Sprintf("- [%s] %s (%s)", c.Severity, c.Title, strings.Join(ids, ", ")))
		}
		if len(cross) > 8 {
			lines = append(lines, fmt.Sprintf("…и ещё %d", len(cross)-8))
		}
		lines = append(lines, "")
	}

	if len(perContract) > 0 {
		lines = append(lines, "### Проблемы по контрактам")

		type group struct {
			cid   string
			items []Conflict
		}
		var groups []group
		for cid, items := range perContract {
			sort.Slice(items, func(i, j int) bool {
				if rank(items[i].Severity) != rank(items[j].Severity) {
					return rank(items[i].Severity) < rank(items[j].Severity)
				}
				if items[i].Type != items[j].Type {
					return items[i].Type < items[j].Type
				}
				return items[i].Title < items[j].Title
			})
			groups = append(groups, group{cid: cid, items: items})
		}
		sort.Slice(groups, func(i, j int) bool {
			ri := rank(groups[i].items[0].Severity)
			rj := rank(groups[j].items[0].Severity)
			if ri != rj {
				return ri < rj
			}
			return groups[i].cid < groups[j].cid
		})

		shown := groups
		if len(shown) > 10 {
			shown = shown[:10]
		}
		for _, g := range shown {
			titles := make([]string, 0, 3)
			for _, c := range g.items[:min(3, len(g.items))] {
				titles = append(titles, c.Title)
			}
			more := ""
			if len(g.items) > 3 {
				more = fmt.Sprintf("; …+%d", len(g.items)-3)
			}
			lines = append(lines, fmt.Sprintf("- [%s] `%s`: %s%s", g.items[0].Severity, g.cid, strings.Join(titles, "; "), more))
		}
		if len(groups) > 10 {
			lines = append(lines, fmt.Sprintf("…и ещё %d контракт(ов) с проблемами", len(groups)-10))
		}
	}

	lines = append(lines, "", "Если хочешь — напиши: «покажи детали конфликтов», и я разверну список с подробностями.")
	return strings.Join(lines, "\n")
}
