// Package analyzer runs the deterministic cross-contract conflict audit:
// missing key sections, ambiguous formulas, broken Extra Time paths, name
// collisions, bad related-contract references, dependency cycles and
// overlapping definitions.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/daai/steward/pkg/contract"
	"github.com/daai/steward/pkg/store"
)

// Conflict is one audit finding.
type Conflict struct {
	Type      string   `json:"type"`
	Severity  string   `json:"severity"` // low|medium|high
	Title     string   `json:"title"`
	Details   string   `json:"details"`
	Contracts []string `json:"contracts"`
}

var stopWordsRU = map[string]bool{
	"и": true, "в": true, "во": true, "на": true, "по": true, "из": true,
	"для": true, "что": true, "это": true, "как": true, "когда": true,
	"где": true, "или": true, "а": true,
	"мы": true, "вы": true, "они": true, "он": true, "она": true, "оно": true,
	"этот": true, "эта": true, "эти": true, "тот": true, "та": true, "те": true,
	"не": true, "нет": true, "да": true, "же": true, "ли": true, "бы": true,
	"секция": true, "контракт": true, "метрика": true, "показатель": true,
}

var ambiguousWords = []string{"примерно", "около", "приблизительно", "где-то", "как-то", "иногда"}

var (
	reNamePunct    = regexp.MustCompile(`[\-_/:]+`)
	reNameNonAlnum = regexp.MustCompile(`[^a-z0-9\s]`)
	reSpaces       = regexp.MustCompile(`\s+`)
	reDefToken     = regexp.MustCompile(`(?i)[a-zа-я0-9_\-]+`)
	reListMarker   = regexp.MustCompile(`^[\-*•]\s+`)
	reIDChars      = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)
)

func normalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = reNamePunct.ReplaceAllString(s, " ")
	s = reNameNonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
}

func tokenizeDefinition(text string) map[string]bool {
	tokens := map[string]bool{}
	for _, t := range reDefToken.FindAllString(strings.ToLower(text), -1) {
		t = strings.Trim(t, "-_")
		if len([]rune(t)) < 3 || stopWordsRU[t] {
			continue
		}
		tokens[t] = true
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func intersection(a, b map[string]bool) []string {
	var shared []string
	for t := range a {
		if b[t] {
			shared = append(shared, t)
		}
	}
	sort.Strings(shared)
	return shared
}

// relatedContractIDs parses the "Связанные контракты" section as a list
// of contract ids.
func relatedContractIDs(md string) []string {
	rel := contract.Sections(md)["Связанные контракты"]
	if rel == "" {
		return nil
	}
	var ids []string
	for _, line := range strings.Split(rel, "\n") {
		s := strings.TrimSpace(line)
		if s == "" {
			continue
		}
		s = reListMarker.ReplaceAllString(s, "")
		s, _, _ = strings.Cut(s, "(")
		s = reIDChars.ReplaceAllString(strings.TrimSpace(s), "")
		if s != "" {
			ids = append(ids, strings.ToLower(s))
		}
	}
	return ids
}

type loadedContract struct {
	id         string
	name       string
	nameNorm   string
	formula    string
	linkage    string
	related    []string
	defTokens  map[string]bool
	definition string
	dataSource string
}

// Analyzer detects conflicts over the contract index.
type Analyzer struct {
	store *store.Store
}

// New creates an Analyzer over the store.
func New(s *store.Store) *Analyzer {
	return &Analyzer{store: s}
}

// DetectConflicts audits all contracts, or the given subset when
// onlyContractIDs is non-empty.
func (a *Analyzer) DetectConflicts(onlyContractIDs []string) []Conflict {
	var conflicts []Conflict

	only := map[string]bool{}
	for _, id := range onlyContractIDs {
		only[id] = true
	}

	var order []string
	loaded := map[string]*loadedContract{}
	for _, c := range a.store.ListContracts() {
		cid, _ := c["id"].(string)
		if cid == "" {
			continue
		}
		if len(only) > 0 && !only[cid] {
			continue
		}
		md, _ := a.store.Contract(cid)
		sections := contract.Sections(md)
		name := contract.Name(md, "")
		if name == "" {
			if n, _ := c["name"].(string); n != "" {
				name = n
			} else {
				name = cid
			}
		}
		loaded[cid] = &loadedContract{
			id:         cid,
			name:       name,
			nameNorm:   normalizeName(name),
			formula:    strings.TrimSpace(sections["Формула"]),
			linkage:    strings.TrimSpace(sections["Связь с Extra Time"]),
			related:    relatedContractIDs(md),
			definition: strings.TrimSpace(sections["Определение"]),
			dataSource: strings.TrimSpace(sections["Источник данных"]),
			defTokens:  tokenizeDefinition(sections["Определение"]),
		}
		order = append(order, cid)
	}

	// Missing key sections and quality flags.
	for _, cid := range order {
		d := loaded[cid]
		if d.formula == "" {
			conflicts = append(conflicts, Conflict{
				Type: "missing_formula", Severity: "high",
				Title:     "Нет формулы: " + d.name,
				Details:   "Секция «Формула» пустая или отсутствует.",
				Contracts: []string{cid},
			})
		} else {
			lowF := strings.ToLower(d.formula)
			for _, w := range ambiguousWords {
				if strings.Contains(lowF, w) {
					conflicts = append(conflicts, Conflict{
						Type: "ambiguous_formula", Severity: "medium",
						Title:     "Неоднозначная формула: " + d.name,
						Details:   "В формуле есть слова неопределённости (например: 'примерно/около'). Лучше сделать формулу однозначной.",
						Contracts: []string{cid},
					})
					break
				}
			}
		}

		if d.definition == "" {
			conflicts = append(conflicts, Conflict{
				Type: "missing_definition", Severity: "high",
				Title:     "Нет определения: " + d.name,
				Details:   "Секция «Определение» пустая или отсутствует.",
				Contracts: []string{cid},
			})
		}
		if d.dataSource == "" {
			conflicts = append(conflicts, Conflict{
				Type: "missing_data_source", Severity: "high",
				Title:     "Нет источника данных: " + d.name,
				Details:   "Секция «Источник данных» пустая или отсутствует.",
				Contracts: []string{cid},
			})
		}
	}

	// Extra Time linkage path checks.
	for _, cid := range order {
		d := loaded[cid]
		if d.linkage == "" {
			conflicts = append(conflicts, Conflict{
				Type: "missing_extra_time_linkage", Severity: "high",
				Title:     "Нет связи с Extra Time: " + d.name,
				Details:   "Секция «Связь с Extra Time» пустая или отсутствует. Нужен путь вида: X → ... → Extra Time.",
				Contracts: []string{cid},
			})
			continue
		}
		if !strings.Contains(strings.ToLower(d.linkage), "extra time") || !strings.Contains(d.linkage, "→") {
			conflicts = append(conflicts, Conflict{
				Type: "invalid_extra_time_linkage", Severity: "medium",
				Title:     "Неочевидный путь к Extra Time: " + d.name,
				Details:   "В «Связь с Extra Time» должен быть путь вида: X → ... → Extra Time.",
				Contracts: []string{cid},
			})
			continue
		}

		var parts []string
		for _, p := range strings.Split(d.linkage, "→") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) < 2 {
			conflicts = append(conflicts, Conflict{
				Type: "extra_time_path_too_short", Severity: "low",
				Title:     "Слишком короткий путь к Extra Time: " + d.name,
				Details:   "Ожидается путь вида «X → ... → Extra Time» (минимум 2 узла).",
				Contracts: []string{cid},
			})
			continue
		}
		if normalizeName(parts[len(parts)-1]) != normalizeName("Extra Time") {
			conflicts = append(conflicts, Conflict{
				Type: "extra_time_path_not_ending", Severity: "medium",
				Title:     "Путь не заканчивается на Extra Time: " + d.name,
				Details:   fmt.Sprintf("Последний узел пути должен быть 'Extra Time'. Сейчас: '%s'.", parts[len(parts)-1]),
				Contracts: []string{cid},
			})
		}
		if normalizeName(parts[0]) != d.nameNorm {
			conflicts = append(conflicts, Conflict{
				Type: "extra_time_path_not_starting", Severity: "low",
				Title:     "Путь к Extra Time не начинается с метрики: " + d.name,
				Details:   fmt.Sprintf("Первый узел пути должен быть названием метрики ('%s'). Сейчас: '%s'.", d.name, parts[0]),
				Contracts: []string{cid},
			})
		}
	}

	// Same normalized name, different formula.
	byName := map[string][]string{}
	for _, cid := range order {
		d := loaded[cid]
		byName[d.nameNorm] = append(byName[d.nameNorm], cid)
	}
	var nameKeys []string
	for k := range byName {
		nameKeys = append(nameKeys, k)
	}
	sort.Strings(nameKeys)
	for _, nameNorm := range nameKeys {
		cids := byName[nameNorm]
		if len(cids) < 2 {
			continue
		}
		formulas := map[string]bool{}
		for _, cid := range cids {
			formulas[loaded[cid].formula] = true
		}
		if len(formulas) <= 1 {
			continue
		}
		lines := []string{"Одинаковое название метрики, но разные формулы:", ""}
		for _, cid := range cids {
			f := loaded[cid].formula
			if f == "" {
				f = "(пусто)"
			}
			if runes := []rune(f); len(runes) > 240 {
				f = string(runes[:240]) + "…"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", cid, f))
		}
		conflicts = append(conflicts, Conflict{
			Type: "same_name_different_formula", Severity: "high",
			Title:     "Конфликт формулы: " + loaded[cids[0]].name,
			Details:   strings.Join(lines, "\n"),
			Contracts: cids,
		})
	}

	// Related-contract reference checks; build the dependency graph.
	graph := map[string][]string{}
	for _, cid := range order {
		d := loaded[cid]
		var known []string
		var unknown []string
		selfRef := false
		for _, rel := range d.related {
			switch {
			case rel == cid:
				selfRef = true
				known = append(known, rel)
			case loaded[rel] != nil:
				known = append(known, rel)
			default:
				unknown = append(unknown, rel)
			}
		}
		if selfRef {
			conflicts = append(conflicts, Conflict{
				Type: "self_related_reference", Severity: "medium",
				Title:     "Самоссылка в связанных контрактах: " + d.name,
				Details:   "В «Связанные контракты» указан сам контракт. Это почти всегда ошибка.",
				Contracts: []string{cid},
			})
		}
		if len(unknown) > 0 {
			conflicts = append(conflicts, Conflict{
				Type: "unknown_related_contract", Severity: "low",
				Title:     "Неизвестные связанные контракты: " + d.name,
				Details:   "В «Связанные контракты» есть id, которых нет в contracts/index.json: " + strings.Join(unknown, ", "),
				Contracts: []string{cid},
			})
		}
		graph[cid] = known
	}
	conflicts = append(conflicts, detectCycles(order, graph)...)

	// Overlapping definitions heuristic.
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a := loaded[order[i]]
			b := loaded[order[j]]
			if a.nameNorm == b.nameNorm {
				continue
			}
			sim := jaccard(a.defTokens, b.defTokens)
			shared := intersection(a.defTokens, b.defTokens)
			if (sim >= 0.45 && len(a.defTokens) >= 6 && len(b.defTokens) >= 6) || len(shared) >= 5 {
				preview := shared
				if len(preview) > 12 {
					preview = preview[:12]
				}
				sharedStr := strings.Join(preview, ", ")
				if sharedStr == "" {
					sharedStr = "(нет)"
				}
				conflicts = append(conflicts, Conflict{
					Type: "overlapping_definitions", Severity: "medium",
					Title:     fmt.Sprintf("Похоже пересекающиеся определения: %s ↔ %s", a.name, b.name),
					Details:   fmt.Sprintf("Эвристика: сходство определений (Jaccard) = %.2f. Общие термины: %s", sim, sharedStr),
					Contracts: []string{a.id, b.id},
				})
			}
		}
	}

	return conflicts
}

// detectCycles walks the related-contract graph with DFS and reports each
// cycle once, deduplicated by the canonical (minimal) rotation of its
// node sequence.
func detectCycles(order []string, graph map[string][]string) []Conflict {
	var conflicts []Conflict
	seen := map[string]bool{}
	stack := map[string]bool{}
	var path []string
	reported := map[string]bool{}

	canon := func(cycle []string) string {
		core := cycle
		if len(core) > 0 && core[0] == core[len(core)-1] {
			core = core[:len(core)-1]
		}
		if len(core) == 0 {
			return ""
		}
		best := ""
		for i := range core {
			rot := strings.Join(append(append([]string{}, core[i:]...), core[:i]...), "\x00")
			if best == "" || rot < best {
				best = rot
			}
		}
		return best
	}

	var dfs func(u string)
	dfs = func(u string) {
		seen[u] = true
		stack[u] = true
		path = append(path, u)
		for _, v := range graph[u] {
			if !seen[v] {
				dfs(v)
			} else if stack[v] {
				idx := -1
				for i, p := range path {
					if p == v {
						idx = i
						break
					}
				}
				var cycle []string
				if idx >= 0 {
					cycle = append(append([]string{}, path[idx:]...), v)
				} else {
					cycle = []string{u, v, u}
				}
				key := canon(cycle)
				if key != "" && !reported[key] {
					reported[key] = true
					uniq := []string{}
					seenIDs := map[string]bool{}
					for _, id := range cycle {
						if !seenIDs[id] {
							uniq = append(uniq, id)
							seenIDs[id] = true
						}
					}
					conflicts = append(conflicts, Conflict{
						Type: "cyclic_dependency", Severity: "high",
						Title:     "Циклическая зависимость контрактов",
						Details:   "Обнаружен цикл по секции «Связанные контракты»: " + strings.Join(cycle, " → "),
						Contracts: uniq,
					})
				}
			}
		}
		delete(stack, u)
		path = path[:len(path)-1]
	}

	for _, cid := range order {
		if !seen[cid] {
			dfs(cid)
		}
	}
	return conflicts
}
