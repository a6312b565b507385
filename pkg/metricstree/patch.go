package metricstree

import (
	"fmt"
	"strings"
)

// PatchResult reports the outcome of a tree text patch.
type PatchResult struct {
	OK      bool
	Changed bool
	Message string
	NewText string
}

// isContractLine reports whether a tree line looks like a contract row.
func isContractLine(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "data contract") || strings.Contains(s, "←") || strings.Contains(low, "контракт")
}

// MarkContractAgreed appends the agreed checkmark to the first line that
// matches the contract name and looks like a contract row. Deterministic
// and conservative: no structural rewrites.
func MarkContractAgreed(treeMD, contractNameOrID string) PatchResult {
	if treeMD == "" {
		return PatchResult{Message: "metrics_tree.md is empty", NewText: treeMD}
	}
	target := strings.TrimSpace(contractNameOrID)
	if target == "" {
		return PatchResult{Message: "missing contract identifier", NewText: treeMD}
	}

	lines := strings.Split(treeMD, "\n")
	lowTarget := strings.ToLower(target)
	for i, line := range lines {
		if !strings.Contains(strings.ToLower(line), lowTarget) || !isContractLine(line) {
			continue
		}
		if strings.Contains(line, "✅") {
			return PatchResult{
				OK:      true,
				Message: fmt.Sprintf("Already marked ✅ for %s", target),
				NewText: treeMD,
			}
		}
		lines[i] = strings.TrimRight(line, " \t") + " ✅"
		return PatchResult{
			OK:      true,
			Changed: true,
			Message: fmt.Sprintf("Marked ✅ for %s", target),
			NewText: strings.Join(lines, "\n"),
		}
	}

	return PatchResult{
		Message: fmt.Sprintf("Could not find contract node for '%s' in metrics_tree.md", target),
		NewText: treeMD,
	}
}

// ParseLinkagePath extracts the metric path from an Extra-Time linkage
// section: the first line containing an arrow, split on arrows. Returns
// nil when no line holds at least two path elements.
func ParseLinkagePath(text string) []string {
	normalized := text
	for _, arrow := range []string{"->", "—>", "=>"} {
		normalized = strings.ReplaceAll(normalized, arrow, "→")
	}
	for _, line := range strings.Split(normalized, "\n") {
		if !strings.Contains(line, "→") {
			continue
		}
		var parts []string
		for _, p := range strings.Split(line, "→") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) >= 2 {
			return parts
		}
		return nil
	}
	return nil
}

// EnsurePathInTree inserts missing nodes along a leaf→…→root path into
// the tree block. The path root must match the tree root. Inserted
// intermediates are plain nodes; the inserted leaf carries the contract
// marker and the agreed checkmark. When a new child lands under a node
// that already has children, the previously-last child's └── becomes ├──
// and its descendants' continuation columns switch from blanks to │.
func EnsurePathInTree(treeMD string, path []string) PatchResult {
	if len(path) < 2 {
		return PatchResult{Message: "path too short (need at least leaf and root)", NewText: treeMD}
	}

	root := Parse(treeMD)
	if root == nil {
		return PatchResult{Message: "no tree block found", NewText: treeMD}
	}

	// Root-first order.
	chain := make([]string, len(path))
	for i, name := range path {
		chain[len(path)-1-i] = name
	}

	if !nameMatches(root, chain[0]) {
		return PatchResult{
			Message: fmt.Sprintf("root mismatch: tree root is '%s', path root is '%s'", root.ShortName, chain[0]),
			NewText: treeMD,
		}
	}

	text := treeMD
	changed := false

	// Walk down, inserting each missing node. The document is re-parsed
	// after every insertion so line indexes stay valid.
	parentPath := []string{chain[0]}
	for i := 1; i < len(chain); i++ {
		name := chain[i]
		isLeaf := i == len(chain)-1

		cur := walkPath(Parse(text), parentPath)
		if cur == nil {
			return PatchResult{Message: "internal walk failure", NewText: treeMD}
		}
		child := findChild(cur, name)
		if child == nil {
			var err error
			text, err = insertChild(text, parentPath, name, isLeaf)
			if err != nil {
				return PatchResult{Message: err.Error(), NewText: treeMD}
			}
			changed = true
		}
		parentPath = append(parentPath, name)
	}

	if !changed {
		return PatchResult{OK: true, Message: "path already present", NewText: treeMD}
	}
	return PatchResult{OK: true, Changed: true, Message: "path inserted", NewText: text}
}

func nameMatches(n *Node, name string) bool {
	return strings.EqualFold(n.ShortName, name) || nodeSlug(n.ShortName) == nodeSlug(name)
}

func findChild(n *Node, name string) *Node {
	for _, c := range n.Children {
		if nameMatches(c, name) {
			return c
		}
	}
	return nil
}

// walkPath descends from the root along short names. The first element
// must match the root itself.
func walkPath(root *Node, names []string) *Node {
	if root == nil || len(names) == 0 || !nameMatches(root, names[0]) {
		return nil
	}
	cur := root
	for _, name := range names[1:] {
		cur = findChild(cur, name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func subtreeEnd(n *Node) int {
	end := n.line
	for _, c := range n.Children {
		if e := subtreeEnd(c); e > end {
			end = e
		}
	}
	return end
}

// replaceChunk swaps the 4-rune chunk at chunk index idx when it equals
// want.
func replaceChunk(line string, idx int, want, repl string) string {
	runes := []rune(line)
	pos := idx * 4
	if pos+4 > len(runes) {
		return line
	}
	if string(runes[pos:pos+4]) != want {
		return line
	}
	return string(runes[:pos]) + repl + string(runes[pos+4:])
}

func insertChild(text string, parentPath []string, name string, isLeaf bool) (string, error) {
	root := Parse(text)
	parent := walkPath(root, parentPath)
	if parent == nil {
		return text, fmt.Errorf("parent not found for '%s'", name)
	}

	lines := strings.Split(text, "\n")
	depth := parent.Depth + 1
	insertAt := subtreeEnd(parent) + 1

	// Continuation columns for every ancestor between the root and the
	// new node: blank when the ancestor is the last child of its parent.
	var prefix strings.Builder
	var ancestors []*Node
	for cur := parent; cur != nil && cur.Parent != nil; cur = cur.Parent {
		ancestors = append([]*Node{cur}, ancestors...)
	}
	for _, a := range ancestors {
		siblings := a.Parent.Children
		if siblings[len(siblings)-1] == a {
			prefix.WriteString("    ")
		} else {
			prefix.WriteString("│   ")
		}
	}
	prefix.WriteString("└── ")

	// The previously-last child loses its └── and its descendants gain a
	// │ continuation at this depth's column.
	if len(parent.Children) > 0 {
		prevLast := parent.Children[len(parent.Children)-1]
		lines[prevLast.line] = replaceChunk(lines[prevLast.line], depth-1, "└── ", "├── ")
		for i := prevLast.line + 1; i <= subtreeEnd(prevLast); i++ {
			lines[i] = replaceChunk(lines[i], depth-1, "    ", "│   ")
		}
	}

	newLine := prefix.String() + name
	if isLeaf {
		newLine += " " + ContractMarker + " ✅"
	}

	lines = append(lines[:insertAt], append([]string{newLine}, lines[insertAt:]...)...)
	return strings.Join(lines, "\n"), nil
}
