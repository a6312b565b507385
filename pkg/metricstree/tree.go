// Package metricstree parses and patches the company metrics tree kept in
// context/metrics_tree.md. The tree is a box-drawing code block under the
// "## Дерево" heading; contract-bearing nodes carry the "← DATA CONTRACT"
// marker and agreed ones additionally carry "✅".
package metricstree

import (
	"strings"

	"github.com/daai/steward/pkg/router"
)

// ContractMarker flags a tree node that must be backed by a data contract.
const ContractMarker = "← DATA CONTRACT"

// Node is one metric in the tree.
type Node struct {
	Name              string // "WIN NI (New Income от новых клиентов)"
	ShortName         string // "WIN NI"
	HasContractMarker bool
	IsAgreed          bool
	Depth             int
	Children          []*Node
	Parent            *Node

	line int // index into the document lines, used by patch operations
}

// parseDepth returns (depth, name) for a tree line. Depth units are 4-char
// chunks: "│   " and "    " continue, "├── " and "└── " terminate.
func parseDepth(line string) (int, string) {
	stripped := strings.TrimRight(line, " \t")
	if stripped == "" {
		return 0, ""
	}
	runes := []rune(stripped)
	depth := 0
	i := 0
	for i+4 <= len(runes) {
		chunk := string(runes[i : i+4])
		if chunk == "│   " || chunk == "    " {
			depth++
			i += 4
			continue
		}
		if runes[i] == '├' || runes[i] == '└' {
			depth++
			i += 4
		}
		break
	}
	return depth, strings.TrimSpace(string(runes[i:]))
}

// shortName is the text before the first '(' with trailing arrows trimmed.
func shortName(name string) string {
	s, _, _ := strings.Cut(name, "(")
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "←")
	return strings.TrimSpace(s)
}

// blockBounds finds the fenced code block after "## Дерево". Returns line
// indexes [start, end) of the block content, or ok=false.
func blockBounds(lines []string) (int, int, bool) {
	section := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "## Дерево") {
			section = i
			break
		}
	}
	if section < 0 {
		return 0, 0, false
	}
	start := -1
	for i := section + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return 0, 0, false
	}
	for i := start; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			return start, i, true
		}
	}
	return 0, 0, false
}

// Parse builds the tree from metrics_tree.md markdown. Returns nil when
// the document has no tree block.
func Parse(treeMD string) *Node {
	if treeMD == "" {
		return nil
	}
	lines := strings.Split(treeMD, "\n")
	start, end, ok := blockBounds(lines)
	if !ok {
		return nil
	}

	var root *Node
	var stack []*Node

	for i := start; i < end; i++ {
		depth, rawName := parseDepth(lines[i])
		if rawName == "" {
			continue
		}
		// Hand-edited trees can jump more than one level at once; clamp
		// to the deepest known level instead of leaving a gap.
		if depth > len(stack) {
			depth = len(stack)
		}

		hasMarker := strings.Contains(rawName, ContractMarker)
		isAgreed := strings.Contains(rawName, "✅")
		cleanName := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(rawName, ContractMarker, ""), "✅", ""))

		node := &Node{
			Name:              cleanName,
			ShortName:         shortName(cleanName),
			HasContractMarker: hasMarker,
			IsAgreed:          isAgreed,
			Depth:             depth,
			line:              i,
		}

		if depth == 0 {
			root = node
			stack = []*Node{node}
			continue
		}
		if len(stack) > depth {
			stack = stack[:depth]
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, node)
			node.Parent = parent
		}
		stack = append(stack, node)
	}

	return root
}

// Uncovered returns nodes carrying the contract marker without the agreed
// checkmark, in document order.
func Uncovered(root *Node) []*Node {
	var result []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if n.HasContractMarker && !n.IsAgreed {
			result = append(result, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return result
}

// PathToRoot renders "WIN NI → New Clients → MAU → Extra Time".
func PathToRoot(node *Node) string {
	var parts []string
	for cur := node; cur != nil; cur = cur.Parent {
		parts = append(parts, cur.ShortName)
	}
	return strings.Join(parts, " → ")
}

// Siblings returns same-parent nodes excluding node itself.
func Siblings(node *Node) []*Node {
	if node.Parent == nil {
		return nil
	}
	var sibs []*Node
	for _, c := range node.Parent.Children {
		if c != node {
			sibs = append(sibs, c)
		}
	}
	return sibs
}

func nodeSlug(s string) string {
	if isASCII(s) {
		return strings.ReplaceAll(strings.ToLower(s), " ", "_")
	}
	return router.Slugify(s)
}

func isASCII(s string) bool {
	for _, ch := range s {
		if ch >= 128 {
			return false
		}
	}
	return true
}

// FindNode locates a node by contract id or metric name, comparing
// slugified short names and full names.
func FindNode(root *Node, contractID string) *Node {
	if root == nil || contractID == "" {
		return nil
	}
	target := nodeSlug(contractID)

	var walk func(*Node) *Node
	walk = func(n *Node) *Node {
		if nodeSlug(n.ShortName) == target || strings.EqualFold(n.ShortName, contractID) {
			return n
		}
		if nodeSlug(n.Name) == target {
			return n
		}
		for _, c := range n.Children {
			if found := walk(c); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(root)
}
