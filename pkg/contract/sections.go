// Package contract holds the pure logic over data-contract markdown:
// section extraction, deterministic validation, lifecycle status rules and
// summary generation. Nothing here touches the filesystem or the network.
package contract

import (
	"regexp"
	"strings"
)

var (
	reH1 = regexp.MustCompile(`(?m)^#\s+Data Contract:\s*(.+?)\s*$`)
	reH2 = regexp.MustCompile(`^##\s+(.+?)\s*$`)
)

// Sections splits markdown into its "## <title>" sections. Text before the
// first heading is dropped; duplicate headings merge into the first.
func Sections(md string) map[string]string {
	sections := map[string][]string{}
	var current string
	haveCurrent := false

	for _, line := range strings.Split(md, "\n") {
		if m := reH2.FindStringSubmatch(line); m != nil {
			current = strings.TrimSpace(m[1])
			haveCurrent = true
			if _, ok := sections[current]; !ok {
				sections[current] = []string{}
			}
			continue
		}
		if haveCurrent {
			sections[current] = append(sections[current], line)
		}
	}

	result := make(map[string]string, len(sections))
	for title, lines := range sections {
		result[title] = strings.TrimSpace(strings.Join(lines, "\n"))
	}
	return result
}

// Name extracts the contract name from the "# Data Contract: <name>" H1,
// falling back to fallback when the heading is missing.
func Name(md, fallback string) string {
	if m := reH1.FindStringSubmatch(md); m != nil {
		return strings.TrimSpace(m[1])
	}
	return fallback
}
