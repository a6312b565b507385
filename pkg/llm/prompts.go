package llm

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Prompts serves prompt templates from a directory. Missing templates
// resolve to an empty string so a broken deployment degrades to generic
// model behavior instead of crashing.
type Prompts struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewPrompts builds a loader rooted at dir.
func NewPrompts(dir string, logger *slog.Logger) *Prompts {
	return &Prompts{
		dir:    dir,
		logger: logger.With("component", "prompts"),
		cache:  map[string]string{},
	}
}

// Prompt returns the template with the given file name, e.g. "router.md".
func (p *Prompts) Prompt(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[name]; ok {
		return cached
	}
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		p.logger.Warn("prompt template missing", "name", name, "error", err)
		p.cache[name] = ""
		return ""
	}
	p.cache[name] = string(data)
	return string(data)
}
