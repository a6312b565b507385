package llm

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompts_LoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "router.md"), []byte("классифицируй сообщение"), 0o644))

	p := NewPrompts(dir, slog.Default())
	assert.Equal(t, "классифицируй сообщение", p.Prompt("router.md"))

	// Cached copy survives file removal.
	require.NoError(t, os.Remove(filepath.Join(dir, "router.md")))
	assert.Equal(t, "классифицируй сообщение", p.Prompt("router.md"))
}

func TestPrompts_MissingTemplate(t *testing.T) {
	p := NewPrompts(t.TempDir(), slog.Default())
	assert.Equal(t, "", p.Prompt("nope.md"))
}
