// Package store persists all steward state as a plain file tree rooted at
// the data directory: contracts/, drafts/, context/, participants/, tasks/
// and memory/. Files are the source of truth; there is no database.
//
// Write semantics: every file write goes through temp-file + rename on the
// same filesystem, so readers never observe a half-written file. Batch
// writes stage every temp file before renaming any of them. Failed writes
// are retried with exponential backoff.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options tune write retries and thread TTL. Zero values fall back to the
// documented defaults.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	ThreadTTL   time.Duration
}

// Store is safe for concurrent use by multiple goroutines as long as
// callers serialize read-modify-write sequences on the same file (the
// listener and planner each hold their own locks for that).
type Store struct {
	baseDir     string
	maxRetries  int
	backoffBase time.Duration
	threadTTL   time.Duration
	logger      *slog.Logger

	now func() time.Time
}

// New creates a Store rooted at baseDir.
func New(baseDir string, opts Options) *Store {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.ThreadTTL <= 0 {
		opts.ThreadTTL = 7 * 24 * time.Hour
	}
	return &Store{
		baseDir:     baseDir,
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		threadTTL:   opts.ThreadTTL,
		logger:      slog.Default().With("component", "store"),
		now:         time.Now,
	}
}

// BaseDir returns the data tree root.
func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) path(rel string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(rel))
}

// versionTS returns a UTC timestamp with microseconds, collision-free for
// rapid successive saves: 20260301T101530.123456Z
func (s *Store) versionTS() string {
	return s.now().UTC().Format("20060102T150405.000000") + "Z"
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// retryIO runs fn up to maxRetries times with exponential backoff.
func (s *Store) retryIO(description string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < s.maxRetries {
			delay := s.backoffBase * (1 << (attempt - 1))
			s.logger.Warn("I/O error, retrying",
				"op", description, "attempt", attempt, "max", s.maxRetries,
				"delay", delay, "error", err)
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", description, s.maxRetries, err)
}

// ReadFile reads a file relative to the data root. The second return value
// is false when the file does not exist.
func (s *Store) ReadFile(rel string) (string, bool) {
	data, err := os.ReadFile(s.path(rel))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Read failed", "path", rel, "error", err)
		}
		return "", false
	}
	return string(data), true
}

// WriteFile atomically writes content to a file relative to the data root.
func (s *Store) WriteFile(rel, content string) error {
	return s.retryIO("write "+rel, func() error {
		return s.atomicWrite(rel, content)
	})
}

func (s *Store) atomicWrite(rel, content string) error {
	final := s.path(rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp_*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), final)
}

// ReadJSON reads and unmarshals a JSON file into v. Returns false when the
// file does not exist or holds invalid JSON.
func (s *Store) ReadJSON(rel string, v any) bool {
	content, ok := s.ReadFile(rel)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(content), v); err != nil {
		s.logger.Error("Invalid JSON", "path", rel, "error", err)
		return false
	}
	return true
}

// WriteJSON atomically writes v as indented JSON.
func (s *Store) WriteJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	return s.WriteFile(rel, string(data))
}

// AppendJSONL appends a single JSON line to a JSONL file.
func (s *Store) AppendJSONL(rel string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	line := append(data, '\n')
	return s.retryIO("append "+rel, func() error {
		full := s.path(rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write(line); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// ReadJSONL reads a JSONL file into a slice of loose records. Invalid lines
// are logged and skipped; a missing file yields an empty slice.
func (s *Store) ReadJSONL(rel string) []map[string]any {
	content, ok := s.ReadFile(rel)
	if !ok {
		return nil
	}
	var items []map[string]any
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			s.logger.Error("Invalid JSONL line", "path", rel, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items
}

// FileWrite is one entry of a WriteBatch.
type FileWrite struct {
	Path    string
	Content string
}

// WriteBatch writes multiple files atomically using temp + rename. All
// temp files are staged before any rename; if staging fails, no final
// file is touched.
func (s *Store) WriteBatch(writes []FileWrite) error {
	type staged struct {
		tmp, final string
	}
	var files []staged

	cleanup := func() {
		for _, f := range files {
			os.Remove(f.tmp)
		}
	}

	for _, w := range writes {
		final := s.path(w.Path)
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", w.Path, err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp_*")
		if err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", w.Path, err)
		}
		if _, err := tmp.WriteString(w.Content); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			cleanup()
			return fmt.Errorf("stage %s: %w", w.Path, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			cleanup()
			return fmt.Errorf("stage %s: %w", w.Path, err)
		}
		files = append(files, staged{tmp: tmp.Name(), final: final})
	}

	for _, f := range files {
		if err := os.Rename(f.tmp, f.final); err != nil {
			return fmt.Errorf("commit %s: %w", f.final, err)
		}
	}
	return nil
}

// AuditLog appends an audit entry to memory/audit.jsonl. Failures are
// logged but never propagated; auditing must not block the operation.
func (s *Store) AuditLog(action string, fields map[string]any) {
	entry := map[string]any{
		"ts":     s.now().UTC().Format(time.RFC3339),
		"action": action,
	}
	for k, v := range fields {
		entry[k] = v
	}
	if err := s.AppendJSONL("memory/audit.jsonl", entry); err != nil {
		s.logger.Warn("Audit log write failed", "error", err)
	}
}

// LoadFiles concatenates the given files into one context block, skipping
// files that do not exist.
func (s *Store) LoadFiles(paths []string) string {
	var parts []string
	for _, p := range paths {
		if content, ok := s.ReadFile(p); ok && content != "" {
			parts = append(parts, fmt.Sprintf("--- %s ---\n%s", p, content))
		}
	}
	return strings.Join(parts, "\n\n")
}
