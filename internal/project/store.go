// Package project stores project scripts on disk: named saves plus
// timestamped autosave snapshots taken after each successful
// generation.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const scriptExt = ".py"

// Store keeps project scripts under one base directory. All paths are
// confined to it; names that try to escape are rejected.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "autosave"), 0o755); err != nil {
		return nil, fmt.Errorf("creating project directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// resolve validates a project name and maps it to a path inside the
// base directory.
func (s *Store) resolve(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "" || cleaned == "." ||
		strings.Contains(cleaned, "..") || filepath.IsAbs(cleaned) ||
		strings.ContainsRune(cleaned, filepath.Separator) {
		return "", fmt.Errorf("invalid project name %q", name)
	}
	return filepath.Join(s.baseDir, cleaned+scriptExt), nil
}

// Save writes a named project script.
func (s *Store) Save(name, code string) error {
	path, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return fmt.Errorf("writing project %q: %w", name, err)
	}
	return nil
}

// Load reads a named project script.
func (s *Store) Load(name string) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading project %q: %w", name, err)
	}
	return string(data), nil
}

// List returns the saved project names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), scriptExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), scriptExt))
	}
	sort.Strings(names)
	return names, nil
}

// Autosave writes a snapshot named after the time and a prompt
// snippet, e.g. 2025-06-01_1504_spur-gear-with-20-teeth.py.
func (s *Store) Autosave(prompt, code string) (string, error) {
	stamp := time.Now().Format("2006-01-02_1504")
	name := fmt.Sprintf("%s_%s%s", stamp, snippet(prompt, 30), scriptExt)
	path := filepath.Join(s.baseDir, "autosave", name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("writing autosave: %w", err)
	}
	return path, nil
}

// PruneAutosaves keeps the newest keep snapshots.
func (s *Store) PruneAutosaves(keep int) error {
	if keep <= 0 {
		return nil
	}
	dir := filepath.Join(s.baseDir, "autosave")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing autosaves: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("pruning autosave %q: %w", name, err)
		}
	}
	return nil
}

// snippet converts a prompt into a short filename component.
func snippet(prompt string, maxLen int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prompt) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "untitled"
	}
	return out
}
