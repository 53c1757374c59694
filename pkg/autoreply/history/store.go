// Package history implements the bounded per-contact conversation store.
// History is kept in memory, guarded by a single lock, and mirrored to a
// human-readable JSON file that is rewritten wholesale on every save.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ContactID identifies a chat peer by its normalized address.
type ContactID string

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one stored message. Timestamp is in unix milliseconds.
type Entry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Turn is an entry without its timestamp, as fed to the completion prompt.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds conversation store settings.
type Config struct {
	// File is the JSON file history is persisted to.
	File string `yaml:"file"`

	// MaxMessages caps the number of entries kept per contact.
	MaxMessages int `yaml:"max_messages"`

	// SaveInterval is how often history is flushed to disk while connected.
	SaveInterval time.Duration `yaml:"save_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		File:         "./data/chat_history.json",
		MaxMessages:  50,
		SaveInterval: 30 * time.Second,
	}
}

// Stats summarizes the store contents.
type Stats struct {
	Contacts int `json:"contacts"`
	Messages int `json:"messages"`
}

// Store is the conversation history store. All methods are safe for
// concurrent use; each Append is applied atomically.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[ContactID][]Entry

	// fileMu serializes writers of the backing file. When both are held,
	// fileMu is taken before mu.
	fileMu sync.Mutex

	autosave autosaver
}

// New creates an empty store. Call Load to read persisted history.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.File == "" {
		cfg.File = defaults.File
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaults.MaxMessages
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = defaults.SaveInterval
	}
	return &Store{
		cfg:     cfg,
		logger:  logger.With("component", "history"),
		now:     time.Now,
		entries: make(map[ContactID][]Entry),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.cfg.File }

// Load replaces the in-memory history with the contents of the backing
// file. A missing or unreadable file leaves the store empty; errors are
// logged and never returned.
func (s *Store) Load() {
	loaded, err := readFile(s.cfg.File)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, os.ErrNotExist):
		s.entries = make(map[ContactID][]Entry)
		s.logger.Info("no existing chat history, starting fresh", "path", s.cfg.File)
		return
	case err != nil:
		s.entries = make(map[ContactID][]Entry)
		s.logger.Error("failed to load chat history, starting empty",
			"path", s.cfg.File, "error", err)
		return
	}

	// Enforce the cap on data written by an older, larger configuration.
	for id, list := range loaded {
		loaded[id] = trim(list, s.cfg.MaxMessages)
	}
	s.entries = loaded
	s.logger.Info("chat history loaded", "contacts", len(loaded))
}

// Append records a message for contact, evicting the oldest entries once
// the per-contact cap is exceeded.
func (s *Store) Append(contact ContactID, role, content string) {
	ts := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.entries[contact]
	if n := len(list); n > 0 && list[n-1].Timestamp > ts {
		// Wall clock stepped backwards; keep stored order chronological.
		ts = list[n-1].Timestamp
	}
	list = append(list, Entry{Role: role, Content: content, Timestamp: ts})
	s.entries[contact] = trim(list, s.cfg.MaxMessages)
}

// History returns the role/content pairs stored for contact, oldest first.
// Unknown contacts yield an empty slice.
func (s *Store) History(contact ContactID) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[contact]
	turns := make([]Turn, 0, len(list))
	for _, e := range list {
		turns = append(turns, Turn{Role: e.Role, Content: e.Content})
	}
	return turns
}

// Len returns the number of entries stored for contact.
func (s *Store) Len(contact ContactID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[contact])
}

// Stats returns contact and message totals.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Contacts: len(s.entries)}
	for _, list := range s.entries {
		st.Messages += len(list)
	}
	return st
}

// Snapshot returns a deep copy of the full history map.
func (s *Store) Snapshot() map[ContactID][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEntries(s.entries)
}

// Persist writes the full history to the backing file. The write goes to
// a temporary file that is renamed into place, so readers never observe a
// half-written file. The snapshot is taken under the file lock so a
// concurrent Clear is never undone by an older snapshot.
func (s *Store) Persist() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	snapshot := s.Snapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.logger.Error("failed to encode chat history", "error", err)
		return fmt.Errorf("encoding history: %w", err)
	}

	if err := writeFileAtomic(s.cfg.File, data); err != nil {
		s.logger.Error("failed to save chat history", "path", s.cfg.File, "error", err)
		return err
	}
	s.logger.Debug("chat history saved", "contacts", len(snapshot))
	return nil
}

// Clear drops all history and removes the backing file.
func (s *Store) Clear() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	s.entries = make(map[ContactID][]Entry)
	s.mu.Unlock()

	if err := os.Remove(s.cfg.File); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("failed to remove chat history file", "path", s.cfg.File, "error", err)
		return fmt.Errorf("removing history file: %w", err)
	}
	s.logger.Info("chat history cleared")
	return nil
}

// ---------- Internal ----------

func readFile(path string) (map[ContactID][]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[ContactID][]Entry
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if out == nil {
		out = make(map[ContactID][]Entry)
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing history file: %w", err)
	}
	return nil
}

// trim drops the oldest entries so that at most max remain.
func trim(list []Entry, max int) []Entry {
	if max <= 0 || len(list) <= max {
		return list
	}
	kept := make([]Entry, max)
	copy(kept, list[len(list)-max:])
	return kept
}

func cloneEntries(in map[ContactID][]Entry) map[ContactID][]Entry {
	out := make(map[ContactID][]Entry, len(in))
	for id, list := range in {
		cp := make([]Entry, len(list))
		copy(cp, list)
		out[id] = cp
	}
	return out
}
