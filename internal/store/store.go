package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Store is a bounded journal of reconcile and supervise events persisted as JSON.
type Store struct {
	config StoreConfig
	events []Event
	mu     sync.RWMutex
}

type StoreConfig struct {
	Enabled   bool
	Path      string
	MaxEvents int
}

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Repo      string    `json:"repo"`
	Runner    string    `json:"runner,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// New creates a new store instance
func New(cfg StoreConfig) (*Store, error) {
	s := &Store{
		config: cfg,
		events: make([]Event, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// Record appends an event and persists the journal. A disabled or nil store
// drops the event.
func (s *Store) Record(event Event) error {
	if s == nil || !s.config.Enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)

	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	if s.config.Path == "" {
		return nil
	}
	return s.persist()
}

// Recent returns up to count of the newest events, oldest first.
func (s *Store) Recent(count int) []Event {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.events) {
		count = len(s.events)
	}

	return append([]Event(nil), s.events[len(s.events)-count:]...)
}

// ForRun returns every retained event of one conductor run.
func (s *Store) ForRun(runID string) []Event {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) Enabled() bool {
	return s != nil && s.config.Enabled
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.events)
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	tmp := s.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return os.Rename(tmp, s.config.Path)
}
