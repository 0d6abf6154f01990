// Package session persists per-account gateway SessionState to disk, the
// same mutex-protected, closure-over-lock pattern used for other on-disk
// state in this codebase, adapted to debounce writes so a steady stream of
// sequence-number updates does not produce one fsync per frame.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"qqbotgw/internal/domain"
)

const defaultFlushInterval = 2 * time.Second

// Store is keyed by accountId and holds the five-field SessionState
// described for the gateway: sessionId, lastSeq, lastConnectedAt,
// intentLevelIndex, savedAt.
type Store struct {
	mu        sync.Mutex
	states    map[string]domain.SessionState
	dirty     bool
	stateFile string

	flushInterval time.Duration
}

// NewStore loads (or creates) dataDir/sessions.json and returns a Store.
// Call Run in a goroutine to start the debounced background flusher.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		states:        map[string]domain.SessionState{},
		stateFile:     filepath.Join(dataDir, "sessions.json"),
		flushInterval: defaultFlushInterval,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.stateFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var states map[string]domain.SessionState
	if err := json.Unmarshal(raw, &states); err != nil {
		return err
	}
	if states == nil {
		states = map[string]domain.SessionState{}
	}
	s.states = states
	return nil
}

// Load returns the persisted SessionState for accountID, if any.
func (s *Store) Load(accountID string) (domain.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[accountID]
	return state, ok
}

// Save updates accountID's in-memory SessionState and marks the store
// dirty; the actual disk write happens on the next flush (see Run),
// coalescing rapid successive updates (e.g. one per inbound frame).
func (s *Store) Save(state domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}
	s.states[state.AccountID] = state
	s.dirty = true
	return nil
}

// Run flushes dirty state to disk every flushInterval until ctx is
// cancelled, performing one final flush on exit so a clean shutdown never
// loses the last update.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Flush()
			return
		case <-ticker.C:
			_ = s.Flush()
		}
	}
}

// Flush writes the current in-memory state to disk if it has changed since
// the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	raw, err := json.MarshalIndent(s.states, "", "  ")
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.stateFile, raw, 0o644)
}
