package config

import (
	"sync"
	"sync/atomic"
)

// Snapshot is one published, immutable version of the settings.
type Snapshot struct {
	// Version increases by one on every accepted update.
	Version  int64
	Settings Settings
}

// Store publishes immutable settings snapshots. Readers always see a fully
// consistent version; a rejected update leaves the previous snapshot active.
type Store struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store with the given initial settings. The settings
// must already be validated.
func NewStore(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}

	s := &Store{}
	s.current.Store(&Snapshot{Version: 1, Settings: initial})

	return s, nil
}

// Current returns the active snapshot.
func (s *Store) Current() Snapshot {
	return *s.current.Load()
}

// Update applies fn to a copy of the current settings, validates the result,
// and publishes it as a new version. On validation failure nothing changes.
func (s *Store) Update(fn func(Settings) Settings) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.current.Load()

	next := fn(cloneSettings(current.Settings))
	if err := next.Validate(); err != nil {
		return *current, err
	}

	snapshot := &Snapshot{Version: current.Version + 1, Settings: next}
	s.current.Store(snapshot)

	return *snapshot, nil
}

// cloneSettings deep-copies the slice fields so an update callback cannot
// alias memory published in a previous snapshot.
func cloneSettings(s Settings) Settings {
	out := s
	out.Symbols = append([]string(nil), s.Symbols...)
	out.BlackoutHours = append([]int(nil), s.BlackoutHours...)

	return out
}
