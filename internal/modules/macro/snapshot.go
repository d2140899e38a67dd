package macro

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotStore persists the last-known-good macro observation. The
// file is replaced atomically after every successful live collection
// and read back when live collection is exhausted.
type SnapshotStore struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
	now  func() time.Time
}

// NewSnapshotStore creates a snapshot store at path.
func NewSnapshotStore(path string, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		path: path,
		log:  log.With().Str("component", "macro_snapshot").Logger(),
		now:  time.Now,
	}
}

// Save replaces the stored snapshot. Write goes through a temp file
// and rename so a crash never leaves a truncated snapshot behind.
func (s *SnapshotStore) Save(obs *Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	s.log.Debug().Str("path", s.path).Msg("Macro snapshot persisted")
	return nil
}

// Load returns the stored snapshot and its age. A missing or corrupt
// file reports ok=false; corruption is logged, never fatal.
func (s *SnapshotStore) Load() (obs *Observation, age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, 0, false
	}

	var stored Observation
	if err := json.Unmarshal(data, &stored); err != nil {
		s.log.Warn().Str("path", s.path).Err(err).Msg("Macro snapshot unreadable, ignoring")
		return nil, 0, false
	}
	if stored.CapturedAt.IsZero() {
		return nil, 0, false
	}

	return &stored, s.now().UTC().Sub(stored.CapturedAt), true
}
