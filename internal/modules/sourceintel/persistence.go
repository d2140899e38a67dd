package sourceintel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileState is the on-disk layout of source-intelligence.json.
type fileState struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Records   []Record  `json:"records"`
}

// Load replaces the registry contents from path. A missing or corrupt
// file leaves the registry empty; credibility is re-learned.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read source intelligence: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("Ignoring corrupt source intelligence file")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[key]*Record, len(state.Records))
	for i := range state.Records {
		rec := state.Records[i]
		r.records[key{rec.Domain, rec.Provider}] = &rec
	}

	r.log.Info().Int("records", len(state.Records)).Msg("Source intelligence loaded")
	return nil
}

// Persist writes the registry to path via tmp + atomic rename.
func (r *Registry) Persist(path string) error {
	state := fileState{
		UpdatedAt: r.now().UTC(),
		Records:   r.Snapshot(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal source intelligence: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write source intelligence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename source intelligence: %w", err)
	}
	return nil
}
