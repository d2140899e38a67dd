package macro

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snapshot.json")
	store := NewSnapshotStore(path, zerolog.Nop())

	captured := time.Now().UTC().Add(-45 * time.Minute)
	obs := allPresentObservation()
	obs.CapturedAt = captured
	obs.Regime = RegimeNeutralMixed

	require.NoError(t, store.Save(obs))

	loaded, age, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, RegimeNeutralMixed, loaded.Regime)
	assert.Equal(t, VolModerate, loaded.Volatility.State)
	assert.InDelta(t, float64(45*time.Minute), float64(age), float64(5*time.Second))
}

func TestSnapshotStore_MissingFile(t *testing.T) {
	store := NewSnapshotStore(filepath.Join(t.TempDir(), "none.json"), zerolog.Nop())
	_, _, ok := store.Load()
	assert.False(t, ok)
}

func TestSnapshotStore_CorruptFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	store := NewSnapshotStore(path, zerolog.Nop())
	_, _, ok := store.Load()
	assert.False(t, ok)
}

func TestSnapshotStore_SaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewSnapshotStore(path, zerolog.Nop())

	first := allPresentObservation()
	first.CapturedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.Save(first))

	second := allPresentObservation()
	second.CapturedAt = time.Now().UTC()
	second.Volatility.State = VolElevated
	require.NoError(t, store.Save(second))

	loaded, age, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, VolElevated, loaded.Volatility.State)
	assert.Less(t, age, time.Minute)

	// No temp file left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
