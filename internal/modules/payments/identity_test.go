package payments

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Well-known throwaway key (hardhat account 0); never funded on any
// network this engine talks to.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testKeyAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

func TestEngageDerivesAndPersistsIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-identity.json")
	m := NewIdentityManager(path, "base-mainnet", testKey, zerolog.Nop())

	addr, err := m.Engage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testKeyAddress, addr)
	assert.False(t, m.ReadOnly())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var id Identity
	require.NoError(t, json.Unmarshal(data, &id))
	assert.Equal(t, testKeyAddress, id.WalletAddress)
	assert.Equal(t, "base-mainnet", id.Network)
	assert.NotEmpty(t, id.AgentID)
}

func TestEngageWithoutKeyIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-identity.json")
	m := NewIdentityManager(path, "base-mainnet", "", zerolog.Nop())

	_, err := m.Engage(context.Background())
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)
	assert.True(t, m.ReadOnly())
}

func TestReadOnlyFallbackReusesStoredIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-identity.json")

	// A previous keyed run persisted the identity.
	keyed := NewIdentityManager(path, "base-mainnet", testKey, zerolog.Nop())
	_, err := keyed.Engage(context.Background())
	require.NoError(t, err)

	// A keyless restart still resolves the same wallet for status reads.
	keyless := NewIdentityManager(path, "base-mainnet", "", zerolog.Nop())
	addr, err := keyless.Engage(context.Background())
	assert.ErrorIs(t, err, domain.ErrAgentUnavailable)
	assert.Equal(t, testKeyAddress, addr)
}

func TestAgentIDStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent-identity.json")

	first := NewIdentityManager(path, "base-mainnet", testKey, zerolog.Nop())
	_, err := first.Engage(context.Background())
	require.NoError(t, err)
	id1, ok := first.Current()
	require.True(t, ok)

	second := NewIdentityManager(path, "base-mainnet", testKey, zerolog.Nop())
	_, err = second.Engage(context.Background())
	require.NoError(t, err)
	id2, ok := second.Current()
	require.True(t, ok)

	assert.Equal(t, id1.AgentID, id2.AgentID)
}
