package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Identity is the persisted agent identity.
type Identity struct {
	AgentID       string `json:"agentId"`
	WalletAddress string `json:"walletAddress"`
	Network       string `json:"network"`
}

// IdentityManager owns agent-identity.json. Without a private key the
// manager falls back to a read-only identity so status reads keep
// working while payment writes fail with ErrAgentUnavailable.
type IdentityManager struct {
	path       string
	network    string
	privateKey string
	log        zerolog.Logger

	mu       sync.Mutex
	identity *Identity
	readOnly bool
}

// NewIdentityManager creates the manager. privateKeyHex may be empty.
func NewIdentityManager(path, network, privateKeyHex string, log zerolog.Logger) *IdentityManager {
	return &IdentityManager{
		path:       path,
		network:    network,
		privateKey: privateKeyHex,
		log:        log.With().Str("component", "agent_identity").Logger(),
	}
}

// Engage loads or derives the agent identity and persists it. It is
// idempotent; repeated calls return the cached identity.
func (m *IdentityManager) Engage(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity != nil && !m.readOnly {
		return m.identity.WalletAddress, nil
	}

	if m.privateKey != "" {
		key, err := crypto.HexToECDSA(trimHexPrefix(m.privateKey))
		if err != nil {
			return "", fmt.Errorf("%w: parse agent key: %v", domain.ErrAgentUnavailable, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		m.identity = &Identity{
			AgentID:       m.agentID(),
			WalletAddress: addr.Hex(),
			Network:       m.network,
		}
		m.readOnly = false
		if err := m.persistLocked(); err != nil {
			m.log.Warn().Err(err).Msg("Agent identity persist failed")
		}
		return m.identity.WalletAddress, nil
	}

	// Read-only fallback: reuse a previously persisted identity when
	// present so wallet-indexed status reads stay stable.
	if stored := m.loadStored(); stored != nil {
		m.identity = stored
		m.readOnly = true
		return stored.WalletAddress, fmt.Errorf("%w: no agent key configured, read-only identity", domain.ErrAgentUnavailable)
	}

	m.identity = &Identity{AgentID: m.agentID(), Network: m.network}
	m.readOnly = true
	return "", fmt.Errorf("%w: no agent key configured", domain.ErrAgentUnavailable)
}

// Current returns the engaged identity, if any.
func (m *IdentityManager) Current() (Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return Identity{}, false
	}
	return *m.identity, true
}

// ReadOnly reports whether the identity cannot sign.
func (m *IdentityManager) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly || m.identity == nil
}

func (m *IdentityManager) agentID() string {
	if stored := m.loadStored(); stored != nil && stored.AgentID != "" {
		return stored.AgentID
	}
	return "selun-agent-" + uuid.NewString()
}

func (m *IdentityManager) loadStored() *Identity {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		m.log.Warn().Err(err).Str("path", m.path).Msg("Ignoring corrupt agent identity file")
		return nil
	}
	if id.WalletAddress == "" {
		return nil
	}
	return &id
}

func (m *IdentityManager) persistLocked() error {
	data, err := json.MarshalIndent(m.identity, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
