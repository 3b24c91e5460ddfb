package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbd54566975/web5-agent-go/internal/logging"
	"github.com/tbd54566975/web5-agent-go/internal/store"
)

// StoreKey is the key under which the ClientIdentity blob is persisted.
const StoreKey = "identity"

// Manager loads, creates and persists the ClientIdentity.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates an identity manager backed by the given store.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{store: s, logger: logger}
}

// Load restores the persisted ClientIdentity, or store.ErrNotFound if none
// exists yet.
func (m *Manager) Load() (*ClientIdentity, error) {
	data, err := m.store.Get(StoreKey)
	if err != nil {
		return nil, err
	}

	var ci ClientIdentity
	if err := json.Unmarshal(data, &ci); err != nil {
		return nil, fmt.Errorf("failed to decode stored identity: %w", err)
	}
	return &ci, nil
}

// Ensure restores the ClientIdentity from the store, generating and
// persisting a new one if absent. It must complete before discovery begins.
func (m *Manager) Ensure() (*ClientIdentity, error) {
	ci, err := m.Load()
	if err == nil {
		m.logger.Debug("restored identity", logging.KeyDID, ci.ID)
		return ci, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to restore identity: %w", err)
	}

	ci, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := m.Save(ci); err != nil {
		return nil, err
	}

	m.logger.Info("created identity", logging.KeyDID, ci.ID)
	return ci, nil
}

// Save persists the ClientIdentity, bumping its update timestamp.
func (m *Manager) Save(ci *ClientIdentity) error {
	ci.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(ci)
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := m.store.Put(StoreKey, data); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}
	return nil
}
