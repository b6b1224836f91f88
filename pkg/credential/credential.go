// Package credential manages the per-UUID shared secrets a TUIC server
// validates Auth commands against. Unlike a password store, the secret
// itself must be retrievable in full: the server recomputes the TLS
// exporter token (pkg/tuicauth) from the raw secret bytes, it never
// compares hashes.
package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tuicmesh/tuicd/pkg/logger"
)

// ErrNotFound is returned when no secret is registered for a UUID.
var ErrNotFound = errors.New("credential: uuid not registered")

// Type identifies a credential storage backend.
type Type string

const (
	// Memory stores credentials in-process only; lost on restart.
	Memory Type = "memory"
	// File stores credentials as JSON on disk.
	File Type = "file"
	// SQLite stores credentials in a local sqlite database.
	SQLite Type = "sqlite"
)

// Store is the persistence contract a Manager delegates to.
type Store interface {
	// Set stores or replaces the secret for uuid.
	Set(id uuid.UUID, secret []byte) error
	// Get retrieves the secret registered for uuid.
	Get(id uuid.UUID) ([]byte, error)
	// Delete removes the secret registered for uuid, if any.
	Delete(id uuid.UUID) error
	// List returns every registered UUID.
	List() ([]uuid.UUID, error)
}

// Config selects and configures a Store implementation.
type Config struct {
	Type     Type   `yaml:"type"`
	FilePath string `yaml:"file_path"` // File and SQLite backends
}

// Manager serializes access to a Store and is the type the TUIC
// authenticator (pkg/tuicauth) depends on to resolve Auth credentials.
type Manager struct {
	store Store
	mu    sync.RWMutex
}

// NewManager creates a Manager backed by the store named in config.
func NewManager(config *Config) (*Manager, error) {
	if config == nil {
		config = &Config{Type: Memory}
	}

	var store Store
	var err error

	switch config.Type {
	case Memory, "":
		store = NewMemoryStore()
		logger.Info("created memory-based credential store")
	case File:
		if config.FilePath == "" {
			config.FilePath = "credentials.json"
		}
		store, err = NewFileStore(config.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create file store: %w", err)
		}
		logger.Info("created file-based credential store", "file", config.FilePath)
	case SQLite:
		if config.FilePath == "" {
			config.FilePath = "credentials.db"
		}
		store, err = NewSQLiteStore(config.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite store: %w", err)
		}
		logger.Info("created sqlite-based credential store", "file", config.FilePath)
	default:
		return nil, fmt.Errorf("unsupported credential store type: %s", config.Type)
	}

	return &Manager{store: store}, nil
}

// Register stores or replaces the secret for a UUID.
func (m *Manager) Register(id uuid.UUID, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(secret) == 0 {
		return errors.New("secret cannot be empty")
	}

	if err := m.store.Set(id, secret); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}

	logger.Info("registered credential", "uuid", id)
	return nil
}

// Secret returns the secret registered for a UUID, or ErrNotFound.
func (m *Manager) Secret(id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.store.Get(id)
}

// Remove deletes the secret registered for a UUID.
func (m *Manager) Remove(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(id); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}

	logger.Info("removed credential", "uuid", id)
	return nil
}

// List returns every registered UUID.
func (m *Manager) List() ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.store.List()
}
