package credential

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileStore implements file-based credential storage. Secrets are kept
// hex-encoded in a JSON object keyed by UUID string.
type FileStore struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStore creates a new file-based credential store.
func NewFileStore(filePath string) (*FileStore, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	fs := &FileStore{filePath: filePath}

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := fs.save(make(map[string]string)); err != nil {
			return nil, fmt.Errorf("failed to create credential file: %w", err)
		}
	}

	return fs, nil
}

func (fs *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(fs.filePath) // nolint:gosec // path is operator-supplied config
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	return secrets, nil
}

func (fs *FileStore) save(secrets map[string]string) error {
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := fs.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpFile, fs.filePath)
}

// Set stores or replaces the secret for id.
func (fs *FileStore) Set(id uuid.UUID, secret []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	secrets, err := fs.load()
	if err != nil {
		return err
	}

	secrets[id.String()] = hex.EncodeToString(secret)
	return fs.save(secrets)
}

// Get retrieves the secret for id.
func (fs *FileStore) Get(id uuid.UUID) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	secrets, err := fs.load()
	if err != nil {
		return nil, err
	}

	encoded, ok := secrets[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return hex.DecodeString(encoded)
}

// Delete removes the secret for id.
func (fs *FileStore) Delete(id uuid.UUID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	secrets, err := fs.load()
	if err != nil {
		return err
	}

	delete(secrets, id.String())
	return fs.save(secrets)
}

// List returns every registered UUID.
func (fs *FileStore) List() ([]uuid.UUID, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	secrets, err := fs.load()
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(secrets))
	for raw := range secrets {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
