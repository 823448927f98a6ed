package backend

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type activationFile struct {
	Activated bool `json:"activated"`
}

// FileActivationStore persists the device activation flag as a JSON
// file. Activation is device scope, independent of the user session.
type FileActivationStore struct {
	mu   sync.Mutex
	path string
}

func NewFileActivationStore(path string) *FileActivationStore {
	return &FileActivationStore{path: path}
}

func (s *FileActivationStore) Load() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var f activationFile
	if err := codec.Unmarshal(data, &f); err != nil {
		return false, err
	}
	return f.Activated, nil
}

func (s *FileActivationStore) Save(activated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := codec.Marshal(activationFile{Activated: activated})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
