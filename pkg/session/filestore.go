package session

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

type snapshotFile struct {
	LoggedIn  bool    `json:"logged_in"`
	Profile   Profile `json:"profile"`
	LoginDate int     `json:"login_date"`
}

// FileStore persists the session snapshot as a JSON file so a login
// survives a process restart.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}

	var f snapshotFile
	if err := codec.Unmarshal(data, &f); err != nil {
		return Snapshot{}, err
	}
	return Snapshot{LoggedIn: f.LoggedIn, Profile: f.Profile, LoginDate: f.LoginDate}, nil
}

func (s *FileStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := codec.Marshal(snapshotFile{
		LoggedIn:  snap.LoggedIn,
		Profile:   snap.Profile,
		LoginDate: snap.LoginDate,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
