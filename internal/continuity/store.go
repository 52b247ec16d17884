package continuity

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Logical snapshot files.
const (
	LiveFile    = "live"    // per-instrument channel state
	LoggingFile = "logging" // derived logging channels
)

// Store loads and stores snapshot files by name. Load returns an error
// matching fs.ErrNotExist when nothing was stored under name.
type Store interface {
	Load(name string) ([]byte, error)
	Save(name string, data []byte) error
	Remove(name string) error
}

// FileName returns the store name of a logical file for an instrument.
func FileName(serial uint64, file string) string {
	return fmt.Sprintf("%016x.%s.cnt", serial, file)
}

// FileStore keeps snapshot files in a directory.
type FileStore struct {
	Dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create continuity directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) Load(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir, name))
}

// Save writes data to a temporary file and renames it over name so a crash
// never leaves a partially written snapshot.
func (s *FileStore) Save(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(name string) error {
	err := os.Remove(filepath.Join(s.Dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MemStore keeps snapshot files in memory.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

func (s *MemStore) Load(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("continuity: %s: %w", name, fs.ErrNotExist)
	}
	return append([]byte(nil), p...), nil
}

func (s *MemStore) Save(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}
