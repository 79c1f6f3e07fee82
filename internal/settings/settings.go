// Package settings provides the key/value settings store the sync engine
// snapshots and restores. Values are kept in their serialized string form;
// the engine never interprets them.
package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"github.com/gavindi/gnoming-profiles-sub000/internal/utils"
)

var (
	ErrSchemaNotFound = errors.New("schema not found")
	ErrKeyNotFound    = errors.New("key not found")
)

// Store is the settings surface the orchestrator consumes. A missing
// schema is reported via HasSchema so callers can skip it instead of
// failing a whole restore.
type Store interface {
	ListSchemas() []string
	HasSchema(schema string) bool
	ListKeys(schema string) ([]string, error)
	GetValue(schema, key string) (string, error)
	SetValue(schema, key, value string) error
}

// MemoryStore is an in-memory Store, used in tests and as the base for
// the file-backed store.
type MemoryStore struct {
	mu      sync.RWMutex
	schemas map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schemas: make(map[string]map[string]string)}
}

func (s *MemoryStore) ListSchemas() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.schemas))
	for schema := range s.schemas {
		out = append(out, schema)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) HasSchema(schema string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.schemas[schema]
	return ok
}

func (s *MemoryStore) ListKeys(schema string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.schemas[schema]
	if !ok {
		return nil, fmt.Errorf("%q: %w", schema, ErrSchemaNotFound)
	}
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetValue(schema, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, ok := s.schemas[schema]
	if !ok {
		return "", fmt.Errorf("%q: %w", schema, ErrSchemaNotFound)
	}
	value, ok := keys[key]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", schema, key, ErrKeyNotFound)
	}
	return value, nil
}

func (s *MemoryStore) SetValue(schema, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.schemas[schema]
	if !ok {
		keys = make(map[string]string)
		s.schemas[schema] = keys
	}
	keys[key] = value
	return nil
}

// snapshot returns a deep copy of the schema tree.
func (s *MemoryStore) snapshot() map[string]map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]string, len(s.schemas))
	for schema, keys := range s.schemas {
		cp := make(map[string]string, len(keys))
		for k, v := range keys {
			cp[k] = v
		}
		out[schema] = cp
	}
	return out
}

func (s *MemoryStore) replace(schemas map[string]map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schemas == nil {
		schemas = make(map[string]map[string]string)
	}
	s.schemas = schemas
}

// FileStore persists the schema tree as one JSON file. Every SetValue
// writes the file back, so the on-disk state always matches the store.
type FileStore struct {
	*MemoryStore

	fs   afero.Fs
	path string
	wmu  sync.Mutex
}

// NewFileStore loads the settings file at path, creating an empty store
// when the file does not exist yet.
func NewFileStore(fs afero.Fs, path string) (*FileStore, error) {
	store := &FileStore{
		MemoryStore: NewMemoryStore(),
		fs:          fs,
		path:        path,
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if utils.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var schemas map[string]map[string]string
	if err := utils.JSONUnmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("parse settings file %q: %w", path, err)
	}
	store.replace(schemas)
	return store, nil
}

func (s *FileStore) SetValue(schema, key, value string) error {
	if err := s.MemoryStore.SetValue(schema, key, value); err != nil {
		return err
	}
	return s.persist()
}

func (s *FileStore) persist() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	data, err := utils.JSONMarshalIndent(s.snapshot())
	if err != nil {
		return fmt.Errorf("serialize settings: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o600); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}
