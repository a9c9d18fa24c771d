// Package objectstore implements a content-addressed blob store.
//
// Objects are keyed by the lowercase-hex SHA-256 of their content, so writes
// are idempotent: adding the same bytes twice yields the same key and the
// second write is a no-op.
package objectstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fireflow/fireflow/internal/domain"
)

// CopyBufSize is the default chunk size for streamed writes.
const CopyBufSize = 64 * 1024

// Store is a content-addressed object store.
type Store interface {
	// Count returns the number of objects in the store.
	Count() (int, error)
	// IterKeys returns all keys in the store.
	IterKeys() ([]string, error)
	// AddFromBytes adds an object, returning its key.
	AddFromBytes(data []byte) (string, error)
	// AddFromReader streams an object in, returning its key.
	AddFromReader(r io.Reader, chunkSize int) (string, error)
	// Contains reports whether a key is present.
	Contains(key string) (bool, error)
	// Size returns the byte size of the object for key.
	Size(key string) (int64, error)
	// OpenRead returns a reader over the object for key.
	OpenRead(key string) (io.ReadCloser, error)
}

// AddFromPath adds the file at path to the store.
func AddFromPath(s Store, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.AddFromReader(f, CopyBufSize)
}

// AddFromGlob adds every file under dir matching pattern, returning a map of
// relative path to key. Patterns support "**" across directories.
func AddFromGlob(s Store, dir, pattern string) (map[string]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dir), pattern)
	if err != nil {
		return nil, err
	}
	added := map[string]string{}
	for _, rel := range matches {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			continue
		}
		key, err := AddFromPath(s, full)
		if err != nil {
			return nil, err
		}
		added[rel] = key
	}
	return added, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func notFound(key string) error {
	return domain.Errorf(domain.KindNotFound, "object %s not found in store", key)
}

// MemoryStore keeps objects in process memory. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (m *MemoryStore) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects), nil
}

func (m *MemoryStore) IterKeys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) AddFromBytes(data []byte) (string, error) {
	key := hashBytes(data)
	m.mu.Lock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = append([]byte(nil), data...)
	}
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) AddFromReader(r io.Reader, chunkSize int) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return m.AddFromBytes(data)
}

func (m *MemoryStore) Contains(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Size(key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return 0, notFound(key)
	}
	return int64(len(data)), nil
}

func (m *MemoryStore) OpenRead(key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, notFound(key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

var _ Store = (*MemoryStore)(nil)
