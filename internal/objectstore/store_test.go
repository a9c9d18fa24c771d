package objectstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireflow/fireflow/internal/domain"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   newFileStore(t),
	}
}

func TestAddFromBytesRoundTrip(t *testing.T) {
	content := []byte("hi\n")
	wantKey := hex.EncodeToString(func() []byte { s := sha256.Sum256(content); return s[:] }())

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key, err := store.AddFromBytes(content)
			require.NoError(t, err)
			assert.Equal(t, wantKey, key)

			ok, err := store.Contains(key)
			require.NoError(t, err)
			assert.True(t, ok)

			size, err := store.Size(key)
			require.NoError(t, err)
			assert.Equal(t, int64(len(content)), size)

			r, err := store.OpenRead(key)
			require.NoError(t, err)
			defer r.Close()
			var buf bytes.Buffer
			_, err = buf.ReadFrom(r)
			require.NoError(t, err)
			assert.Equal(t, content, buf.Bytes())
		})
	}
}

func TestAddIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key1, err := store.AddFromBytes([]byte("same content"))
			require.NoError(t, err)
			key2, err := store.AddFromBytes([]byte("same content"))
			require.NoError(t, err)
			assert.Equal(t, key1, key2)

			count, err := store.Count()
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestAddFromReaderMatchesBytes(t *testing.T) {
	content := bytes.Repeat([]byte("abc123"), 50_000)
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key1, err := store.AddFromReader(bytes.NewReader(content), 4096)
			require.NoError(t, err)
			key2, err := store.AddFromBytes(content)
			require.NoError(t, err)
			assert.Equal(t, key2, key1)
		})
	}
}

func TestOpenReadAbsentKey(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.OpenRead(strings.Repeat("0", 64))
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindNotFound))

			_, err = store.Size(strings.Repeat("0", 64))
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindNotFound))
		})
	}
}

func TestFileStoreMissingRoot(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

// Two writers racing on identical content must both succeed, publish exactly
// one file, and leave no temp files behind.
func TestConcurrentIdenticalWrites(t *testing.T) {
	store := newFileStore(t)
	payload := bytes.Repeat([]byte{0x42}, 1<<20)

	const writers = 8
	keys := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := store.AddFromReader(bytes.NewReader(payload), 64*1024)
			assert.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for _, key := range keys[1:] {
		assert.Equal(t, keys[0], key)
	}

	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keys[0], entries[0].Name())
}

func TestAddFromGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), []byte("c"), 0o644))

	store := NewMemoryStore()
	added, err := AddFromGlob(store, dir, "**/*.txt")
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.Contains(t, added, "a.txt")
	assert.Contains(t, added, "sub/b.txt")
	for _, key := range added {
		ok, err := store.Contains(key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
