package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// FileStore keeps one file per object under a root directory; the filename is
// the key. Writes stream to a temporary file while hashing, then rename into
// place, so a crash mid-write never publishes a key and concurrent writers of
// identical content cannot corrupt each other.
type FileStore struct {
	root string
}

// NewFileStore opens a store rooted at dir. The directory must already exist.
func NewFileStore(dir string) (*FileStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("object store path not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("object store path is not a directory: %s", dir)
	}
	return &FileStore{root: dir}, nil
}

// Root returns the backing directory.
func (f *FileStore) Root() string { return f.root }

func (f *FileStore) keyPath(key string) string {
	return filepath.Join(f.root, key)
}

func (f *FileStore) Count() (int, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (f *FileStore) IterKeys() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Name())
	}
	return keys, nil
}

func (f *FileStore) AddFromBytes(data []byte) (string, error) {
	key := hashBytes(data)
	if _, err := os.Stat(f.keyPath(key)); err == nil {
		return key, nil
	}
	return f.commitTemp(key, func(w io.Writer, h hash.Hash) error {
		h.Write(data)
		_, err := w.Write(data)
		return err
	})
}

func (f *FileStore) AddFromReader(r io.Reader, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = CopyBufSize
	}
	return f.commitTemp("", func(w io.Writer, h hash.Hash) error {
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				h.Write(buf[:n])
				if _, werr := w.Write(buf[:n]); werr != nil {
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})
}

// commitTemp streams into a temp file via fill, then renames the result into
// the store under its hash. A pre-computed key may be passed to skip
// re-deriving it from the hasher. The temp file is always cleaned up.
func (f *FileStore) commitTemp(key string, fill func(io.Writer, hash.Hash) error) (string, error) {
	temp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return "", err
	}
	tempName := temp.Name()
	defer os.Remove(tempName)

	hasher := sha256.New()
	if err := fill(temp, hasher); err != nil {
		temp.Close()
		return "", err
	}
	if err := temp.Close(); err != nil {
		return "", err
	}

	if key == "" {
		key = hex.EncodeToString(hasher.Sum(nil))
	}
	dest := f.keyPath(key)
	if _, err := os.Stat(dest); err == nil {
		return key, nil
	}
	if err := os.Rename(tempName, dest); err != nil {
		// A concurrent writer of the same content may have won the
		// rename; that is still a successful write.
		if _, statErr := os.Stat(dest); statErr == nil {
			return key, nil
		}
		return "", err
	}
	return key, nil
}

func (f *FileStore) Contains(key string) (bool, error) {
	_, err := os.Stat(f.keyPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *FileStore) Size(key string) (int64, error) {
	info, err := os.Stat(f.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, notFound(key)
		}
		return 0, err
	}
	return info.Size(), nil
}

func (f *FileStore) OpenRead(key string) (io.ReadCloser, error) {
	file, err := os.Open(f.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key)
		}
		return nil, err
	}
	return file, nil
}

var _ Store = (*FileStore)(nil)
