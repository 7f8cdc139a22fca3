package attachments

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// BlobStore turns fetched bytes into a locally addressable handle.
type BlobStore interface {
	Put(data []byte, contentType string) (string, error)
	Get(handle string) ([]byte, string, bool)
	Release(handle string)
	Close() error
}

type memoryBlob struct {
	data        []byte
	contentType string
}

// MemoryHandlePrefix marks handles that only mean something inside the
// process that minted them.
const MemoryHandlePrefix = "blob:"

// IsProcessLocal reports whether handle was minted by a MemoryBlobStore.
func IsProcessLocal(handle string) bool {
	return strings.HasPrefix(handle, MemoryHandlePrefix)
}

// MemoryBlobStore keeps payloads in memory under "blob:<uuid>" handles.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string]memoryBlob
}

var _ BlobStore = &MemoryBlobStore{}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: map[string]memoryBlob{}}
}

func (s *MemoryBlobStore) Put(data []byte, contentType string) (string, error) {
	if s == nil {
		return "", errors.New("memory blob store: nil store")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	handle := MemoryHandlePrefix + uuid.NewString()
	s.mu.Lock()
	s.blobs[handle] = memoryBlob{data: cp, contentType: contentType}
	s.mu.Unlock()
	return handle, nil
}

func (s *MemoryBlobStore) Get(handle string) ([]byte, string, bool) {
	if s == nil {
		return nil, "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[handle]
	if !ok {
		return nil, "", false
	}
	return b.data, b.contentType, true
}

func (s *MemoryBlobStore) Release(handle string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.blobs, handle)
	s.mu.Unlock()
}

func (s *MemoryBlobStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.blobs = map[string]memoryBlob{}
	s.mu.Unlock()
	return nil
}

// DirBlobStore writes payloads into a directory; the handle is the file path.
type DirBlobStore struct {
	dir string

	mu    sync.Mutex
	files map[string]string
}

var _ BlobStore = &DirBlobStore{}

func NewDirBlobStore(dir string) (*DirBlobStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("dir blob store: empty directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "dir blob store: resolve directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "dir blob store: create directory")
	}
	return &DirBlobStore{dir: abs, files: map[string]string{}}, nil
}

func (s *DirBlobStore) Put(data []byte, contentType string) (string, error) {
	if s == nil {
		return "", errors.New("dir blob store: nil store")
	}
	name := uuid.NewString() + extensionFor(contentType)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errors.Wrap(err, "dir blob store: write blob")
	}
	s.mu.Lock()
	s.files[path] = contentType
	s.mu.Unlock()
	return path, nil
}

func (s *DirBlobStore) Get(handle string) ([]byte, string, bool) {
	if s == nil {
		return nil, "", false
	}
	s.mu.Lock()
	contentType, ok := s.files[handle]
	s.mu.Unlock()
	if !ok {
		return nil, "", false
	}
	data, err := os.ReadFile(handle)
	if err != nil {
		return nil, "", false
	}
	return data, contentType, true
}

func (s *DirBlobStore) Release(handle string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	_, ok := s.files[handle]
	delete(s.files, handle)
	s.mu.Unlock()
	if ok {
		_ = os.Remove(handle)
	}
}

func (s *DirBlobStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	files := s.files
	s.files = map[string]string{}
	s.mu.Unlock()
	var firstErr error
	for path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = errors.Wrap(err, "dir blob store: remove blob")
		}
	}
	return firstErr
}

func extensionFor(contentType string) string {
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
