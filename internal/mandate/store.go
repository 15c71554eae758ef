package mandate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"x402-gateway/internal/headers"
)

// Blob is a stored mandate document and the media type it was stored with.
type Blob struct {
	Data        []byte
	ContentType string
}

// BlobStore holds mandate documents under "mandates/{merchantId}/{mandateId}.json" keys.
// Implementations return ErrNotFound for missing keys.
type BlobStore interface {
	Get(ctx context.Context, key string) (*Blob, error)
	Put(ctx context.Context, key string, blob *Blob) error
}

func checkKey(key string) error {
	if _, _, err := headers.ParseMandateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}

// MemoryStore is an in-process BlobStore for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]Blob)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Blob{Data: append([]byte(nil), b.Data...), ContentType: b.ContentType}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, blob *Blob) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = Blob{Data: append([]byte(nil), blob.Data...), ContentType: blob.ContentType}
	return nil
}

// FSStore keeps mandates as files under a root directory.
// Only JSON is accepted on Put, so every stored file is application/json.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create mandate dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read mandate: %w", err)
	}
	return &Blob{Data: data, ContentType: headers.MandateMimeType}, nil
}

// Put writes via a temp file and rename so readers never see partial documents.
func (s *FSStore) Put(ctx context.Context, key string, blob *Blob) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !isJSONMedia(blob.ContentType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, blob.ContentType)
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create merchant dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".mandate-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("write mandate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close mandate: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("rename mandate: %w", err)
	}
	return nil
}

func isJSONMedia(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == headers.MandateMimeType
}
