package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/knowmesh/types"
)

var (
	// ErrDocumentMissing means the registry was never initialized.
	ErrDocumentMissing = errors.New("registry document missing")
	// ErrDocumentInvalid means the stored bytes are not a usable document.
	ErrDocumentInvalid = errors.New("registry document invalid")
)

// ErrNoChange is returned by an update function to leave the stored
// document untouched.
var ErrNoChange = errors.New("registry document unchanged")

// Store holds the registry document. Update is the only write path and is
// atomic with respect to every other writer of the same document, including
// other processes.
type Store interface {
	Load(ctx context.Context) (*Document, error)
	// Create writes doc when no document exists yet. It reports whether it
	// did; an existing document that cannot be decoded is an error.
	Create(ctx context.Context, doc *Document) (created bool, err error)
	// Update loads the document, applies fn and saves the result. fn may
	// run more than once and must not keep state between runs.
	Update(ctx context.Context, fn func(doc *Document) error) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)

func decodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentInvalid, err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDocumentInvalid, doc.Version)
	}
	if doc.Nodes == nil {
		doc.Nodes = make(map[string]*Node)
	}
	for id, n := range doc.Nodes {
		if n == nil || n.ID != id {
			return nil, fmt.Errorf("%w: node key %q does not match record", ErrDocumentInvalid, id)
		}
	}
	return &doc, nil
}

// ParseDocument decodes a registry document that arrived from outside the
// store, such as a peer's published registry or an exported file.
func ParseDocument(data []byte) (*Document, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, types.NewValidationError("incoming registry: %v", err)
	}
	return doc, nil
}

// =============================================================================
// File store
// =============================================================================

// FileStore keeps the registry as a single JSON file. Writers in other
// processes are excluded by an advisory lock on a sidecar "<path>.lock"
// file where the platform supports one.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for path. The parent directory is created on
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the registry file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. Writes are rename-committed, so readers never
// see a partial file and take no lock.
func (s *FileStore) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read()
}

func (s *FileStore) Create(ctx context.Context, doc *Document) (bool, error) {
	created := false
	err := s.locked(ctx, func() error {
		_, err := s.read()
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, ErrDocumentMissing):
			return err
		}
		created = true
		return s.write(doc)
	})
	return created, err
}

func (s *FileStore) Update(ctx context.Context, fn func(doc *Document) error) error {
	return s.locked(ctx, func() error {
		doc, err := s.read()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}
		return s.write(doc)
	})
}

func (s *FileStore) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	unlock, err := lockFile(s.path + ".lock")
	if err != nil {
		return fmt.Errorf("failed to lock registry: %w", err)
	}
	defer unlock()
	return fn()
}

func (s *FileStore) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrDocumentMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return decodeDocument(data)
}

func (s *FileStore) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	// 原子写: 写入临时文件后重命名
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to commit registry: %w", err)
	}
	return nil
}

// =============================================================================
// Redis store
// =============================================================================

// maxUpdateAttempts bounds optimistic retries when another writer keeps
// changing the key between WATCH and EXEC.
const maxUpdateAttempts = 16

// RedisStore keeps the registry document under a single Redis key so
// several processes on different hosts can share one registry. Updates run
// under WATCH/MULTI/EXEC and retry when the key changed underneath them.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore stores the document at keyPrefix+"registry".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "knowmesh:"
	}
	return &RedisStore{client: client, key: keyPrefix + "registry"}
}

func (s *RedisStore) Load(ctx context.Context) (*Document, error) {
	return s.get(ctx, s.client)
}

func (s *RedisStore) Create(ctx context.Context, doc *Document) (bool, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("failed to marshal registry: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create registry in redis: %w", err)
	}
	if ok {
		return true, nil
	}
	// 已存在：确认可解码，损坏的文档不能被当作已初始化
	if _, err := s.Load(ctx); err != nil {
		return false, err
	}
	return false, nil
}

func (s *RedisStore) Update(ctx context.Context, fn func(doc *Document) error) error {
	txf := func(tx *redis.Tx) error {
		doc, err := s.get(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal registry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, s.key)
		switch {
		case err == nil, errors.Is(err, ErrNoChange):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrDocumentMissing), errors.Is(err, ErrDocumentInvalid):
			return err
		default:
			return fmt.Errorf("failed to update registry in redis: %w", err)
		}
	}
	return fmt.Errorf("failed to update registry in redis: key kept changing after %d attempts: %w", maxUpdateAttempts, redis.TxFailedErr)
}

// getter is the read side shared by the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter) (*Document, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry from redis: %w", err)
	}
	return decodeDocument(data)
}
