package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Read when no artifact has the given id.
	ErrNotFound = errors.New("artifact not found")
)

// Store is the keyed artifact collection the exchange, health and integrity
// components depend on.
type Store interface {
	// List returns every artifact in a stable scan order.
	List(ctx context.Context) ([]*Artifact, error)
	// Read returns the artifact or ErrNotFound.
	Read(ctx context.Context, id string) (*Artifact, error)
	// Write inserts or replaces an artifact. It returns once the write is durable.
	Write(ctx context.Context, a *Artifact) error
	// Delete removes an artifact. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error
}

var _ Store = (*FileStore)(nil)

// FileStore keeps one JSON document per artifact in a directory.
// Scan order is lexical by file name.
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore opens (and creates if needed) a directory-backed store.
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// OpenFileStore opens an existing directory without creating it. Used when
// reading a peer's store, which must not be created as a side effect.
func OpenFileStore(basePath string) (*FileStore, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("open artifact dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact source %s is not a directory", basePath)
	}
	return &FileStore{basePath: basePath}, nil
}

// Path returns the directory backing the store.
func (s *FileStore) Path() string { return s.basePath }

func (s *FileStore) List(ctx context.Context) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact dir: %w", err)
	}

	var out []*Artifact
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		a, err := s.readFile(filepath.Join(s.basePath, name))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *FileStore) Read(ctx context.Context, id string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.readFile(s.pathFor(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

func (s *FileStore) Write(ctx context.Context, a *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 先写临时文件再原子重命名
	path := s.pathFor(a.ID)
	tmp := filepath.Join(s.basePath, "."+a.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit artifact: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid artifact id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pathFor(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) pathFor(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

func (s *FileStore) readFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return &a, nil
}
