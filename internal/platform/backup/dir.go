package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DirTarget writes each snapshot to its own file in a directory.
type DirTarget struct {
	dir string
}

func NewDirTarget(dir string) (*DirTarget, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir backup target requires a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &DirTarget{dir: dir}, nil
}

// Upload writes to a temporary file and renames it, so a reader never sees a
// partial snapshot.
func (t *DirTarget) Upload(ctx context.Context, key string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(key)
	if name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid backup key %q", key)
	}

	tmp, err := os.CreateTemp(t.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	dst := filepath.Join(t.dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("move snapshot into place: %w", err)
	}
	return dst, nil
}

// MemoryTarget keeps snapshots in memory.
type MemoryTarget struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{objects: make(map[string][]byte)}
}

func (t *MemoryTarget) Upload(_ context.Context, key string, payload []byte) (string, error) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.mu.Lock()
	t.objects[key] = cp
	t.mu.Unlock()
	return "memory://" + key, nil
}

// Get returns a stored snapshot.
func (t *MemoryTarget) Get(key string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.objects[key]
	return b, ok
}

// Len reports how many snapshots are stored.
func (t *MemoryTarget) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}
