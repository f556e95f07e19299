package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBucket keeps objects in memory.
type MemoryBucket struct {
	name string
	now  func() time.Time

	mu   sync.RWMutex
	objs map[string]Object
}

// NewMemoryBucket creates an empty bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{name: name, now: time.Now, objs: make(map[string]Object)}
}

func (b *MemoryBucket) Name() string { return b.name }

func (b *MemoryBucket) PutObject(ctx context.Context, name string, data []byte, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateName(name); err != nil {
		return err
	}
	b.mu.Lock()
	b.objs[name] = Object{
		Name:     name,
		Data:     append([]byte(nil), data...),
		Metadata: copyMeta(metadata),
		Created:  b.now(),
	}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBucket) GetObject(ctx context.Context, name string) (Object, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objs[name]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	obj.Metadata = copyMeta(obj.Metadata)
	return obj, nil
}

func (b *MemoryBucket) ListObjects(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	names := make([]string, 0, len(b.objs))
	for name := range b.objs {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}
