package objstore

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	body      []byte
	writtenAt time.Time
}

// Memory is an in-process Store for tests and local development.
// It is safe for concurrent use.
type Memory struct {
	mu        sync.RWMutex
	objects   map[string]memoryObject
	listDelay time.Duration
	now       func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithListDelay hides objects from List until d has passed since their last
// write, mimicking an eventually consistent listing.
func WithListDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.listDelay = d }
}

// WithClock overrides the clock used for list visibility.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty Memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		objects: map[string]memoryObject{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Op: "get", Key: key, Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.body...), nil
}

func (m *Memory) Put(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Op: "put", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{body: append([]byte(nil), body...), writtenAt: m.now()}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &TransientError{Op: "delete", Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

// List yields a sorted snapshot of the matching keys taken when iteration starts.
func (m *Memory) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(ObjectInfo{}, &TransientError{Op: "list", Key: prefix, Err: err})
			return
		}
		m.mu.RLock()
		now := m.now()
		out := make([]ObjectInfo, 0, len(m.objects))
		for k, obj := range m.objects {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if m.listDelay > 0 && now.Sub(obj.writtenAt) < m.listDelay {
				continue
			}
			out = append(out, ObjectInfo{Key: k, Size: int64(len(obj.body))})
		}
		m.mu.RUnlock()
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		for _, info := range out {
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*Memory)(nil)
