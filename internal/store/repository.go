// Package store holds the licensing entities and the repositories that
// persist them. Two backends exist: an in-process map for single-node and
// test deployments, and a Redis hash per entity kind fronted by a local
// read cache.
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no entity has the requested id.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when creating an entity whose id is taken.
	ErrConflict = errors.New("entity already exists")
)

// Repository is the CRUD surface shared by every entity kind.
type Repository[T Entity[T]] interface {
	List(ctx context.Context) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Find(ctx context.Context, match func(T) bool) ([]T, error)
	Create(ctx context.Context, v T) (T, error)
	Update(ctx context.Context, id string, v T) (T, error)
	Delete(ctx context.Context, id string) error
}

// nowFunc is replaced in tests.
var nowFunc = func() time.Time { return time.Now().UTC() }

// normalizeID folds an id to lowercase. Ids are case-insensitive because the
// HTTP routes match paths case-insensitively.
func normalizeID(id string) string {
	return strings.ToLower(id)
}

// stamp prepares v for insertion: a fresh id unless one was supplied, and
// both timestamps set to now.
func stamp[T Entity[T]](v T) T {
	meta := v.Meta()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.ID = normalizeID(meta.ID)
	now := nowFunc()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	return v.withMeta(meta)
}

// restamp carries id and creation time over from prev onto an update.
func restamp[T Entity[T]](prev, v T) T {
	meta := prev.Meta()
	meta.UpdatedAt = nowFunc()
	return v.withMeta(meta)
}

// sortByCreation orders entities oldest first, ties broken by id.
func sortByCreation[T Entity[T]](items []T) {
	slices.SortFunc(items, func(a, b T) int {
		if c := a.Meta().CreatedAt.Compare(b.Meta().CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Meta().ID, b.Meta().ID)
	})
}

func filter[T any](items []T, match func(T) bool) []T {
	out := items[:0]
	for _, v := range items {
		if match(v) {
			out = append(out, v)
		}
	}
	return out
}

// MemoryRepository keeps entities in a map guarded by a RWMutex.
type MemoryRepository[T Entity[T]] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewMemoryRepository returns an empty in-process repository.
func NewMemoryRepository[T Entity[T]]() *MemoryRepository[T] {
	return &MemoryRepository[T]{items: make(map[string]T)}
}

func (m *MemoryRepository[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	out := make([]T, 0, len(m.items))
	for _, v := range m.items {
		out = append(out, v)
	}
	m.mu.RUnlock()

	sortByCreation(out)
	return out, nil
}

func (m *MemoryRepository[T]) Get(_ context.Context, id string) (T, error) {
	id = normalizeID(id)
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return v, nil
}

func (m *MemoryRepository[T]) Find(ctx context.Context, match func(T) bool) ([]T, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	return filter(all, match), nil
}

func (m *MemoryRepository[T]) Create(_ context.Context, v T) (T, error) {
	v = stamp(v)
	id := v.Meta().ID

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[id]; exists {
		var zero T
		return zero, ErrConflict
	}
	m.items[id] = v
	return v, nil
}

func (m *MemoryRepository[T]) Update(_ context.Context, id string, v T) (T, error) {
	id = normalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.items[id]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	v = restamp(prev, v)
	m.items[id] = v
	return v, nil
}

func (m *MemoryRepository[T]) Delete(_ context.Context, id string) error {
	id = normalizeID(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}
