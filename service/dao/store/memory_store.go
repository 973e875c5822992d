package store

import (
	"context"
	"sync"

	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/criteria"
)

// MemoryStore is a generic in-memory implementation of dao.VersionedService.
// It keeps entities of type *T mapped by a comparable key K obtained from the
// supplied keySelector.
//
// The store is defensive about aliasing: when a clone function is configured
// every Save stores a private copy and every Load returns one, so callers can
// mutate records freely without racing against the store or each other.  The
// version accessor makes SaveWithVersion's compare-and-increment atomic under
// the store lock, never as a separate read-then-write.
type MemoryStore[K comparable, T any] struct {
	mu          sync.RWMutex
	records     map[K]*T
	keySelector func(*T) K
	version     func(*T) *int
	clone       func(*T) *T
	fields      func(*T) map[string]string
}

// Option customises a MemoryStore.
type Option[K comparable, T any] func(*MemoryStore[K, T])

// WithVersion registers the accessor for the record's optimistic version
// field, enabling SaveWithVersion.
func WithVersion[K comparable, T any](accessor func(*T) *int) Option[K, T] {
	return func(s *MemoryStore[K, T]) {
		s.version = accessor
	}
}

// WithClone registers a deep-copy function applied on every Save and Load.
func WithClone[K comparable, T any](clone func(*T) *T) Option[K, T] {
	return func(s *MemoryStore[K, T]) {
		s.clone = clone
	}
}

// WithFields registers the record's filterable fields used by List criteria.
func WithFields[K comparable, T any](fields func(*T) map[string]string) Option[K, T] {
	return func(s *MemoryStore[K, T]) {
		s.fields = fields
	}
}

// NewMemoryStore creates a new MemoryStore.  keySelector extracts the entity
// key (usually the ID field) from a value.
func NewMemoryStore[K comparable, T any](keySelector func(*T) K, options ...Option[K, T]) *MemoryStore[K, T] {
	ret := &MemoryStore[K, T]{
		records:     make(map[K]*T),
		keySelector: keySelector,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Save stores or overwrites a record unconditionally, bumping its version
// when a version accessor is configured.
func (s *MemoryStore[K, T]) Save(_ context.Context, v *T) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	key := s.keySelector(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version != nil {
		*s.version(v) = s.storedVersion(key) + 1
	}
	s.records[key] = s.copyOf(v)
	return nil
}

// SaveWithVersion persists v only when the stored record still carries the
// expected version.  Records absent from the store have version zero.
func (s *MemoryStore[K, T]) SaveWithVersion(_ context.Context, v *T, expected int) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	if s.version == nil {
		return dao.ErrVersionConflict
	}
	key := s.keySelector(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storedVersion(key) != expected {
		return dao.ErrVersionConflict
	}
	*s.version(v) = expected + 1
	s.records[key] = s.copyOf(v)
	return nil
}

// Load returns a record by key.
func (s *MemoryStore[K, T]) Load(_ context.Context, key K) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	if !ok {
		return nil, dao.ErrNotFound
	}
	return s.copyOf(v), nil
}

// Delete removes a record.
func (s *MemoryStore[K, T]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return dao.ErrNotFound
	}
	delete(s.records, key)
	return nil
}

// List returns all stored records matching the optional filter parameters.
func (s *MemoryStore[K, T]) List(_ context.Context, parameters ...*dao.Parameter) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*T, 0, len(s.records))
	for _, v := range s.records {
		if len(parameters) > 0 && s.fields != nil && !criteria.Match(s.fields(v), parameters) {
			continue
		}
		out = append(out, s.copyOf(v))
	}
	return out, nil
}

func (s *MemoryStore[K, T]) storedVersion(key K) int {
	if existing, ok := s.records[key]; ok {
		return *s.version(existing)
	}
	return 0
}

func (s *MemoryStore[K, T]) copyOf(v *T) *T {
	if s.clone == nil {
		return v
	}
	return s.clone(v)
}

var _ dao.VersionedService[string, any] = (*MemoryStore[string, any])(nil)
