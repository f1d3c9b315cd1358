// Package memory implements model.Repository in process memory. It is the
// default store for development and tests, and satisfies spec §4.B/§5's
// concurrency contract with a single RWMutex per collection: writers
// serialize on the mutex, readers see a consistent snapshot taken under
// RLock.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/layr8/didcomm-mediator/internal/model"
)

// Store is a generic in-memory model.Repository[T].
type Store[T model.Entity] struct {
	mu   sync.RWMutex
	data map[string]T
	// clone deep-copies a stored value so callers can't mutate it through
	// a returned pointer without going through Update.
	clone func(T) T
}

// New creates an empty Store. clone must return an independent copy of t
// (e.g. by copying slice fields) so FindAll/FindOne snapshots are immune to
// later in-place mutation of the value a caller holds.
func New[T model.Entity](clone func(T) T) *Store[T] {
	return &Store[T]{
		data:  make(map[string]T),
		clone: clone,
	}
}

func (s *Store[T]) FindAll(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.data))
	for _, v := range s.data {
		out = append(out, s.clone(v))
	}
	return out, nil
}

func (s *Store[T]) FindOne(ctx context.Context, id string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[id]
	if !ok {
		var zero T
		return zero, false, nil
	}
	return s.clone(v), true, nil
}

func (s *Store[T]) FindOneBy(ctx context.Context, f model.Filter[T]) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.data {
		if f(v) {
			return s.clone(v), true, nil
		}
	}
	var zero T
	return zero, false, nil
}

func (s *Store[T]) FindAllBy(ctx context.Context, f model.Filter[T], limit int) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, v := range s.data {
		if f == nil || f(v) {
			out = append(out, s.clone(v))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store[T]) CountBy(ctx context.Context, f model.Filter[T]) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, v := range s.data {
		if f == nil || f(v) {
			n++
		}
	}
	return n, nil
}

func (s *Store[T]) Store(ctx context.Context, t T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.GetID() == "" {
		t.SetID(uuid.New().String())
	}
	s.data[t.GetID()] = s.clone(t)
	return s.clone(t), nil
}

func (s *Store[T]) Update(ctx context.Context, t T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if t.GetID() == "" {
		return zero, model.NewRepositoryError(model.ErrMissingIdentifier, nil)
	}
	if _, ok := s.data[t.GetID()]; !ok {
		return zero, model.NewRepositoryError(model.ErrTargetNotFound, nil)
	}
	s.data[t.GetID()] = s.clone(t)
	return s.clone(t), nil
}

func (s *Store[T]) DeleteOne(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id) // idempotent on already-missing id, per spec §4.B
	return nil
}

// WithLock runs fn while holding the store's write lock, and persists
// whatever fn returns under id. It is how handlers that must read-modify-
// write a single record atomically (keylist updates, DID rotation, spec
// §5 "single repository write per request path") do so without a
// read/modify/Update race between two requests for the same record.
func (s *Store[T]) WithLock(id string, fn func(current T, found bool) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data[id]
	var zero T
	next, err := fn(s.cloneOrZero(current, ok), ok)
	if err != nil {
		return zero, err
	}
	if next.GetID() == "" {
		next.SetID(id)
	}
	s.data[next.GetID()] = s.clone(next)
	return s.clone(next), nil
}

func (s *Store[T]) cloneOrZero(t T, ok bool) T {
	if !ok {
		var zero T
		return zero
	}
	return s.clone(t)
}
