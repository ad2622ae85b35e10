package configstore

import (
	"sync"
)

// Store is the contract between the hub and whatever persistence layer backs
// it. Observe callbacks must be delivered for every committed mutation,
// at-least-once, in commit order per key.
type Store[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	// Keys returns a snapshot of the current key set, in no particular
	// order. Reconciliation diffs against it.
	Keys() []string
	// Observe registers a callback invoked with the keys of committed
	// mutations. The returned function cancels the subscription.
	Observe(fn func(changedKeys []string)) (cancel func())
}

// MemStore is an in-memory Store with a single dispatch goroutine that
// preserves commit order across all keys.
type MemStore[T any] struct {
	mu     sync.Mutex
	values map[string]T
	queue  []string
	subs   map[uint64]func([]string)
	nextID uint64

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMemStore constructs a MemStore and starts its dispatch loop.
func NewMemStore[T any]() *MemStore[T] {
	s := &MemStore[T]{
		values: make(map[string]T),
		subs:   make(map[uint64]func([]string)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

func (s *MemStore[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemStore[T]) Set(key string, value T) {
	s.mu.Lock()
	s.values[key] = value
	s.queue = append(s.queue, key)
	s.mu.Unlock()
	s.signal()
}

func (s *MemStore[T]) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.values, key)
	s.queue = append(s.queue, key)
	s.mu.Unlock()
	s.signal()
}

// Keys returns a snapshot of the current key set.
func (s *MemStore[T]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemStore[T]) Observe(fn func(changedKeys []string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the dispatch loop. Pending notifications may be dropped.
func (s *MemStore[T]) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemStore[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *MemStore[T]) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			keys := s.queue
			s.queue = nil
			subs := make([]func([]string), 0, len(s.subs))
			for _, fn := range s.subs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, fn := range subs {
				fn(keys)
			}
		}
	}
}
