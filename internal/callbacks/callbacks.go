package callbacks

import "sync"

// Executor runs a callback invocation. Registrants supply their own so
// notifications never run on internal goroutines holding locks.
type Executor func(task func())

// Go is the default executor; every invocation gets its own goroutine.
func Go(task func()) {
	go task()
}

// Inline runs the invocation on the notifying goroutine. Intended for tests
// that need deterministic ordering.
func Inline(task func()) {
	task()
}

// Set is a thread-safe collection of callbacks paired with their executors.
// Invocation snapshots the set under the lock and dispatches outside of it.
type Set[T comparable] struct {
	mu      sync.Mutex
	entries map[T]Executor
}

// NewSet returns an empty set. The zero value is also ready to use.
func NewSet[T comparable]() *Set[T] {
	return &Set[T]{}
}

// Add registers a callback with its executor. A nil executor defaults to Go.
// Re-adding an existing callback replaces its executor.
func (s *Set[T]) Add(cb T, exec Executor) {
	if exec == nil {
		exec = Go
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[T]Executor)
	}
	s.entries[cb] = exec
}

// Remove deletes a callback from the set.
func (s *Set[T]) Remove(cb T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, cb)
}

// Size returns the number of registered callbacks.
func (s *Set[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Clear removes all callbacks.
func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Invoke dispatches the notification to every registered callback on its
// executor. No internal lock is held during callback execution.
func (s *Set[T]) Invoke(notify func(T)) {
	s.mu.Lock()
	snapshot := make([]struct {
		cb   T
		exec Executor
	}, 0, len(s.entries))
	for cb, exec := range s.entries {
		snapshot = append(snapshot, struct {
			cb   T
			exec Executor
		}{cb, exec})
	}
	s.mu.Unlock()

	for _, entry := range snapshot {
		cb := entry.cb
		entry.exec(func() { notify(cb) })
	}
}
