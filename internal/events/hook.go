package events

import (
	"sort"
	"sync"
)

// Hook runs registered callbacks synchronously, in registration order, on the
// goroutine that calls Fire. Callbacks must not block; use a Broadcaster for
// consumers that read at their own pace.
type Hook[T any] struct {
	mu        sync.RWMutex
	callbacks map[uint64]func(T)
	nextID    uint64
}

func NewHook[T any]() *Hook[T] {
	return &Hook[T]{callbacks: make(map[uint64]func(T))}
}

// Register adds callback and returns a function that removes it.
// The returned function may be called any number of times.
func (h *Hook[T]) Register(callback func(T)) func() {
	if callback == nil {
		panic("Hook: callback cannot be nil")
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.callbacks[id] = callback
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.callbacks, id)
		h.mu.Unlock()
	}
}

// Fire calls every callback with value. The registry is copied first so a
// callback may register or unregister without deadlocking.
func (h *Hook[T]) Fire(value T) {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.callbacks))
	for id := range h.callbacks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(T), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, h.callbacks[id])
	}
	h.mu.RUnlock()

	for _, cb := range callbacks {
		cb(value)
	}
}

// Len returns the number of registered callbacks
func (h *Hook[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.callbacks)
}
