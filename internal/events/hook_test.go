package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHook_FireInRegistrationOrder(t *testing.T) {
	hook := NewHook[string]()

	var mu sync.Mutex
	calls := make([]string, 0)
	record := func(tag string) func(string) {
		return func(v string) {
			mu.Lock()
			calls = append(calls, tag+":"+v)
			mu.Unlock()
		}
	}

	hook.Register(record("a"))
	hook.Register(record("b"))
	hook.Register(record("c"))
	assert.Equal(t, 3, hook.Len())

	hook.Fire("x")

	mu.Lock()
	assert.Equal(t, []string{"a:x", "b:x", "c:x"}, calls)
	mu.Unlock()
}

func TestHook_Unregister(t *testing.T) {
	hook := NewHook[int]()
	count := 0
	unregister := hook.Register(func(int) { count++ })

	hook.Fire(1)
	unregister()
	unregister()
	hook.Fire(2)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, hook.Len())
}

func TestHook_CallbackMayUnregisterItself(t *testing.T) {
	hook := NewHook[int]()
	var unregister func()
	calls := 0
	unregister = hook.Register(func(int) {
		calls++
		unregister()
	})

	assert.NotPanics(t, func() {
		hook.Fire(1)
		hook.Fire(2)
	})
	assert.Equal(t, 1, calls)
}

func TestHook_NilCallbackPanics(t *testing.T) {
	hook := NewHook[int]()
	assert.Panics(t, func() { hook.Register(nil) })
}
