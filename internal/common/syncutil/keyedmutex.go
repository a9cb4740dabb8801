// Package syncutil provides small concurrency helpers shared across services.
package syncutil

import "sync"

// KeyedMutex provides per-key mutual exclusion. Locks are created lazily
// and kept for the lifetime of the KeyedMutex; the expected key cardinality
// is small (one lock per live session).
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock releases the mutex for key. Panics if the key was never locked.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("syncutil: unlock of unknown key " + key)
	}
	m.Unlock()
}

// Forget drops the lock state for key. Callers must ensure no goroutine
// still holds or waits on the key's mutex.
func (k *KeyedMutex) Forget(key string) {
	k.mu.Lock()
	delete(k.locks, key)
	k.mu.Unlock()
}
