// Package keylock provides per-key mutual exclusion. The dispatch core
// serializes all mutations of a given ride or driver through one of these
// locks, which is what makes check-and-set operations such as driver
// assignment observe at most one winner.
package keylock

import "sync"

// KeyLock hands out one mutex per key. Mutexes are created lazily and kept
// for the lifetime of the lock; the key space here (ride and driver ids of
// in-flight work) is small enough that no eviction is needed.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (kl *KeyLock) Lock(key string) {
	kl.lockOf(key).Lock()
}

// Unlock releases the mutex for key. Unlocking a never-locked key panics,
// same as sync.Mutex.
func (kl *KeyLock) Unlock(key string) {
	kl.lockOf(key).Unlock()
}

func (kl *KeyLock) lockOf(key string) *sync.Mutex {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	m, ok := kl.locks[key]
	if !ok {
		m = &sync.Mutex{}
		kl.locks[key] = m
	}
	return m
}
