package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLock_MutualExclusionPerKey(t *testing.T) {
	k := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestLock_DisjointKeysDoNotBlock(t *testing.T) {
	k := New()
	unlockA := k.Lock(1)
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock(2)
		unlockB()
		close(done)
	}()
	<-done // key 2 acquired while key 1 is held
	unlockA()
}

func TestLock_PairOrderIndependent(t *testing.T) {
	// Opposite acquisition orders on the same pair must not deadlock.
	k := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := k.Lock(3, 9)
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := k.Lock(9, 3)
			unlock()
		}()
	}
	wg.Wait()
}

func TestLock_DuplicateKeysCollapse(t *testing.T) {
	k := New()
	unlock := k.Lock(5, 5, 5)
	unlock()

	// The entry map must be empty again after release.
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
