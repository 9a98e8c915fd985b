package keymutex

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLock_SerializesSameKey(t *testing.T) {
	km := New()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	unlock := km.Lock(7)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := km.Lock(7)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			u()
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, order, "no goroutine may enter while the key is held")
	mu.Unlock()

	unlock()
	wg.Wait()
	assert.Len(t, order, 5)
	assert.Equal(t, 0, km.Len(), "entries are released after use")
}

func TestLock_DifferentKeysDoNotBlock(t *testing.T) {
	km := New()
	unlock := km.Lock(1)
	defer unlock()

	done := make(chan struct{})
	go func() {
		km.Lock(2)()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locking an unrelated key blocked")
	}
}

func TestLockAll_OverlappingSetsDoNotDeadlock(t *testing.T) {
	km := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			km.LockAll(1, 2, 3)()
		}()
		go func() {
			defer wg.Done()
			km.LockAll(3, 2, 2, 1)()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockAll deadlocked")
	}
	assert.Equal(t, 0, km.Len())
}
