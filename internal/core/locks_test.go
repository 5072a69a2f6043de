package core

import (
	"sync"
	"testing"
	"time"
)

func TestDeviceLocksSerializePerDevice(t *testing.T) {
	locks := NewDeviceLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("unit-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
}

func TestDeviceLocksAreIndependent(t *testing.T) {
	locks := NewDeviceLocks()

	unlockA := locks.Lock("unit-a")
	defer unlockA()

	// Holding unit-a must not block unit-b.
	done := make(chan struct{})
	go func() {
		unlockB := locks.Lock("unit-b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for unit-b blocked behind unit-a")
	}
}
