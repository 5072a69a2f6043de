package core

import "sync"

// DeviceLocks serializes all mutations touching a single device (registry
// merges and command transitions) while leaving distinct devices fully
// independent. Lock entries are never removed; the set of device UIDs is
// small and stable.
type DeviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDeviceLocks creates an empty lock set.
func NewDeviceLocks() *DeviceLocks {
	return &DeviceLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for the given device, creating it on first use.
// The caller must call the returned unlock function.
func (l *DeviceLocks) Lock(deviceUID string) func() {
	l.mu.Lock()
	m, ok := l.locks[deviceUID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[deviceUID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
