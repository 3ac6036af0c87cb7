package devlock

import "sync"

// Set provides one mutex per device. Job lifecycle mutations and
// retrospective assignments for a device must serialize on the same lock,
// since concurrent validation-plus-apply is the one place races can corrupt
// the job model.
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSet creates an empty lock set.
func NewSet() *Set {
	return &Set{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the device's mutex and returns the unlock function.
func (s *Set) Lock(deviceID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[deviceID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
