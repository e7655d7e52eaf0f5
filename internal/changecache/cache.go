package changecache

import "sync"

// Cache remembers the last value whose change action succeeded.
//
// The zero value is ready to use and holds no value, so the first
// ApplyIfChanged always runs its action.
type Cache[T comparable] struct {
	mu    sync.Mutex
	value T
	set   bool
}

// ApplyIfChanged runs action when v differs from the last committed value and
// commits v only if action returns nil. It reports whether action ran.
//
// The lock is not held while action runs; concurrent callers with the same new
// value may both run the action.
func (c *Cache[T]) ApplyIfChanged(v T, action func(T) error) (bool, error) {
	c.mu.Lock()
	if c.set && c.value == v {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if err := action(v); err != nil {
		return true, err
	}

	c.mu.Lock()
	c.value = v
	c.set = true
	c.mu.Unlock()
	return true, nil
}

// Prime seeds the cache without running any action, e.g. from persisted state.
func (c *Cache[T]) Prime(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.set = true
}

// Last returns the committed value and whether one exists.
func (c *Cache[T]) Last() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.set
}

// Reset forgets the committed value.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.set = false
}
