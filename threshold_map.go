package cluster

import "sync"

// ThresholdMap is a key-unique, insertion-ordered map that notifies its
// listeners when an insert leaves it in a state matching shouldNotify.
//
// Duplicate inserts are ignored (the first value wins) and never notify.
// Listeners run on their own goroutine; Set does not wait for them.
type ThresholdMap[V any] struct {
	mu           sync.Mutex
	entries      map[string]V
	order        []string
	shouldNotify func(size int) bool
	listeners    []func()
}

// Entry is one key/value pair of a ThresholdMap snapshot.
type Entry[V any] struct {
	Key   string
	Value V
}

// NewThresholdMap builds a map that evaluates shouldNotify with the new
// size after every successful insert.
func NewThresholdMap[V any](shouldNotify func(size int) bool) *ThresholdMap[V] {
	return &ThresholdMap[V]{
		entries:      make(map[string]V),
		shouldNotify: shouldNotify,
	}
}

// NewMaxThresholdMap notifies once the map holds at least limit entries.
func NewMaxThresholdMap[V any](limit int) *ThresholdMap[V] {
	return NewThresholdMap[V](func(size int) bool { return size >= limit })
}

// OnThreshold registers fn. It returns the map for chaining.
func (m *ThresholdMap[V]) OnThreshold(fn func()) *ThresholdMap[V] {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
	return m
}

// Set inserts v under key. It reports false when key is already present.
func (m *ThresholdMap[V]) Set(key string, v V) bool {
	m.mu.Lock()
	if _, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return false
	}
	m.entries[key] = v
	m.order = append(m.order, key)

	var notify []func()
	if m.shouldNotify != nil && m.shouldNotify(len(m.entries)) {
		notify = append(notify, m.listeners...)
	}
	m.mu.Unlock()

	for _, fn := range notify {
		go fn()
	}
	return true
}

// Get returns the value stored under key.
func (m *ThresholdMap[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok
}

// Delete removes key and reports whether it was present.
func (m *ThresholdMap[V]) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of entries.
func (m *ThresholdMap[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a snapshot in insertion order.
func (m *ThresholdMap[V]) Entries() []Entry[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry[V], 0, len(m.order))
	for _, k := range m.order {
		out = append(out, Entry[V]{Key: k, Value: m.entries[k]})
	}
	return out
}

// Clear drops every entry and returns how many there were.
func (m *ThresholdMap[V]) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	m.entries = make(map[string]V)
	m.order = nil
	return n
}
