// Package identity provides the identity map used inside one write scope.
//
// Every upsert inside a write transaction resolves its target record
// through a Map, so that two payload fragments naming the same entity get
// the same *T instead of two competing inserts. A Map must live exactly as
// long as its transaction: reusing one across transactions would shadow
// writes made by other transactions with stale instances.
//
// A Map is not safe for concurrent use; write scopes are serialized by the
// store.
package identity

import "fmt"

// Kind names a record type. Keys are unique per Kind.
type Kind string

// Key identifies one record.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.ID }

// Loader fetches a persisted record, reporting false when none exists.
type Loader[T any] func(id string) (*T, bool)

// Map tracks the records resolved during one write scope.
type Map struct {
	entries map[Key]any
	order   []Key
	created map[Key]bool
	loads   int
}

// New returns an empty Map.
func New() *Map {
	return &Map{
		entries: make(map[Key]any),
		created: make(map[Key]bool),
	}
}

// LoadOrCreate returns the record for (kind, id). The first call in a scope
// loads it through load or, when absent, builds it with create; later calls
// return the same instance without calling load again.
func LoadOrCreate[T any](m *Map, kind Kind, id string, load Loader[T], create func(id string) *T) *T {
	key := Key{Kind: kind, ID: id}
	if rec, ok := lookup[T](m, key); ok {
		return rec
	}

	m.loads++
	rec, ok := load(id)
	if !ok {
		rec = create(id)
		m.created[key] = true
	}
	m.register(key, rec)
	return rec
}

// Load returns the record for (kind, id) if it is already registered or
// persisted. Unlike LoadOrCreate it never inserts.
func Load[T any](m *Map, kind Kind, id string, load Loader[T]) (*T, bool) {
	key := Key{Kind: kind, ID: id}
	if rec, ok := lookup[T](m, key); ok {
		return rec, true
	}

	m.loads++
	rec, ok := load(id)
	if !ok {
		return nil, false
	}
	m.register(key, rec)
	return rec, true
}

// Prewarm resolves every id in one pass so later lookups hit the map.
// Ids that are not persisted are skipped; they are created on first use.
func Prewarm[T any](m *Map, kind Kind, ids []string, load Loader[T]) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		Load(m, kind, id, load)
	}
}

// Forget drops a record from the map, e.g. after it was deleted, so the
// scope does not write it back on commit.
func (m *Map) Forget(kind Kind, id string) {
	key := Key{Kind: kind, ID: id}
	if _, ok := m.entries[key]; !ok {
		return
	}
	delete(m.entries, key)
	delete(m.created, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Each visits every registered record in registration order.
func (m *Map) Each(fn func(key Key, rec any) error) error {
	for _, key := range m.order {
		if err := fn(key, m.entries[key]); err != nil {
			return err
		}
	}
	return nil
}

// Created reports whether (kind, id) was inserted during this scope.
func (m *Map) Created(kind Kind, id string) bool {
	return m.created[Key{Kind: kind, ID: id}]
}

// Len returns the number of registered records.
func (m *Map) Len() int { return len(m.entries) }

// Loads returns how many times the map fell through to a loader.
func (m *Map) Loads() int { return m.loads }

func (m *Map) register(key Key, rec any) {
	m.entries[key] = rec
	m.order = append(m.order, key)
}

func lookup[T any](m *Map, key Key) (*T, bool) {
	v, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	rec, ok := v.(*T)
	if !ok {
		panic(fmt.Sprintf("identity: %s registered as %T, requested as %T", key, v, (*T)(nil)))
	}
	return rec, true
}
