// Package index implements secondary indexes over a collection's
// records: a single-field index backed by package btree, and a
// manager that keeps every index on a collection in sync as one
// atomic unit.
//
// Grounded on the teacher's hash_index_service.go/btree_service.go
// pairing, where a per-field index type is wrapped by a bundle-level
// aggregator that the directors layer calls uniformly for every
// field the bundle declares indexed.
package index

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/strohdb/moddb/btree"
	"github.com/strohdb/moddb/value"
)

// UniqueViolation reports that a unique index already holds a
// different record under the same value.
type UniqueViolation struct {
	Index string
	Value value.Value
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("index %q: unique violation for value %s", e.Index, e.Value)
}

// idSet is an insertion-ordered set of record ids, used as a
// non-unique index's multimap value so the oldest match remains
// first without needing a separate ordering structure.
type idSet struct {
	ids   []string
	order map[string]int
}

func newIDSet() *idSet {
	return &idSet{order: make(map[string]int)}
}

func (s *idSet) add(id string) {
	if _, ok := s.order[id]; ok {
		return
	}
	s.order[id] = len(s.ids)
	s.ids = append(s.ids, id)
}

func (s *idSet) remove(id string) {
	i, ok := s.order[id]
	if !ok {
		return
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	delete(s.order, id)
	for id2, j := range s.order {
		if j > i {
			s.order[id2] = j - 1
		}
	}
}

func (s *idSet) empty() bool { return len(s.ids) == 0 }

// Index is one secondary index on one field of one collection: an
// ordered map from field value to the set of record ids holding that
// value. A unique index's sets never grow past size one; add
// enforces that and reports UniqueViolation otherwise.
type Index struct {
	Name   string
	Field  string
	Unique bool
	tree   *btree.Tree[value.Value, *idSet]
}

// New builds an empty Index.
func New(name, field string, unique bool) *Index {
	return &Index{
		Name:   name,
		Field:  field,
		Unique: unique,
		tree:   btree.New[value.Value, *idSet](value.Compare),
	}
}

// Add indexes a record's value under id. A null or absent value
// (callers pass value.NullValue() for "absent") is a no-op: indexes
// never carry entries for records with no value on the indexed
// field.
func (ix *Index) Add(v value.Value, id string) error {
	if v.IsNull() {
		return nil
	}
	set, ok := ix.tree.Search(v)
	if !ok {
		set = newIDSet()
		set.add(id)
		ix.tree.Insert(v, set)
		return nil
	}
	if ix.Unique && !set.empty() {
		return &UniqueViolation{Index: ix.Name, Value: v}
	}
	set.add(id)
	return nil
}

// Remove un-indexes id from under v. A no-op if v is null or id was
// never indexed there.
func (ix *Index) Remove(v value.Value, id string) {
	if v.IsNull() {
		return
	}
	set, ok := ix.tree.Search(v)
	if !ok {
		return
	}
	set.remove(id)
	if set.empty() {
		ix.tree.Delete(v)
	}
}

// Search returns every id indexed under v, in the order they were
// added. For a unique index this is at most one id.
func (ix *Index) Search(v value.Value) []string {
	set, ok := ix.tree.Search(v)
	if !ok {
		return nil
	}
	out := make([]string, len(set.ids))
	copy(out, set.ids)
	return out
}

// RangeSearch returns every id whose indexed value falls in [min,
// max], in ascending value order; ids sharing a value keep their
// insertion order within that value.
func (ix *Index) RangeSearch(min, max value.Value) []string {
	entries := ix.tree.Range(min, max)
	var out []string
	for _, e := range entries {
		out = append(out, e.Value.ids...)
	}
	return out
}

// Size returns the number of distinct values currently indexed.
func (ix *Index) Size() int { return ix.tree.Size() }

// Manager aggregates every index on one collection and keeps them in
// sync as a unit: AddToAll either indexes a record under every index
// or, on the first unique violation, rolls back every add already
// applied for that record before returning.
type Manager struct {
	indexes map[string]*Index
	order   []string
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{indexes: make(map[string]*Index)}
}

// Define registers a new index. Defining an index under a name that
// already exists replaces it.
func (m *Manager) Define(ix *Index) {
	if _, exists := m.indexes[ix.Name]; !exists {
		m.order = append(m.order, ix.Name)
	}
	m.indexes[ix.Name] = ix
}

// Drop removes an index by name.
func (m *Manager) Drop(name string) {
	if _, ok := m.indexes[name]; !ok {
		return
	}
	delete(m.indexes, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns the named index.
func (m *Manager) Get(name string) (*Index, bool) {
	ix, ok := m.indexes[name]
	return ix, ok
}

// List returns every index in definition order.
func (m *Manager) List() []*Index {
	out := make([]*Index, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.indexes[name])
	}
	return out
}

// ForField returns every index defined on the given field.
func (m *Manager) ForField(field string) []*Index {
	var out []*Index
	for _, name := range m.order {
		ix := m.indexes[name]
		if ix.Field == field {
			out = append(out, ix)
		}
	}
	return out
}

// AddToAll indexes a record's field values under every index that
// covers one of those fields. If any index rejects the add, every
// add already applied for this record (across all indexes, not just
// the one that rejected) is undone, and the returned error aggregates
// every violation encountered at this call via multierr so a record
// that collides on several unique fields at once reports all of
// them, not just the first.
func (m *Manager) AddToAll(id string, fields map[string]value.Value) error {
	var applied []*Index
	var errs error
	for _, name := range m.order {
		ix := m.indexes[name]
		v, ok := fields[ix.Field]
		if !ok {
			v = value.NullValue()
		}
		if err := ix.Add(v, id); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		applied = append(applied, ix)
	}
	if errs != nil {
		for _, ix := range applied {
			v, ok := fields[ix.Field]
			if !ok {
				v = value.NullValue()
			}
			ix.Remove(v, id)
		}
		return errs
	}
	return nil
}

// RemoveFromAll un-indexes a record's field values from every index
// that covers one of those fields. An individual index's removal
// never fails, so there is nothing to roll back and nothing to
// report.
func (m *Manager) RemoveFromAll(id string, fields map[string]value.Value) {
	for _, name := range m.order {
		ix := m.indexes[name]
		v, ok := fields[ix.Field]
		if !ok {
			v = value.NullValue()
		}
		ix.Remove(v, id)
	}
}
