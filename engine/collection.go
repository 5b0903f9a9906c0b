// Package engine implements the collection engine: the primary
// record store, its CRUD surface, query helpers, and the index
// synchrony and locking discipline that back them.
//
// Grounded on the teacher's directors/bundle_service.go, which
// separates "mutate the in-memory bundle" from "persist it" the same
// way this package separates the engine from package storage, and on
// buffermgr/buffer_manager.go's DBPageBuffer.Mu, whose per-buffer
// sync.RWMutex is generalized here into one lock per collection.
package engine

import (
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/strohdb/moddb/btree"
	"github.com/strohdb/moddb/idgen"
	"github.com/strohdb/moddb/index"
	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/value"
)

// MissingIndex reports that findByRange was called against a field
// with no index.
type MissingIndex struct {
	Field string
}

func (e *MissingIndex) Error() string {
	return fmt.Sprintf("engine: field %q has no index", e.Field)
}

// View is a caller-visible projection of a record: a copy of its
// scalar fields, with hidden fields omitted. Mutating a View never
// mutates the stored record.
type View struct {
	ID     string
	Fields map[string]value.Value
}

// record is the internal, full projection kept in the primary map:
// every field the schema declares, hidden or not.
type record struct {
	id     string
	fields map[string]value.Value
}

// ModifyFunc is a modification-event subscriber. Subscribers must not
// call back into the collection's mutating operations from within the
// callback; the collection's lock is held across the call.
type ModifyFunc func(collection string)

const maxInsertRetries = 8

// Collection is one named record store: a schema, a B-tree-backed
// primary map keyed by id, and a secondary index manager kept in sync
// with every mutation.
type Collection struct {
	Name   string
	Schema *schema.Schema

	mu        sync.Mutex
	primary   *btree.Tree[string, *record]
	indexes   *index.Manager
	ids       *idgen.Generator
	cache     *ristretto.Cache[string, View]
	observers []ModifyFunc
	logger    *zap.SugaredLogger
}

// New builds an empty Collection for the given schema, auto-creating
// one index per field the schema marks Indexed or Unique.
func New(name string, s *schema.Schema, logger *zap.SugaredLogger) (*Collection, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, View]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: building cache for collection %q: %w", name, err)
	}

	c := &Collection{
		Name:    name,
		Schema:  s,
		primary: btree.New[string, *record](func(a, b string) int { return compareStrings(a, b) }),
		indexes: index.NewManager(),
		ids:     idgen.New(),
		cache:   cache,
		logger:  logger,
	}
	for _, spec := range s.DerivedIndexes() {
		c.indexes.Define(index.New(spec.Name, spec.Field, spec.Unique))
	}
	return c, nil
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (c *Collection) visible(r *record) View {
	hidden := c.Schema.HiddenFields()
	fields := make(map[string]value.Value, len(r.fields))
	for name, v := range r.fields {
		if hidden[name] {
			continue
		}
		fields[name] = v
	}
	return View{ID: r.id, Fields: fields}
}

func (c *Collection) notifyModified() {
	for _, obs := range c.observers {
		obs(c.Name)
	}
}

// OnModify registers a subscriber, called once per successful
// mutating operation.
func (c *Collection) OnModify(fn ModifyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// OffModify unregisters every subscriber equal by pointer identity is
// not possible for funcs in Go, so OffModify clears all subscribers;
// callers needing selective removal should track their own gate
// inside the callback.
func (c *Collection) OffModify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = nil
}

// Insert fills absent fields that declare a Default, validates values
// against the schema, assigns a fresh id (retrying on collision
// against the primary map), indexes the record, and only then stores
// it.
func (c *Collection) Insert(values map[string]value.Value) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	values = cloneFields(values)
	for _, name := range c.Schema.FieldNames() {
		def, _ := c.Schema.Field(name)
		if _, present := values[name]; !present && def.Default != nil {
			values[name] = *def.Default
		}
	}
	if err := c.Schema.Validate(values); err != nil {
		return View{}, err
	}

	var id string
	for attempt := 0; ; attempt++ {
		candidate, err := c.ids.Next()
		if err != nil {
			return View{}, fmt.Errorf("engine: generating id: %w", err)
		}
		if _, exists := c.primary.Search(candidate); !exists {
			id = candidate
			break
		}
		if attempt >= maxInsertRetries {
			return View{}, fmt.Errorf("engine: exhausted %d id-collision retries", maxInsertRetries)
		}
	}

	fields := cloneFields(values)
	if err := c.indexes.AddToAll(id, fields); err != nil {
		return View{}, err
	}

	rec := &record{id: id, fields: fields}
	c.primary.Insert(id, rec)
	c.cache.Del(id)
	c.notifyModified()
	return c.visible(rec), nil
}

// Get returns the visible projection of a record by id, consulting
// the read-through cache before the primary map.
func (c *Collection) Get(id string) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(id)
}

func (c *Collection) get(id string) (View, bool) {
	if v, ok := c.cache.Get(id); ok {
		return View{ID: v.ID, Fields: cloneFields(v.Fields)}, true
	}
	rec, ok := c.primary.Search(id)
	if !ok {
		return View{}, false
	}
	view := c.visible(rec)
	c.cache.Set(id, view, 1)
	return View{ID: view.ID, Fields: cloneFields(view.Fields)}, true
}

// Update merges partial over the stored record, re-validates, and
// for every changed field re-indexes it; a unique violation rolls
// the whole update back atomically, leaving the stored record and
// every index untouched.
func (c *Collection) Update(id string, partial map[string]value.Value) (View, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.primary.Search(id)
	if !ok {
		return View{}, false, nil
	}

	merged := cloneFields(rec.fields)
	for k, v := range partial {
		merged[k] = v
	}
	if err := c.Schema.Validate(merged); err != nil {
		return View{}, false, err
	}

	changed := make(map[string]value.Value)
	for name, newVal := range merged {
		oldVal, had := rec.fields[name]
		if !had || !oldVal.Equal(newVal) {
			changed[name] = newVal
		}
	}
	for name := range rec.fields {
		if _, inMerged := merged[name]; !inMerged {
			changed[name] = value.NullValue()
		}
	}
	if len(changed) == 0 {
		return c.visible(rec), true, nil
	}

	old := make(map[string]value.Value, len(changed))
	for name := range changed {
		if v, had := rec.fields[name]; had {
			old[name] = v
		}
	}
	c.indexes.RemoveFromAll(id, old)
	if err := c.indexes.AddToAll(id, changed); err != nil {
		c.indexes.RemoveFromAll(id, changed)
		c.indexes.AddToAll(id, old)
		return View{}, false, err
	}

	rec.fields = merged
	c.cache.Del(id)
	c.notifyModified()
	return c.visible(rec), true, nil
}

// Remove deletes a record by id, un-indexing it first.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remove(id)
}

func (c *Collection) remove(id string) bool {
	rec, ok := c.primary.Search(id)
	if !ok {
		return false
	}
	c.indexes.RemoveFromAll(id, rec.fields)
	c.primary.Delete(id)
	c.cache.Del(id)
	c.notifyModified()
	return true
}

// All returns every visible record, in ascending id order.
func (c *Collection) All() []View {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.primary.InOrder()
	out := make([]View, len(entries))
	for i, e := range entries {
		out[i] = c.visible(e.Value)
	}
	return out
}

// Predicate tests a record's visible fields.
type Predicate func(View) bool

// Find returns every record satisfying pred, in ascending id order.
func (c *Collection) Find(pred Predicate) []View {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []View
	for _, e := range c.primary.InOrder() {
		v := c.visible(e.Value)
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// First returns the first record satisfying pred in ascending id
// order, short-circuiting the scan.
func (c *Collection) First(pred Predicate) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.primary.InOrder() {
		v := c.visible(e.Value)
		if pred(v) {
			return v, true
		}
	}
	return View{}, false
}

// FindByField uses the field's index when one exists; otherwise it
// falls back to a full scan for the first match. field may also be
// the implicit "id" field, which has no index and no entry in a
// record's Fields map.
func (c *Collection) FindByField(field string, v value.Value) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if field == "id" {
		return c.get(v.Text())
	}
	for _, ix := range c.indexes.ForField(field) {
		ids := ix.Search(v)
		if len(ids) == 0 {
			continue
		}
		return c.get(ids[0])
	}
	for _, e := range c.primary.InOrder() {
		if fv, ok := e.Value.fields[field]; ok && fv.Equal(v) {
			return c.visible(e.Value), true
		}
	}
	return View{}, false
}

// FindByRange requires an index on field and returns every record
// whose field value falls in [min, max], ascending.
func (c *Collection) FindByRange(field string, min, max value.Value) ([]View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	indexes := c.indexes.ForField(field)
	if len(indexes) == 0 {
		return nil, &MissingIndex{Field: field}
	}
	ix := indexes[0]
	var out []View
	for _, id := range ix.RangeSearch(min, max) {
		if v, ok := c.get(id); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// CreateIndex defines a new index, building it from every existing
// record; a unique violation against current data leaves no index
// behind.
func (c *Collection) CreateIndex(name, field string, unique bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.indexes.Get(name); exists {
		return fmt.Errorf("engine: index %q already exists", name)
	}
	ix := index.New(name, field, unique)
	for _, e := range c.primary.InOrder() {
		v, ok := e.Value.fields[field]
		if !ok {
			v = value.NullValue()
		}
		if err := ix.Add(v, e.Key); err != nil {
			return err
		}
	}
	c.indexes.Define(ix)
	return nil
}

// DropIndex removes an index by name, reporting whether it existed.
func (c *Collection) DropIndex(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes.Get(name); !ok {
		return false
	}
	c.indexes.Drop(name)
	return true
}

// IndexInfo summarizes one defined index for listing/stats purposes.
type IndexInfo struct {
	Name   string
	Field  string
	Unique bool
	Size   int
}

// ListIndexes returns every defined index, in definition order.
func (c *Collection) ListIndexes() []IndexInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []IndexInfo
	for _, ix := range c.indexes.List() {
		out = append(out, IndexInfo{Name: ix.Name, Field: ix.Field, Unique: ix.Unique, Size: ix.Size()})
	}
	return out
}

// GetIndexStats is an alias for ListIndexes kept distinct at the call
// site because spec wording names the two operations separately even
// though they return the same shape.
func (c *Collection) GetIndexStats() []IndexInfo {
	return c.ListIndexes()
}

// Stats summarizes a collection's size for health/diagnostic
// reporting.
type Stats struct {
	RecordCount       int
	IndexCount        int
	IndexMemoryBytes  int64
}

// GetStats estimates index memory cost as a fixed per-entry weight;
// this is a diagnostic estimate, not an accounting-grade figure.
const estimatedBytesPerIndexEntry = 64

func (c *Collection) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mem int64
	indexes := c.indexes.List()
	for _, ix := range indexes {
		mem += int64(ix.Size()) * estimatedBytesPerIndexEntry
	}
	return Stats{
		RecordCount:      c.primary.Size(),
		IndexCount:       len(indexes),
		IndexMemoryBytes: mem,
	}
}

// Filter retains only the records satisfying pred, removing every
// other record through the same path Remove uses (so indexes stay in
// sync), and fires at most one modification event for the whole
// operation.
func (c *Collection) Filter(pred Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var toRemove []string
	for _, e := range c.primary.InOrder() {
		if !pred(c.visible(e.Value)) {
			toRemove = append(toRemove, e.Key)
		}
	}
	if len(toRemove) == 0 {
		return
	}
	for _, id := range toRemove {
		rec, ok := c.primary.Search(id)
		if !ok {
			continue
		}
		c.indexes.RemoveFromAll(id, rec.fields)
		c.primary.Delete(id)
		c.cache.Del(id)
	}
	c.notifyModified()
}

// InternalRecord is the full projection persistence needs: every
// field, hidden or not.
type InternalRecord struct {
	ID     string
	Fields map[string]value.Value
}

// AllInternal returns every record's internal projection, in
// ascending id order, for use by the storage manager's commit path.
func (c *Collection) AllInternal() []InternalRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.primary.InOrder()
	out := make([]InternalRecord, len(entries))
	for i, e := range entries {
		out[i] = InternalRecord{ID: e.Value.id, Fields: cloneFields(e.Value.fields)}
	}
	return out
}

// LoadInternal replaces the collection's primary map and indexes
// wholesale from records read off disk, bypassing validation and id
// generation (the container already recorded valid, id-assigned
// records). Used only during storage manager replay.
func (c *Collection) LoadInternal(records []InternalRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary.Clear()
	c.indexes = index.NewManager()
	for _, spec := range c.Schema.DerivedIndexes() {
		c.indexes.Define(index.New(spec.Name, spec.Field, spec.Unique))
	}
	for _, rec := range records {
		fields := cloneFields(rec.Fields)
		if err := c.indexes.AddToAll(rec.ID, fields); err != nil {
			return fmt.Errorf("engine: replaying record %q into indexes: %w", rec.ID, err)
		}
		c.primary.Insert(rec.ID, &record{id: rec.ID, fields: fields})
	}
	c.cache.Clear()
	return nil
}

func cloneFields(in map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
