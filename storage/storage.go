// Package storage implements the storage manager: the schema
// registry, the live collection map, auto-commit scheduling, and the
// relation table, all wired to the on-disk container through package
// dbfile.
//
// Grounded on the teacher's directors package, which splits the same
// responsibilities across DatabaseService, BundleService, and
// ServiceManager; this module consolidates them into one type because
// nothing here needs three separately constructed services talking
// through a shared store interface — collapsing a factory/service
// layer the teacher needed for its own layering but this module
// doesn't. Explicitly not a package-level singleton: every open call
// returns its own Manager, so tests can run several in parallel
// without sharing state through a global.
package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/strohdb/moddb/codec"
	"github.com/strohdb/moddb/dbfile"
	"github.com/strohdb/moddb/engine"
	"github.com/strohdb/moddb/relation"
	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/settings"
)

// autoCommitQuietPeriod is the fixed coalescing window spec §4.H
// names: each modification restarts the window, and the rewrite runs
// once no modification has arrived for this long.
const autoCommitQuietPeriod = 100 * time.Millisecond

// NotFound reports a lookup against a collection or relation name
// that does not exist.
type NotFound struct {
	Kind string
	Name string
}

func (e *NotFound) Error() string { return fmt.Sprintf("storage: %s %q not found", e.Kind, e.Name) }

// Manager owns one container file's worth of collections and
// relations. The zero value is not usable; build one with Open.
type Manager struct {
	opts   settings.Arguments
	logger *zap.SugaredLogger
	handle *dbfile.Handle

	mu          sync.Mutex
	schemas     map[string]*schema.Schema
	collections map[string]*engine.Collection
	relations   map[string]*relation.Relation
	initialized bool

	commitMu     sync.Mutex
	timer        *time.Timer
	cycleRunning bool
	pendingAfter bool
}

// Open registers a schema set and opens (but does not yet load) the
// backing container when opts.Persist is set. Callers must call
// Initialize before relying on any persisted state being visible.
func Open(schemas map[string]*schema.Schema, opts settings.Arguments, logger *zap.SugaredLogger) (*Manager, error) {
	reg := make(map[string]*schema.Schema, len(schemas))
	for name, s := range schemas {
		reg[name] = s
	}

	m := &Manager{
		opts:        opts,
		logger:      logger,
		schemas:     reg,
		collections: make(map[string]*engine.Collection),
		relations:   make(map[string]*relation.Relation),
	}

	if opts.Persist {
		path := dbfile.ResolvePath(opts.FilePath)
		handle, err := dbfile.Open(path)
		if err != nil {
			return nil, fmt.Errorf("storage: opening container: %w", err)
		}
		m.handle = handle
	}
	return m, nil
}

// Close releases the container file's advisory lock, if persistence
// is on.
func (m *Manager) Close() error {
	if m.handle == nil {
		return nil
	}
	return m.handle.Close()
}

// Initialize is idempotent. If persistence is on, it loads the
// container, instantiates an engine for every stored collection
// (merging its on-disk schema into the registry if the caller never
// declared one), seeds its records, and recreates every index listed
// in its stored directory.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	m.initialized = true

	if m.handle == nil {
		return nil
	}

	file, err := m.handle.Load()
	if err != nil {
		return fmt.Errorf("storage: loading container: %w", err)
	}

	for _, payload := range file.Payloads {
		s, err := codec.DecodeSchema(payload.Schema)
		if err != nil {
			return fmt.Errorf("storage: decoding schema for %q: %w", payload.Name, err)
		}
		if _, declared := m.schemas[payload.Name]; !declared {
			m.schemas[payload.Name] = s
		}
		col, err := m.instantiate(payload.Name)
		if err != nil {
			return err
		}

		entries, err := codec.DecodeIndexDirectory(payload.Index)
		if err != nil {
			return fmt.Errorf("storage: decoding index directory for %q: %w", payload.Name, err)
		}
		records, err := codec.DecodeRecords(m.schemas[payload.Name], payload.Records)
		if err != nil {
			return fmt.Errorf("storage: decoding records for %q: %w", payload.Name, err)
		}

		internal := make([]engine.InternalRecord, len(records))
		for i, r := range records {
			internal[i] = engine.InternalRecord{ID: r.ID, Fields: r.Fields}
		}
		if err := col.LoadInternal(internal); err != nil {
			return fmt.Errorf("storage: replaying records for %q: %w", payload.Name, err)
		}
		for _, e := range entries {
			if e.Name == "" {
				continue
			}
			_ = col.CreateIndex(e.Name, e.Field, e.Unique)
		}
	}
	return nil
}

// instantiate builds a new engine for name without taking m.mu
// (callers already hold it) and subscribes the modification listener
// that arms auto-commit.
func (m *Manager) instantiate(name string) (*engine.Collection, error) {
	if col, ok := m.collections[name]; ok {
		return col, nil
	}
	s, ok := m.schemas[name]
	if !ok {
		return nil, &NotFound{Kind: "collection schema", Name: name}
	}
	col, err := engine.New(name, s, m.logger)
	if err != nil {
		return nil, fmt.Errorf("storage: creating collection %q: %w", name, err)
	}
	if m.opts.Persist && m.opts.AutoCommit {
		col.OnModify(func(collectionName string) {
			m.armAutoCommit(collectionName)
		})
	}
	m.collections[name] = col
	return col, nil
}

// Collection lazily instantiates (on first access) the engine for
// name, rejecting names the registry never declared.
func (m *Manager) Collection(name string) (*engine.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instantiate(name)
}

// Commit pulls one live collection's internal projection, schema, and
// current index directory into the container and rewrites the file.
// A no-op when persistence is off.
func (m *Manager) Commit(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	col, ok := m.collections[name]
	if !ok {
		return &NotFound{Kind: "collection", Name: name}
	}
	return m.commitLocked(map[string]*engine.Collection{name: col})
}

// CommitAll commits every live collection in one file rewrite.
func (m *Manager) CommitAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return nil
	}
	return m.commitLocked(m.collections)
}

func (m *Manager) commitLocked(cols map[string]*engine.Collection) error {
	existing, err := m.handle.Load()
	if err != nil {
		return fmt.Errorf("storage: loading container before commit: %w", err)
	}
	byName := make(map[string]dbfile.Payload, len(existing.Payloads))
	for _, p := range existing.Payloads {
		byName[p.Name] = p
	}

	var errs error
	for name, col := range cols {
		payload, err := m.buildPayload(name, col)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		byName[name] = payload
	}
	if errs != nil {
		return errs
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	merged := &dbfile.File{}
	for _, name := range names {
		merged.Payloads = append(merged.Payloads, byName[name])
	}
	return m.handle.Save(merged)
}

func (m *Manager) buildPayload(name string, col *engine.Collection) (dbfile.Payload, error) {
	s := col.Schema
	var indexEntries []codec.IndexEntry
	for _, ix := range col.ListIndexes() {
		indexEntries = append(indexEntries, codec.IndexEntry{Name: ix.Name, Field: ix.Field, Unique: ix.Unique})
	}

	internal := col.AllInternal()
	records := make([]codec.Record, len(internal))
	for i, r := range internal {
		records[i] = codec.Record{ID: r.ID, Fields: r.Fields}
	}

	return dbfile.Payload{
		Name:    name,
		Schema:  codec.EncodeSchema(s),
		Index:   codec.EncodeIndexDirectory(indexEntries),
		Records: codec.EncodeRecords(s, records),
	}, nil
}

// armAutoCommit (re)schedules a coalesced CommitAll for the quiet
// period starting now. Repeated calls within the window push the
// rewrite back, so it fires roughly autoCommitQuietPeriod after the
// *last* modification rather than the first — runCommitCycle always
// clears m.timer under commitMu before it does anything else, so a
// Reset here never races with a callback that is already running.
func (m *Manager) armAutoCommit(collectionName string) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.timer != nil {
		m.timer.Reset(autoCommitQuietPeriod)
		return
	}
	m.timer = time.AfterFunc(autoCommitQuietPeriod, m.runCommitCycle)
}

func (m *Manager) runCommitCycle() {
	m.commitMu.Lock()
	m.timer = nil
	if m.cycleRunning {
		m.pendingAfter = true
		m.commitMu.Unlock()
		return
	}
	m.cycleRunning = true
	m.commitMu.Unlock()

	cycleID := uuid.NewString()
	if m.logger != nil {
		m.logger.Debugw("auto-commit cycle starting", "cycle", cycleID)
	}
	err := m.CommitAll()
	if err != nil && m.logger != nil {
		m.logger.Warnw("auto-commit cycle failed", "cycle", cycleID, "error", err)
	} else if m.logger != nil {
		m.logger.Debugw("auto-commit cycle finished", "cycle", cycleID)
	}

	m.commitMu.Lock()
	m.cycleRunning = false
	again := m.pendingAfter
	m.pendingAfter = false
	m.commitMu.Unlock()

	if again {
		m.armAutoCommit("")
	}
}

// DefineRelation validates that both referenced collections exist and
// registers a relation under spec.Name. sourceCollection is the name
// spec's foreign key field lives on; spec.TargetCollection is the
// name it points at.
func (m *Manager) DefineRelation(sourceCollection string, spec schema.RelationSpec) (*relation.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schemas[sourceCollection]; !ok {
		return nil, &NotFound{Kind: "collection", Name: sourceCollection}
	}
	if _, ok := m.schemas[spec.TargetCollection]; !ok {
		return nil, &NotFound{Kind: "collection", Name: spec.TargetCollection}
	}
	sourceCol, err := m.instantiate(sourceCollection)
	if err != nil {
		return nil, err
	}
	targetCol, err := m.instantiate(spec.TargetCollection)
	if err != nil {
		return nil, err
	}

	rel, hasIndex := relation.New(spec.Name, sourceCol, targetCol, spec.SourceField, spec.TargetField, spec.Cardinality, spec.OnDelete)
	if !hasIndex && m.logger != nil {
		m.logger.Warnw("relation target field has no index; joins and integrity checks will scan",
			"relation", spec.Name, "target", spec.TargetCollection, "field", spec.TargetField)
	}
	m.relations[spec.Name] = rel
	return rel, nil
}

// ListRelations returns every defined relation's name.
func (m *Manager) ListRelations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.relations))
	for name := range m.relations {
		out = append(out, name)
	}
	return out
}

// GetRelation returns a defined relation by name.
func (m *Manager) GetRelation(name string) (*relation.Relation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.relations[name]
	if !ok {
		return nil, &NotFound{Kind: "relation", Name: name}
	}
	return rel, nil
}

// ValidateRelations runs ValidateIntegrity over every defined
// relation, returning the set that reported orphans.
func (m *Manager) ValidateRelations() map[string]relation.IntegrityReport {
	m.mu.Lock()
	rels := make([]*relation.Relation, 0, len(m.relations))
	for _, rel := range m.relations {
		rels = append(rels, rel)
	}
	m.mu.Unlock()

	out := make(map[string]relation.IntegrityReport)
	for _, rel := range rels {
		report := rel.ValidateIntegrity()
		if !report.OK {
			out[rel.Name] = report
		}
	}
	return out
}

// RelationMetadata summarizes one relation's declared shape.
type RelationMetadata struct {
	Name        string
	SourceField string
	TargetField string
	Cardinality schema.Cardinality
	OnDelete    schema.DeletePolicy
}

// GetRelationMetadata returns the declared shape of a relation by
// name.
func (m *Manager) GetRelationMetadata(name string) (RelationMetadata, error) {
	rel, err := m.GetRelation(name)
	if err != nil {
		return RelationMetadata{}, err
	}
	return RelationMetadata{
		Name:        rel.Name,
		SourceField: rel.SourceField,
		TargetField: rel.TargetField,
		Cardinality: rel.Cardinality,
		OnDelete:    rel.OnDelete,
	}, nil
}

// GetHealth reports the container path, total on-disk size, and
// per-collection record counts.
type Health struct {
	FilePath     string
	TotalBytes   int64
	RecordCounts map[string]int
}

func (m *Manager) GetHealth() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{RecordCounts: make(map[string]int, len(m.collections))}
	for name, col := range m.collections {
		h.RecordCounts[name] = col.GetStats().RecordCount
	}
	if m.handle != nil {
		h.FilePath = dbfile.ResolvePath(m.opts.FilePath)
		if info, err := os.Stat(h.FilePath); err == nil {
			h.TotalBytes = info.Size()
		}
	}
	return h
}
