package storage

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/settings"
	"github.com/strohdb/moddb/value"
)

func usersSchema(t *testing.T) *schema.Schema {
	s, err := schema.New(map[string]schema.FieldDefinition{
		"name":  {Kind: value.Text, Required: true},
		"email": {Kind: value.Text, Unique: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCollectionRejectsUndeclaredName(t *testing.T) {
	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, settings.Defaults(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := m.Collection("ghosts"); err == nil {
		t.Fatal("expected NotFound for an undeclared collection name")
	}
}

func TestCollectionLazyInstantiateIsIdempotent(t *testing.T) {
	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, settings.Defaults(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	c1, err := m.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 {
		t.Fatal("expected Collection to return the same instance on repeated calls")
	}
}

func TestCommitAndReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.mdb")
	opts := settings.Arguments{Persist: true, AutoCommit: false, FilePath: path}

	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, opts, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	col, err := m.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := col.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "email": value.NewText("ada@x.com"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitAll(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m2, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, opts, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	if err := m2.Initialize(); err != nil {
		t.Fatal(err)
	}
	col2, err := m2.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	all := col2.All()
	if len(all) != 1 {
		t.Fatalf("got %d records after reopen, want 1", len(all))
	}
	if !all[0].Fields["name"].Equal(value.NewText("Ada")) {
		t.Fatalf("name = %v, want Ada", all[0].Fields["name"])
	}
}

func TestAutoCommitPersistsWithinAShortWait(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auto.mdb")
	opts := settings.Arguments{Persist: true, AutoCommit: true, FilePath: path}

	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, opts, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	col, err := m.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := col.Insert(map[string]value.Value{"name": value.NewText("Ada")}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			h := m.GetHealth()
			if h.RecordCounts["users"] == 1 && h.TotalBytes > 0 {
				return
			}
		case <-deadline:
			t.Fatal("auto-commit did not persist within the deadline")
		}
	}
}

func TestDefineRelationRejectsUnknownCollection(t *testing.T) {
	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, settings.Defaults(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	_, err = m.DefineRelation("users", schema.RelationSpec{
		Name: "users_x_ghosts", SourceField: "x", TargetField: "id", TargetCollection: "ghosts",
	})
	if err == nil {
		t.Fatal("expected NotFound for an undeclared target collection")
	}
}

func TestGetHealthReportsRecordCounts(t *testing.T) {
	m, err := Open(map[string]*schema.Schema{"users": usersSchema(t)}, settings.Defaults(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	col, err := m.Collection("users")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := col.Insert(map[string]value.Value{"name": value.NewText("Ada")}); err != nil {
		t.Fatal(err)
	}
	h := m.GetHealth()
	if h.RecordCounts["users"] != 1 {
		t.Fatalf("RecordCounts[users] = %d, want 1", h.RecordCounts["users"])
	}
}
