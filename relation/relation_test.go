package relation

import (
	"testing"

	"go.uber.org/zap"

	"github.com/strohdb/moddb/engine"
	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/value"
)

func newCollection(t *testing.T, name string, fields map[string]schema.FieldDefinition) *engine.Collection {
	s, err := schema.New(fields)
	if err != nil {
		t.Fatal(err)
	}
	c, err := engine.New(name, s, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func setupAuthorsBooks(t *testing.T, onDelete schema.DeletePolicy) (*engine.Collection, *engine.Collection, *Relation, engine.View, engine.View, engine.View) {
	authors := newCollection(t, "authors", map[string]schema.FieldDefinition{
		"name": {Kind: value.Text},
	})
	books := newCollection(t, "books", map[string]schema.FieldDefinition{
		"title":    {Kind: value.Text},
		"authorID": {Kind: value.Text},
	})

	ada, err := authors.Insert(map[string]value.Value{"name": value.NewText("Ada")})
	if err != nil {
		t.Fatal(err)
	}

	b1, err := books.Insert(map[string]value.Value{"title": value.NewText("Book One"), "authorID": value.NewText(ada.ID)})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := books.Insert(map[string]value.Value{"title": value.NewText("Book Two"), "authorID": value.NewText(ada.ID)})
	if err != nil {
		t.Fatal(err)
	}

	rel, _ := New("books_authorID_authors", books, authors, "authorID", "id", schema.ManyToOne, onDelete)
	return authors, books, rel, ada, b1, b2
}

func TestInnerJoinOnlyEmitsMatches(t *testing.T) {
	_, books, rel, ada, _, _ := setupAuthorsBooks(t, schema.Restrict)
	_, err := books.Insert(map[string]value.Value{"title": value.NewText("Orphan Book")})
	if err != nil {
		t.Fatal(err)
	}

	rows := rel.InnerJoin()
	if len(rows) != 2 {
		t.Fatalf("InnerJoin() returned %d rows, want 2 (orphan excluded)", len(rows))
	}
	for _, row := range rows {
		if row.Joined == nil || row.Joined.ID != ada.ID {
			t.Fatalf("expected every joined row to resolve to author %s", ada.ID)
		}
	}
}

func TestLeftJoinIncludesUnmatchedWithNilJoined(t *testing.T) {
	_, books, rel, _, _, _ := setupAuthorsBooks(t, schema.Restrict)
	if _, err := books.Insert(map[string]value.Value{"title": value.NewText("Orphan Book")}); err != nil {
		t.Fatal(err)
	}

	rows := rel.LeftJoin()
	if len(rows) != 3 {
		t.Fatalf("LeftJoin() returned %d rows, want 3", len(rows))
	}
	var nilCount int
	for _, row := range rows {
		if row.Joined == nil {
			nilCount++
		}
	}
	if nilCount != 1 {
		t.Fatalf("expected exactly one unmatched row, got %d", nilCount)
	}
}

func TestGetRelatedManyToOneReturnsOneMatch(t *testing.T) {
	_, books, rel, ada, b1, _ := setupAuthorsBooks(t, schema.Restrict)
	bookView, ok := books.Get(b1.ID)
	if !ok {
		t.Fatal("expected book one to exist")
	}
	related := rel.GetRelated(bookView)
	if len(related) != 1 || related[0].ID != ada.ID {
		t.Fatalf("GetRelated() = %v, want a single match on author %s", related, ada.ID)
	}
}

func TestValidateIntegrityFindsOrphan(t *testing.T) {
	authors, books, rel, ada, _, _ := setupAuthorsBooks(t, schema.Restrict)
	_ = authors
	if _, err := books.Insert(map[string]value.Value{
		"title": value.NewText("Dangling"), "authorID": value.NewText("nonexistent-id"),
	}); err != nil {
		t.Fatal(err)
	}

	report := rel.ValidateIntegrity()
	if report.OK {
		t.Fatal("expected ValidateIntegrity to find an orphan")
	}
	if len(report.Orphans) != 1 {
		t.Fatalf("got %d orphans, want 1", len(report.Orphans))
	}
	if report.Orphans[0].Value.Text() != "nonexistent-id" {
		t.Fatalf("orphan value = %q, want nonexistent-id", report.Orphans[0].Value.Text())
	}
	_ = ada
}

func TestHandleDeleteRestrictFailsWhenReferenced(t *testing.T) {
	_, _, rel, ada, _, _ := setupAuthorsBooks(t, schema.Restrict)
	err := rel.HandleDelete(value.NewText(ada.ID))
	if err == nil {
		t.Fatal("expected IntegrityError: author is still referenced by two books")
	}
	if ie, ok := err.(*IntegrityError); !ok || ie.Count != 2 {
		t.Fatalf("got %v, want IntegrityError{Count: 2}", err)
	}
}

func TestHandleDeleteCascadeRemovesReferencingRecords(t *testing.T) {
	_, books, rel, ada, b1, b2 := setupAuthorsBooks(t, schema.Cascade)
	if err := rel.HandleDelete(value.NewText(ada.ID)); err != nil {
		t.Fatal(err)
	}
	if _, ok := books.Get(b1.ID); ok {
		t.Fatal("book one should have been cascaded away")
	}
	if _, ok := books.Get(b2.ID); ok {
		t.Fatal("book two should have been cascaded away")
	}
}

func TestHandleDeleteSetNullNullsForeignKeys(t *testing.T) {
	_, books, rel, ada, b1, b2 := setupAuthorsBooks(t, schema.SetNull)
	if err := rel.HandleDelete(value.NewText(ada.ID)); err != nil {
		t.Fatal(err)
	}
	got1, ok := books.Get(b1.ID)
	if !ok {
		t.Fatal("book one should still exist after set-null")
	}
	if v, present := got1.Fields["authorID"]; present && !v.IsNull() {
		t.Fatalf("book one authorID should be null, got %v", v)
	}
	got2, ok := books.Get(b2.ID)
	if !ok {
		t.Fatal("book two should still exist after set-null")
	}
	if v, present := got2.Fields["authorID"]; present && !v.IsNull() {
		t.Fatalf("book two authorID should be null, got %v", v)
	}
}

func TestHandleDeleteNoOpWhenNoReferences(t *testing.T) {
	_, _, rel, _, _, _ := setupAuthorsBooks(t, schema.Restrict)
	if err := rel.HandleDelete(value.NewText("some-unreferenced-id")); err != nil {
		t.Fatal(err)
	}
}
