package engine

import (
	"testing"

	"go.uber.org/zap"

	"github.com/strohdb/moddb/schema"
	"github.com/strohdb/moddb/value"
)

func testCollection(t *testing.T) *Collection {
	s, err := schema.New(map[string]schema.FieldDefinition{
		"name":  {Kind: value.Text, Required: true},
		"email": {Kind: value.Text, Unique: true},
		"age":   {Kind: value.Real, Indexed: true},
		"token": {Kind: value.Text, Hidden: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := New("users", s, zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestInsertAssignsIDAndReturnsVisibleProjection(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{
		"name":  value.NewText("Ada"),
		"email": value.NewText("ada@x.com"),
		"token": value.NewText("secret"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v.ID == "" {
		t.Fatal("expected a non-empty generated id")
	}
	if _, present := v.Fields["token"]; present {
		t.Fatal("hidden field token leaked into the visible projection")
	}
}

func TestInsertRejectsMissingRequiredField(t *testing.T) {
	c := testCollection(t)
	_, err := c.Insert(map[string]value.Value{"email": value.NewText("a@b.com")})
	if err == nil {
		t.Fatal("expected validation error for missing required field name")
	}
}

func TestInsertRejectsUniqueViolation(t *testing.T) {
	c := testCollection(t)
	if _, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "email": value.NewText("dup@x.com"),
	}); err != nil {
		t.Fatal(err)
	}
	_, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Grace"), "email": value.NewText("dup@x.com"),
	})
	if err == nil {
		t.Fatal("expected a unique violation on email")
	}
	// the rejected insert must not have taken the primary map slot
	stats := c.GetStats()
	if stats.RecordCount != 1 {
		t.Fatalf("RecordCount = %d, want 1 after rejected insert", stats.RecordCount)
	}
}

func TestGetHidesAndAllInternalKeepsHiddenField(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "token": value.NewText("secret"),
	})
	if err != nil {
		t.Fatal(err)
	}

	got, ok := c.Get(v.ID)
	if !ok {
		t.Fatal("expected Get to find the inserted record")
	}
	if _, present := got.Fields["token"]; present {
		t.Fatal("Get should return the visible projection, not the internal one")
	}

	internal := c.AllInternal()
	if len(internal) != 1 {
		t.Fatalf("AllInternal() has %d entries, want 1", len(internal))
	}
	if _, present := internal[0].Fields["token"]; !present {
		t.Fatal("AllInternal should include hidden fields")
	}
}

func TestUpdateReindexesChangedUniqueField(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "email": value.NewText("old@x.com"),
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, ok, err := c.Update(v.ID, map[string]value.Value{"email": value.NewText("new@x.com")})
	if err != nil || !ok {
		t.Fatalf("Update failed: ok=%v err=%v", ok, err)
	}
	if !updated.Fields["email"].Equal(value.NewText("new@x.com")) {
		t.Fatalf("email not updated: %v", updated.Fields["email"])
	}

	// the old value must no longer resolve via the index
	if _, found := c.FindByField("email", value.NewText("old@x.com")); found {
		t.Fatal("old email value still resolves through the index after update")
	}
	if found, ok := c.FindByField("email", value.NewText("new@x.com")); !ok || found.ID != v.ID {
		t.Fatal("new email value does not resolve through the index after update")
	}
}

func TestUpdateRollsBackOnUniqueViolation(t *testing.T) {
	c := testCollection(t)
	if _, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "email": value.NewText("ada@x.com"),
	}); err != nil {
		t.Fatal(err)
	}
	grace, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Grace"), "email": value.NewText("grace@x.com"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = c.Update(grace.ID, map[string]value.Value{"email": value.NewText("ada@x.com")})
	if err == nil {
		t.Fatal("expected unique violation on update")
	}

	// Grace's own record must still resolve under her original email.
	found, ok := c.FindByField("email", value.NewText("grace@x.com"))
	if !ok || found.ID != grace.ID {
		t.Fatal("update rollback left the index in an inconsistent state")
	}
}

func TestRemoveUnindexesRecord(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{
		"name": value.NewText("Ada"), "email": value.NewText("ada@x.com"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Remove(v.ID) {
		t.Fatal("expected Remove to report success")
	}
	if _, ok := c.Get(v.ID); ok {
		t.Fatal("record should be gone after Remove")
	}
	if _, ok := c.FindByField("email", value.NewText("ada@x.com")); ok {
		t.Fatal("index entry should be gone after Remove")
	}
}

func TestFindByRangeRequiresIndex(t *testing.T) {
	c := testCollection(t)
	_, err := c.FindByRange("name", value.NewText("a"), value.NewText("z"))
	if err == nil {
		t.Fatal("expected MissingIndex error for an unindexed field")
	}
	if _, ok := err.(*MissingIndex); !ok {
		t.Fatalf("got %T, want *MissingIndex", err)
	}
}

func TestFindByRangeOverIndexedField(t *testing.T) {
	c := testCollection(t)
	for i, name := range []string{"A", "B", "C"} {
		if _, err := c.Insert(map[string]value.Value{
			"name": value.NewText(name),
			"age":  value.NewReal(float64(20 + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.FindByRange("age", value.NewReal(20), value.NewReal(21))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("FindByRange = %d results, want 2", len(got))
	}
}

func TestFindByRangeOrdersByFieldValueNotID(t *testing.T) {
	c := testCollection(t)
	// Insertion order deliberately disagrees with age order, so a
	// result ordered by id would not be ordered by age.
	for _, age := range []float64{22, 20, 21} {
		if _, err := c.Insert(map[string]value.Value{
			"name": value.NewText("x"),
			"age":  value.NewReal(age),
		}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.FindByRange("age", value.NewReal(20), value.NewReal(22))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("FindByRange = %d results, want 3", len(got))
	}
	for i, want := range []float64{20, 21, 22} {
		if got[i].Fields["age"].Real() != want {
			t.Fatalf("result[%d].age = %v, want %v (ascending field-value order)", i, got[i].Fields["age"].Real(), want)
		}
	}
}

func TestFindByFieldResolvesImplicitIDField(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{"name": value.NewText("Ada")})
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c.FindByField("id", value.NewText(v.ID))
	if !ok || got.ID != v.ID {
		t.Fatalf("FindByField(\"id\", ...) = %v, %v, want a match on %s", got, ok, v.ID)
	}
}

func TestGetReturnsIndependentSnapshots(t *testing.T) {
	c := testCollection(t)
	v, err := c.Insert(map[string]value.Value{"name": value.NewText("Ada")})
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Get(v.ID)
	b, _ := c.Get(v.ID)
	a.Fields["name"] = value.NewText("mutated")
	if b.Fields["name"].Equal(value.NewText("mutated")) {
		t.Fatal("two callers' Get results share the same Fields map")
	}
}

func TestFilterRetainsOnlyMatching(t *testing.T) {
	c := testCollection(t)
	for i, name := range []string{"A", "B", "C"} {
		if _, err := c.Insert(map[string]value.Value{
			"name": value.NewText(name),
			"age":  value.NewReal(float64(20 + i)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	c.Filter(func(v View) bool {
		return v.Fields["age"].Real() >= 21
	})
	all := c.All()
	if len(all) != 2 {
		t.Fatalf("Filter left %d records, want 2", len(all))
	}
}

func TestCreateIndexFailsOnExistingUniqueViolation(t *testing.T) {
	c := testCollection(t)
	// insert two records that collide on "name" (not unique by
	// schema, but we create a unique index after the fact).
	if _, err := c.Insert(map[string]value.Value{"name": value.NewText("dup")}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Insert(map[string]value.Value{"name": value.NewText("dup")}); err != nil {
		t.Fatal(err)
	}
	err := c.CreateIndex("name_unique_idx", "name", true)
	if err == nil {
		t.Fatal("expected CreateIndex to fail against existing duplicate data")
	}
	if _, ok := c.indexes.Get("name_unique_idx"); ok {
		t.Fatal("a failed CreateIndex must not retain a partial index")
	}
}

func TestOnModifyFiresOnceOnInsert(t *testing.T) {
	c := testCollection(t)
	count := 0
	c.OnModify(func(string) { count++ })
	if _, err := c.Insert(map[string]value.Value{"name": value.NewText("Ada")}); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("modification event fired %d times, want 1", count)
	}
}
