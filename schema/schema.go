// Package schema implements the field/schema model: field
// definitions, record validation, and the index/relation artifacts a
// schema implies.
//
// Grounded on models/models.go's FieldDefinition/Field and on the
// field-copying loop in directors/bundle_service.go's AddBundle,
// which walks a command's field list and stamps Name/Type/
// IsRequired/IsUnique/DefaultValue onto the bundle's structure — this
// package generalizes that into the full field contract spec §4.D
// names (adding Indexed, Hidden, and Relation).
package schema

import (
	"fmt"
	"sort"

	"github.com/strohdb/moddb/value"
)

// Cardinality is the relation multiplicity tag.
type Cardinality string

const (
	OneToOne   Cardinality = "one-to-one"
	OneToMany  Cardinality = "one-to-many"
	ManyToOne  Cardinality = "many-to-one"
	ManyToMany Cardinality = "many-to-many"
)

// DeletePolicy governs what happens to source records when the
// relation's target is deleted.
type DeletePolicy string

const (
	Cascade  DeletePolicy = "cascade"
	SetNull  DeletePolicy = "set-null"
	Restrict DeletePolicy = "restrict"
)

// RelationTag is the declarative {collection, cardinality, onDelete}
// a field definition carries when it is a foreign key.
type RelationTag struct {
	Collection  string
	Cardinality Cardinality
	OnDelete    DeletePolicy
}

// FieldDefinition is one field's declared shape.
type FieldDefinition struct {
	Kind     value.Kind
	Indexed  bool
	Unique   bool
	Required bool
	Default  *value.Value
	Hidden   bool
	Relation *RelationTag
}

// Error is a validation failure: the field at fault and why.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// Schema is a collection's field→definition mapping, plus the
// implicit id field every record carries (kind text, not itself
// validated against — id assignment is the collection engine's job).
type Schema struct {
	fields map[string]FieldDefinition
	order  []string // lexical order of the names, used to fix a deterministic wire order
}

// New builds a Schema from a field map. Field order in the returned
// Schema is the lexical order of the names, which is what makes the
// wire encoding and commit-then-reopen byte-identical regardless of
// how the caller's map iterated.
func New(fields map[string]FieldDefinition) (*Schema, error) {
	if _, reserved := fields["id"]; reserved {
		return nil, fmt.Errorf("schema: \"id\" is an implicit field and cannot be declared")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	copied := make(map[string]FieldDefinition, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &Schema{fields: copied, order: names}, nil
}

// Field returns a field's definition.
func (s *Schema) Field(name string) (FieldDefinition, bool) {
	def, ok := s.fields[name]
	return def, ok
}

// FieldNames returns every declared field name in a fixed
// deterministic order (not including the implicit "id" field).
func (s *Schema) FieldNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// HiddenFields returns the set of field names marked hidden.
func (s *Schema) HiddenFields() map[string]bool {
	out := make(map[string]bool)
	for _, name := range s.order {
		if s.fields[name].Hidden {
			out[name] = true
		}
	}
	return out
}

// Validate checks a candidate record's field assignment against the
// schema: required fields must be present and non-null, every
// assigned value must match its field's declared kind, and fields not
// declared by the schema are rejected. Absent optional fields are
// left absent, not defaulted — default values are applied by the
// caller (the collection engine, on insert) before Validate runs,
// since Validate has no way to report what it silently filled in.
func (s *Schema) Validate(values map[string]value.Value) error {
	for name := range values {
		if _, declared := s.fields[name]; !declared {
			return &Error{Field: name, Reason: "not declared by the schema"}
		}
	}
	for name, def := range s.fields {
		v, present := values[name]
		if !present || v.IsNull() {
			if def.Required {
				return &Error{Field: name, Reason: "required field is missing"}
			}
			continue
		}
		if v.Kind() != def.Kind {
			return &Error{Field: name, Reason: fmt.Sprintf("expected kind %s, got %s", def.Kind, v.Kind())}
		}
	}
	return nil
}

// IndexSpec is one index a schema implies should exist automatically.
type IndexSpec struct {
	Name   string
	Field  string
	Unique bool
}

// DerivedIndexes returns one IndexSpec per field marked Indexed or
// Unique, named "<field>_idx".
func (s *Schema) DerivedIndexes() []IndexSpec {
	var out []IndexSpec
	for _, name := range s.order {
		def := s.fields[name]
		if def.Indexed || def.Unique {
			out = append(out, IndexSpec{
				Name:   name + "_idx",
				Field:  name,
				Unique: def.Unique,
			})
		}
	}
	return out
}

// RelationSpec is one outgoing relation a schema implies, derived
// from a field's RelationTag.
type RelationSpec struct {
	Name              string
	SourceField       string
	TargetField       string
	TargetCollection  string
	Cardinality       Cardinality
	OnDelete          DeletePolicy
}

// DerivedRelations returns one RelationSpec per field carrying a
// RelationTag, named "<collection>_<field>_<target>". sourceCollection
// is the name this schema belongs to, supplied by the caller because
// a Schema does not know its own collection name.
func (s *Schema) DerivedRelations(sourceCollection string) []RelationSpec {
	var out []RelationSpec
	for _, name := range s.order {
		def := s.fields[name]
		if def.Relation == nil {
			continue
		}
		out = append(out, RelationSpec{
			Name:             fmt.Sprintf("%s_%s_%s", sourceCollection, name, def.Relation.Collection),
			SourceField:      name,
			TargetField:      "id",
			TargetCollection: def.Relation.Collection,
			Cardinality:      def.Relation.Cardinality,
			OnDelete:         def.Relation.OnDelete,
		})
	}
	return out
}
