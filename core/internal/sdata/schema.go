// Package sdata holds the schema metadata the compiler resolves field paths
// against: collections, their fields (including array, document and embedded
// kinds) and the relations between them.
package sdata

import (
	"fmt"

	"github.com/gobuffalo/flect"
)

// FieldType classifies a stored field.
type FieldType int

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDateTime
	TypeObjectID
	TypeDecimal
	TypeBinary
	// TypeArray fields hold ordered lists of Elem-typed values.
	TypeArray
	// TypeJSON fields hold schemaless documents. Lookups through them
	// cannot distinguish stored nulls from absent keys.
	TypeJSON
	// TypeEmbedded fields hold a sub-document with its own declared schema,
	// stored inline rather than in a separate collection.
	TypeEmbedded
)

func (t FieldType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDateTime:
		return "datetime"
	case TypeObjectID:
		return "objectid"
	case TypeDecimal:
		return "decimal"
	case TypeBinary:
		return "binary"
	case TypeArray:
		return "array"
	case TypeJSON:
		return "json"
	case TypeEmbedded:
		return "embedded"
	}
	return "unknown"
}

// RelType is the declared shape of a relation traversal.
type RelType int

const (
	// RelOneToOne joins a single parent document to a single child.
	RelOneToOne RelType = iota
	// RelOneToMany joins a parent to every child whose foreign field
	// matches the parent's local field.
	RelOneToMany
)

// Field describes one stored field of a collection.
type Field struct {
	Name   string
	Column string
	Type   FieldType
	// Elem is the element type for TypeArray fields.
	Elem FieldType
	// EmbeddedModel names the model for TypeEmbedded fields; Embedded is
	// resolved by Schema.Link.
	EmbeddedModel string
	Embedded      *Collection
	Nullable      bool
}

// Rel describes a traversable relation to another collection.
type Rel struct {
	Name         string
	Type         RelType
	TargetModel  string
	Target       *Collection
	LocalField   string
	ForeignField string
	// Nullable relations compile as left joins: parents without a match
	// survive the join with an empty document.
	Nullable bool
}

// Collection describes one model and the collection backing it.
type Collection struct {
	Model string
	Name  string

	fields map[string]*Field
	order  []string
	rels   map[string]*Rel
	relOrd []string
}

// NewCollection returns a collection for the given model. If name is empty it
// is derived from the model name, e.g. "OrderItem" becomes "order_items".
// An "id" field backed by the "_id" column is always present.
func NewCollection(model, name string) *Collection {
	if name == "" {
		name = flect.Underscore(flect.Pluralize(model))
	}
	c := &Collection{
		Model:  model,
		Name:   name,
		fields: make(map[string]*Field),
		rels:   make(map[string]*Rel),
	}
	c.fields["id"] = &Field{Name: "id", Column: "_id", Type: TypeObjectID}
	c.order = append(c.order, "id")
	return c
}

// AddField declares a field. The column defaults to the field name.
func (c *Collection) AddField(f *Field) error {
	if f.Name == "" {
		return fmt.Errorf("collection %s: field with empty name", c.Model)
	}
	if _, ok := c.fields[f.Name]; ok && f.Name != "id" {
		return fmt.Errorf("collection %s: duplicate field %s", c.Model, f.Name)
	}
	if f.Column == "" {
		f.Column = f.Name
		if f.Name == "id" {
			f.Column = "_id"
		}
	}
	if _, ok := c.fields[f.Name]; !ok {
		c.order = append(c.order, f.Name)
	}
	c.fields[f.Name] = f
	return nil
}

// AddRel declares a relation traversal.
func (c *Collection) AddRel(r *Rel) error {
	if r.Name == "" {
		return fmt.Errorf("collection %s: relation with empty name", c.Model)
	}
	if _, ok := c.rels[r.Name]; ok {
		return fmt.Errorf("collection %s: duplicate relation %s", c.Model, r.Name)
	}
	if _, ok := c.fields[r.Name]; ok {
		return fmt.Errorf("collection %s: relation %s collides with a field", c.Model, r.Name)
	}
	c.rels[r.Name] = r
	c.relOrd = append(c.relOrd, r.Name)
	return nil
}

// Field looks up a declared field by name.
func (c *Collection) Field(name string) (*Field, bool) {
	f, ok := c.fields[name]
	return f, ok
}

// Fields returns the declared fields in declaration order.
func (c *Collection) Fields() []*Field {
	out := make([]*Field, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.fields[n])
	}
	return out
}

// Rel looks up a declared relation by name.
func (c *Collection) Rel(name string) (*Rel, bool) {
	r, ok := c.rels[name]
	return r, ok
}

// Rels returns the declared relations in declaration order.
func (c *Collection) Rels() []*Rel {
	out := make([]*Rel, 0, len(c.relOrd))
	for _, n := range c.relOrd {
		out = append(out, c.rels[n])
	}
	return out
}

// IDColumn is the stored primary key column name.
func (c *Collection) IDColumn() string { return "_id" }

// Schema is the set of declared collections, indexed by model name.
type Schema struct {
	byModel map[string]*Collection
	byName  map[string]*Collection
	// Embedded-only models don't map to their own collection but may be
	// referenced by TypeEmbedded fields.
	embedded map[string]*Collection
	linked   bool
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{
		byModel:  make(map[string]*Collection),
		byName:   make(map[string]*Collection),
		embedded: make(map[string]*Collection),
	}
}

// AddCollection registers a model backed by its own collection.
func (s *Schema) AddCollection(c *Collection) error {
	if _, ok := s.byModel[c.Model]; ok {
		return fmt.Errorf("duplicate model %s", c.Model)
	}
	if prev, ok := s.byName[c.Name]; ok {
		return fmt.Errorf("models %s and %s share collection %s", prev.Model, c.Model, c.Name)
	}
	s.byModel[c.Model] = c
	s.byName[c.Name] = c
	s.linked = false
	return nil
}

// AddEmbedded registers a model that only ever appears embedded in others.
func (s *Schema) AddEmbedded(c *Collection) error {
	if _, ok := s.embedded[c.Model]; ok {
		return fmt.Errorf("duplicate embedded model %s", c.Model)
	}
	s.embedded[c.Model] = c
	s.linked = false
	return nil
}

// Collection resolves a model name to its collection.
func (s *Schema) Collection(model string) (*Collection, error) {
	c, ok := s.byModel[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %s", model)
	}
	return c, nil
}

// Link resolves relation targets and embedded models. Must be called after
// all collections are added and before the schema is used for parsing.
func (s *Schema) Link() error {
	for _, c := range s.byModel {
		if err := s.linkCollection(c); err != nil {
			return err
		}
	}
	for _, c := range s.embedded {
		if err := s.linkCollection(c); err != nil {
			return err
		}
	}
	s.linked = true
	return nil
}

func (s *Schema) linkCollection(c *Collection) error {
	for _, f := range c.Fields() {
		if f.Type != TypeEmbedded {
			continue
		}
		target, ok := s.embedded[f.EmbeddedModel]
		if !ok {
			target, ok = s.byModel[f.EmbeddedModel]
		}
		if !ok {
			return fmt.Errorf("%s.%s: unknown embedded model %s", c.Model, f.Name, f.EmbeddedModel)
		}
		for _, ef := range target.Fields() {
			if ef.Type == TypeEmbedded && ef.EmbeddedModel == c.Model {
				return fmt.Errorf("%s.%s: embedded model cycle with %s", c.Model, f.Name, target.Model)
			}
		}
		f.Embedded = target
	}
	for _, r := range c.Rels() {
		target, err := s.Collection(r.TargetModel)
		if err != nil {
			return fmt.Errorf("%s.%s: %v", c.Model, r.Name, err)
		}
		r.Target = target
		if r.LocalField == "" {
			r.LocalField = "_id"
		}
		if r.ForeignField == "" {
			r.ForeignField = flect.Underscore(flect.Singularize(c.Model)) + "_id"
		}
	}
	return nil
}
