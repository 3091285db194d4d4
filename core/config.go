package core

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mongorel/mongorel/core/internal/sdata"
)

// Config declares the models the engine compiles queries against. Schema
// metadata is declared up front rather than discovered per query.
type Config struct {
	// DefaultLimit caps result sets when a query sets no limit. Zero means
	// unlimited.
	DefaultLimit int64 `yaml:"default_limit" validate:"gte=0"`

	Models []Model `yaml:"models" validate:"required,min=1,dive"`
}

// Model maps one logical model onto a collection or, when Embedded is set,
// onto a reusable sub-document shape.
type Model struct {
	Name string `yaml:"name" validate:"required"`
	// Collection backing the model; derived from the name when empty.
	Collection string `yaml:"collection"`
	// Embedded models never get their own collection.
	Embedded  bool          `yaml:"embedded"`
	Fields    []FieldConfig `yaml:"fields" validate:"dive"`
	Relations []RelConfig   `yaml:"relations" validate:"dive"`
}

// FieldConfig declares one stored field.
type FieldConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Column string `yaml:"column"`
	Type   string `yaml:"type" validate:"required,oneof=string int float bool datetime objectid decimal binary array json embedded"`
	// Elem is the element type of array fields.
	Elem string `yaml:"elem" validate:"omitempty,oneof=string int float bool datetime objectid decimal binary json"`
	// Of names the embedded model for embedded fields.
	Of       string `yaml:"of"`
	Nullable bool   `yaml:"nullable"`
}

// RelConfig declares a traversable relation to another model.
type RelConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Model string `yaml:"model" validate:"required"`
	Type  string `yaml:"type" validate:"omitempty,oneof=one many"`
	// LocalField and ForeignField default to "_id" and "<model>_id".
	LocalField   string `yaml:"local_field"`
	ForeignField string `yaml:"foreign_field"`
	// Nullable relations join as left joins.
	Nullable bool `yaml:"nullable"`
}

// ReadConfig loads and validates a YAML config file.
func ReadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("core: config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("core: config %s: %w", path, err)
	}
	return &c, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

var fieldTypes = map[string]sdata.FieldType{
	"string":   sdata.TypeString,
	"int":      sdata.TypeInt,
	"float":    sdata.TypeFloat,
	"bool":     sdata.TypeBool,
	"datetime": sdata.TypeDateTime,
	"objectid": sdata.TypeObjectID,
	"decimal":  sdata.TypeDecimal,
	"binary":   sdata.TypeBinary,
	"array":    sdata.TypeArray,
	"json":     sdata.TypeJSON,
	"embedded": sdata.TypeEmbedded,
}

// schema builds and links the metadata the parser resolves paths against.
func (c *Config) schema() (*sdata.Schema, error) {
	s := sdata.NewSchema()
	for _, m := range c.Models {
		col := sdata.NewCollection(m.Name, m.Collection)
		for _, fc := range m.Fields {
			ft, ok := fieldTypes[fc.Type]
			if !ok {
				return nil, fmt.Errorf("core: model %s: field %s: unknown type %q", m.Name, fc.Name, fc.Type)
			}
			f := &sdata.Field{
				Name:          fc.Name,
				Column:        fc.Column,
				Type:          ft,
				EmbeddedModel: fc.Of,
				Nullable:      fc.Nullable,
			}
			if fc.Elem != "" {
				f.Elem = fieldTypes[fc.Elem]
			}
			if ft == sdata.TypeEmbedded && fc.Of == "" {
				return nil, fmt.Errorf("core: model %s: embedded field %s needs an 'of' model", m.Name, fc.Name)
			}
			if err := col.AddField(f); err != nil {
				return nil, fmt.Errorf("core: %w", err)
			}
		}
		for _, rc := range m.Relations {
			rt := sdata.RelOneToOne
			if rc.Type == "many" {
				rt = sdata.RelOneToMany
			}
			err := col.AddRel(&sdata.Rel{
				Name:         rc.Name,
				Type:         rt,
				TargetModel:  rc.Model,
				LocalField:   rc.LocalField,
				ForeignField: rc.ForeignField,
				Nullable:     rc.Nullable,
			})
			if err != nil {
				return nil, fmt.Errorf("core: %w", err)
			}
		}
		if m.Embedded {
			err := s.AddEmbedded(col)
			if err != nil {
				return nil, fmt.Errorf("core: %w", err)
			}
			continue
		}
		if err := s.AddCollection(col); err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
	}
	if err := s.Link(); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	return s, nil
}
