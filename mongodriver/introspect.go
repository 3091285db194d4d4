package mongodriver

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/gobuffalo/flect"
	lru "github.com/hashicorp/golang-lru"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core"
)

// IntrospectOptions configures schema discovery.
type IntrospectOptions struct {
	// SampleSize is how many documents to sample per collection.
	SampleSize int
	// IncludeValidators merges field info from $jsonSchema validators, which
	// are more authoritative than sampling.
	IncludeValidators bool
}

// fieldInfo describes one discovered field.
type fieldInfo struct {
	Name     string
	BSONType string
	ElemType string
	Required bool
}

const introspectCacheSize = 256

// DraftModels discovers collections and drafts model declarations from them:
// a starting point for a hand-maintained config, not a substitute for one.
// Relations are never inferred; naming conventions like "owner_id" guess the
// target wrong too often, so declare them yourself.
func (c *Conn) DraftModels(ctx context.Context, opts IntrospectOptions) ([]core.Model, error) {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 100
	}
	names, err := c.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list collections: %w", err)
	}
	sort.Strings(names)

	var models []core.Model
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		fields, err := c.collectionFields(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		m := core.Model{
			Name:       flect.Pascalize(flect.Singularize(name)),
			Collection: name,
		}
		for _, f := range fields {
			if f.Name == "_id" {
				continue
			}
			fc := core.FieldConfig{
				Name:     f.Name,
				Type:     bsonTypeToConfig(f.BSONType),
				Nullable: !f.Required,
			}
			if fc.Type == "array" {
				fc.Elem = bsonTypeToConfig(f.ElemType)
			}
			m.Fields = append(m.Fields, fc)
		}
		models = append(models, m)
	}
	return models, nil
}

// collectionFields merges validator-declared and sampled fields, caching the
// result per collection so repeated drafts don't re-sample.
func (c *Conn) collectionFields(ctx context.Context, name string, opts IntrospectOptions) ([]fieldInfo, error) {
	if c.introspected == nil {
		c.introspected, _ = lru.New(introspectCacheSize)
	}
	if v, ok := c.introspected.Get(name); ok {
		return v.([]fieldInfo), nil
	}

	byName := make(map[string]fieldInfo)
	if opts.IncludeValidators {
		for _, f := range c.validatorFields(ctx, name) {
			byName[f.Name] = f
		}
	}
	sampled, err := c.sampleFields(ctx, name, opts.SampleSize)
	if err != nil {
		return nil, err
	}
	for _, f := range sampled {
		if _, ok := byName[f.Name]; !ok {
			byName[f.Name] = f
		}
	}

	fields := make([]fieldInfo, 0, len(byName))
	for _, f := range byName {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	c.introspected.Add(name, fields)
	return fields, nil
}

// validatorFields reads the collection's $jsonSchema validator, if any.
func (c *Conn) validatorFields(ctx context.Context, name string) []fieldInfo {
	cur, err := c.db.ListCollections(ctx, bson.M{"name": name})
	if err != nil {
		return nil
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return nil
	}

	var info struct {
		Options struct {
			Validator struct {
				JSONSchema struct {
					Properties map[string]struct {
						BSONType any `bson:"bsonType"`
					} `bson:"properties"`
					Required []string `bson:"required"`
				} `bson:"$jsonSchema"`
			} `bson:"validator"`
		} `bson:"options"`
	}
	if err := cur.Decode(&info); err != nil {
		return nil
	}

	required := make(map[string]bool)
	for _, r := range info.Options.Validator.JSONSchema.Required {
		required[r] = true
	}
	var fields []fieldInfo
	for fname, prop := range info.Options.Validator.JSONSchema.Properties {
		fields = append(fields, fieldInfo{
			Name:     fname,
			BSONType: normalizeBSONType(prop.BSONType),
			Required: required[fname],
		})
	}
	return fields
}

// sampleFields samples documents to discover field names and types.
func (c *Conn) sampleFields(ctx context.Context, name string, size int) ([]fieldInfo, error) {
	pipeline := bson.A{bson.M{"$sample": bson.M{"size": size}}}
	cur, err := c.db.Collection(name).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: sample %s: %w", name, err)
	}
	defer cur.Close(ctx)

	byName := make(map[string]fieldInfo)
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		for key, val := range doc {
			if _, ok := byName[key]; ok {
				continue
			}
			fi := fieldInfo{
				Name:     key,
				BSONType: inferBSONType(val),
				Required: key == "_id",
			}
			if fi.BSONType == "array" {
				fi.ElemType = arrayElemType(val)
			}
			byName[key] = fi
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongodriver: sample %s: %w", name, err)
	}
	fields := make([]fieldInfo, 0, len(byName))
	for _, f := range byName {
		fields = append(fields, f)
	}
	return fields, nil
}

// inferBSONType determines the BSON type from a decoded Go value.
func inferBSONType(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case bson.ObjectID:
		return "objectId"
	case string:
		return "string"
	case int, int32, int64:
		return "long"
	case float32, float64:
		return "double"
	case bool:
		return "bool"
	case bson.DateTime:
		return "date"
	case bson.Decimal128:
		return "decimal"
	case bson.Binary:
		return "binData"
	case bson.A, []any:
		return "array"
	case bson.M, bson.D, map[string]any:
		return "object"
	default:
		rt := reflect.TypeOf(val)
		if rt != nil && rt.Kind() == reflect.Slice {
			return "array"
		}
		if rt != nil && (rt.Kind() == reflect.Map || rt.Kind() == reflect.Struct) {
			return "object"
		}
		return "string"
	}
}

// arrayElemType infers the element type from the first element.
func arrayElemType(v any) string {
	var elems []any
	switch a := v.(type) {
	case bson.A:
		elems = a
	case []any:
		elems = a
	}
	if len(elems) == 0 {
		return "string"
	}
	t := inferBSONType(elems[0])
	if t == "array" || t == "object" {
		return "object"
	}
	return t
}

// normalizeBSONType handles bsonType being declared as a string or an array.
func normalizeBSONType(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	case bson.A:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return "string"
}

// bsonTypeToConfig maps discovered BSON types to config field types.
func bsonTypeToConfig(bsonType string) string {
	switch bsonType {
	case "objectId":
		return "objectid"
	case "string", "null", "":
		return "string"
	case "int", "long":
		return "int"
	case "double":
		return "float"
	case "decimal":
		return "decimal"
	case "bool":
		return "bool"
	case "date", "timestamp":
		return "datetime"
	case "array":
		return "array"
	case "object":
		return "json"
	case "binData":
		return "binary"
	default:
		return "string"
	}
}
