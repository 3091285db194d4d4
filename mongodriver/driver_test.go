package mongodriver

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core"
)

func TestInferBSONType(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"nil", nil, "null"},
		{"objectid", bson.NewObjectID(), "objectId"},
		{"string", "hello", "string"},
		{"int32", int32(7), "long"},
		{"int64", int64(7), "long"},
		{"double", 1.5, "double"},
		{"bool", true, "bool"},
		{"datetime", bson.DateTime(0), "date"},
		{"array", bson.A{1, 2}, "array"},
		{"document", bson.M{"a": 1}, "object"},
		{"ordered document", bson.D{{Key: "a", Value: 1}}, "object"},
		{"binary", bson.Binary{}, "binData"},
		{"typed slice", []string{"a"}, "array"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferBSONType(tt.val); got != tt.want {
				t.Errorf("inferBSONType(%v) = %q, want %q", tt.val, got, tt.want)
			}
		})
	}
}

func TestBSONTypeToConfig(t *testing.T) {
	tests := []struct {
		bsonType string
		want     string
	}{
		{"objectId", "objectid"},
		{"string", "string"},
		{"long", "int"},
		{"int", "int"},
		{"double", "float"},
		{"decimal", "decimal"},
		{"bool", "bool"},
		{"date", "datetime"},
		{"array", "array"},
		{"object", "json"},
		{"binData", "binary"},
		{"null", "string"},
		{"weird", "string"},
	}
	for _, tt := range tests {
		if got := bsonTypeToConfig(tt.bsonType); got != tt.want {
			t.Errorf("bsonTypeToConfig(%q) = %q, want %q", tt.bsonType, got, tt.want)
		}
	}
}

func TestArrayElemType(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want string
	}{
		{"strings", bson.A{"a", "b"}, "string"},
		{"numbers", []any{int64(1)}, "long"},
		{"empty defaults to string", bson.A{}, "string"},
		{"nested arrays collapse to object", bson.A{bson.A{1}}, "object"},
		{"documents collapse to object", bson.A{bson.M{"a": 1}}, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := arrayElemType(tt.val); got != tt.want {
				t.Errorf("arrayElemType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeBSONType(t *testing.T) {
	if got := normalizeBSONType("int"); got != "int" {
		t.Errorf("string form = %q", got)
	}
	if got := normalizeBSONType(bson.A{"long", "null"}); got != "long" {
		t.Errorf("array form = %q", got)
	}
	if got := normalizeBSONType(42); got != "string" {
		t.Errorf("fallback = %q", got)
	}
}

func TestMapWriteErrPassthrough(t *testing.T) {
	base := errors.New("boom")
	if got := mapWriteErr(base); got != base {
		t.Errorf("non-duplicate error rewritten: %v", got)
	}
	if errors.Is(mapWriteErr(base), core.ErrDuplicateKey) {
		t.Error("plain error mapped to duplicate key")
	}
}
