package mql

import (
	"errors"
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"
)

func jsonRef() Ref {
	return Ref{MQL: "$meta", Root: "$meta", Kind: KindJSON, Path: "meta"}
}

func keyPathRef() Ref {
	return Ref{
		MQL:     JSONKey("$meta", "owner"),
		Root:    "$meta",
		Kind:    KindJSON,
		KeyPath: true,
		Path:    "meta__owner",
	}
}

func TestJSONKey(t *testing.T) {
	want := bson.M{"$getField": bson.M{"input": "$meta", "field": "owner"}}
	if got := JSONKey("$meta", "owner"); !reflect.DeepEqual(got, want) {
		t.Fatalf("expr = %v", got)
	}
}

func TestJSONKeyDigitDoublesAsIndex(t *testing.T) {
	got := JSONKey("$meta", "3").(bson.M)
	cond := got["$cond"].(bson.M)
	if !reflect.DeepEqual(cond["if"], bson.M{"$isArray": "$meta"}) {
		t.Errorf("if = %v", cond["if"])
	}
	if !reflect.DeepEqual(cond["then"], bson.M{"$arrayElemAt": bson.A{"$meta", 3}}) {
		t.Errorf("then = %v", cond["then"])
	}
}

func TestHasKey(t *testing.T) {
	r := NewRegistry()
	frag, _, err := r.Build(jsonRef(), "has_key", "owner")
	if err != nil {
		t.Fatal(err)
	}
	want := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{bson.M{"$type": JSONKey("$meta", "owner")}, "missing"}},
		bson.M{"$ne": bson.A{"$meta", nil}},
	}}
	if !reflect.DeepEqual(frag, want) {
		t.Fatalf("frag = %v, want %v", frag, want)
	}
}

func TestHasKeys(t *testing.T) {
	r := NewRegistry()
	frag, _, err := r.Build(jsonRef(), "has_keys", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	parts, ok := frag.(bson.M)["$and"].(bson.A)
	if !ok || len(parts) != 2 {
		t.Fatalf("frag = %v", frag)
	}
}

func TestHasAnyKeys(t *testing.T) {
	r := NewRegistry()
	frag, _, err := r.Build(jsonRef(), "has_any_keys", []any{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	parts, ok := frag.(bson.M)["$or"].(bson.A)
	if !ok || len(parts) != 2 {
		t.Fatalf("frag = %v", frag)
	}
}

func TestHasKeysEmptyListMatchesAll(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Build(jsonRef(), "has_keys", []string{})
	if !errors.Is(err, ErrFullResult) {
		t.Fatalf("err = %v, want ErrFullResult", err)
	}
}

func TestHasKeyRejectsNonStringKeys(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Build(jsonRef(), "has_key", 42); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := r.Build(jsonRef(), "has_keys", []any{"a", 1}); err == nil {
		t.Fatal("expected error")
	}
}

func TestJSONIsNullOnKeyPath(t *testing.T) {
	r := NewRegistry()
	frag, caveats, err := r.Build(keyPathRef(), "isnull", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(caveats) != 1 || caveats[0].Code != CaveatAmbiguousNull || caveats[0].Path != "meta__owner" {
		t.Fatalf("caveats = %v", caveats)
	}
	// isnull=true negates the existence predicate.
	if _, ok := frag.(bson.M)["$not"]; !ok {
		t.Fatalf("frag = %v", frag)
	}

	frag, caveats, err = r.Build(keyPathRef(), "isnull", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(caveats) != 1 {
		t.Fatalf("caveats = %v", caveats)
	}
	if _, ok := frag.(bson.M)["$and"]; !ok {
		t.Fatalf("frag = %v", frag)
	}
}

func TestJSONIsNullOnRootColumn(t *testing.T) {
	r := NewRegistry()
	frag, caveats, err := r.Build(jsonRef(), "isnull", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(caveats) != 0 {
		t.Fatalf("root column isnull carries caveats: %v", caveats)
	}
	want := bson.M{"$eq": bson.A{"$meta", nil}}
	if !reflect.DeepEqual(frag, want) {
		t.Fatalf("frag = %v", frag)
	}
}

func TestJSONInGuardsExistence(t *testing.T) {
	r := NewRegistry()
	frag, _, err := r.Build(keyPathRef(), "in", []any{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	parts := frag.(bson.M)["$and"].(bson.A)
	if len(parts) != 2 {
		t.Fatalf("frag = %v", frag)
	}
	if _, ok := parts[0].(bson.M)["$and"]; !ok {
		t.Errorf("missing existence guard: %v", parts[0])
	}
}

func TestJSONTransformAcceptsAnySegment(t *testing.T) {
	r := NewRegistry()
	tr, ok := r.ResolveTransform(KindJSON, "anything_at_all")
	if !ok {
		t.Fatal("segment not resolved")
	}
	if tr.Kind != KindJSON || !tr.KeyPath {
		t.Errorf("transform = %+v", tr)
	}
}
