package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/rel"
)

type aggCall struct {
	collection string
	stages     []bson.D
}

type writeCall struct {
	collection string
	filter     any
	update     any
}

// fakeExec records calls and plays back queued documents, one batch per
// Aggregate call.
type fakeExec struct {
	mu      sync.Mutex
	aggs    []aggCall
	updates []writeCall
	deletes []writeCall
	batches [][]bson.M
	err     error
	writeN  int64
}

func (f *fakeExec) Aggregate(_ context.Context, collection string, stages []bson.D) (Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggs = append(f.aggs, aggCall{collection: collection, stages: stages})
	if f.err != nil {
		return nil, f.err
	}
	var docs []bson.M
	if len(f.batches) > 0 {
		docs = f.batches[0]
		f.batches = f.batches[1:]
	}
	return &fakeCursor{docs: docs}, nil
}

func (f *fakeExec) UpdateMany(_ context.Context, collection string, filter, update any) (int64, error) {
	f.updates = append(f.updates, writeCall{collection: collection, filter: filter, update: update})
	return f.writeN, f.err
}

func (f *fakeExec) DeleteMany(_ context.Context, collection string, filter any) (int64, error) {
	f.deletes = append(f.deletes, writeCall{collection: collection, filter: filter})
	return f.writeN, f.err
}

type fakeCursor struct {
	docs []bson.M
	i    int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.i >= len(c.docs) {
		return false
	}
	c.i++
	return true
}

func (c *fakeCursor) Decode(v any) error {
	*(v.(*bson.M)) = c.docs[c.i-1]
	return nil
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func testEngine(t *testing.T, exec Executor) *Engine {
	t.Helper()
	conf := &Config{Models: []Model{
		{Name: "Author", Fields: []FieldConfig{
			{Name: "name", Type: "string"},
			{Name: "age", Type: "int", Nullable: true},
		}},
		{Name: "Address", Embedded: true, Fields: []FieldConfig{
			{Name: "city", Type: "string"},
		}},
		{Name: "Book", Collection: "books",
			Fields: []FieldConfig{
				{Name: "title", Type: "string"},
				{Name: "pages", Type: "int"},
				{Name: "address", Type: "embedded", Of: "Address"},
			},
			Relations: []RelConfig{
				{Name: "author", Model: "Author", LocalField: "author_id", ForeignField: "_id"},
			},
		},
	}}
	eng, err := New(conf, exec)
	if err != nil {
		t.Fatal(err)
	}
	return eng
}

func TestUpdateRejectsRelationFilter(t *testing.T) {
	exec := &fakeExec{}
	eng := testEngine(t, exec)

	q := rel.NewQuery("Book").Where(rel.Eq("author__name", "x"))
	_, err := eng.Update(context.Background(), q, map[string]any{"title": "y"})

	var cerr *CrossCollectionOperationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CrossCollectionOperationError", err)
	}
	if cerr.Related != "author" {
		t.Errorf("related = %q, want author", cerr.Related)
	}
	if len(exec.updates) != 0 {
		t.Error("executor called despite rejection")
	}
}

func TestDeleteRejectsRelationFilter(t *testing.T) {
	exec := &fakeExec{}
	eng := testEngine(t, exec)

	_, err := eng.Delete(context.Background(), rel.NewQuery("Book").Where(rel.Gt("author__age", 1)))

	var cerr *CrossCollectionOperationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CrossCollectionOperationError", err)
	}
	if len(exec.deletes) != 0 {
		t.Error("executor called despite rejection")
	}
}

func TestUpdateSetMapping(t *testing.T) {
	exec := &fakeExec{writeN: 2}
	eng := testEngine(t, exec)

	q := rel.NewQuery("Book").Where(rel.Eq("title", "old"))
	n, err := eng.Update(context.Background(), q, map[string]any{
		"title":         "new",
		"address__city": "Oslo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("matched = %d, want 2", n)
	}
	if len(exec.updates) != 1 {
		t.Fatalf("update calls = %d", len(exec.updates))
	}
	set := exec.updates[0].update.(bson.M)["$set"].(bson.M)
	if set["title"] != "new" || set["address.city"] != "Oslo" {
		t.Errorf("set doc = %v", set)
	}
	if exec.updates[0].collection != "books" {
		t.Errorf("collection = %q", exec.updates[0].collection)
	}
}

func TestUpdateRejectsRelationTarget(t *testing.T) {
	eng := testEngine(t, &fakeExec{})

	_, err := eng.Update(context.Background(), rel.NewQuery("Book"), map[string]any{
		"author__name": "x",
	})
	var cerr *CrossCollectionOperationError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want CrossCollectionOperationError", err)
	}
}

func TestWriteSkippedForEmptyFilter(t *testing.T) {
	exec := &fakeExec{writeN: 9}
	eng := testEngine(t, exec)

	q := rel.NewQuery("Book").Where(rel.In("title"))
	n, err := eng.Delete(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("deleted = %d, want 0", n)
	}
	if len(exec.deletes) != 0 {
		t.Error("executor called for statically empty filter")
	}
}

func TestUnsupportedLookupError(t *testing.T) {
	eng := testEngine(t, &fakeExec{})

	_, err := eng.Compile(rel.NewQuery("Book").Where(rel.Filter("title", "soundex", "x")))
	var uerr *UnsupportedQueryError
	if !errors.As(err, &uerr) {
		t.Fatalf("err = %v, want UnsupportedQueryError", err)
	}
}

func TestDefaultLimitApplied(t *testing.T) {
	exec := &fakeExec{}
	conf := &Config{DefaultLimit: 25, Models: []Model{
		{Name: "Book", Fields: []FieldConfig{{Name: "title", Type: "string"}}},
	}}
	eng, err := New(conf, exec)
	if err != nil {
		t.Fatal(err)
	}
	c, err := eng.Compile(rel.NewQuery("Book"))
	if err != nil {
		t.Fatal(err)
	}
	last := c.Stages[len(c.Stages)-1]
	if last[0].Key != "$limit" || last[0].Value != int64(25) {
		t.Errorf("last stage = %v, want $limit 25", last)
	}
}

func TestRawAggregatePassthrough(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{{{"_id": 1, "v": "x"}}}}
	eng := testEngine(t, exec)

	stages := []bson.D{{{Key: "$sortByCount", Value: "$title"}}}
	res, err := eng.RawAggregate(context.Background(), "Book", stages)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Close(context.Background())

	if exec.aggs[0].collection != "books" {
		t.Errorf("collection = %q", exec.aggs[0].collection)
	}
	if fmt.Sprintf("%v", exec.aggs[0].stages) != fmt.Sprintf("%v", stages) {
		t.Errorf("stages rewritten: %v", exec.aggs[0].stages)
	}
	if !res.Next(context.Background()) {
		t.Fatal("no record")
	}
	v, _ := res.Record().Peek("v")
	if v != "x" {
		t.Errorf("v = %v", v)
	}
}

func TestRawAggregateDeferredFields(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{
		{{"_id": "b1", "title": "t1"}},
		{{"_id": "b1", "pages": 321, "address": bson.M{"city": "Oslo"}}},
	}}
	eng := testEngine(t, exec)

	stages := []bson.D{{{Key: "$project", Value: bson.M{"title": 1}}}}
	res, err := eng.RawAggregate(context.Background(), "Book", stages)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := recs[0]

	if len(exec.aggs) != 1 {
		t.Fatalf("aggregate calls before access = %d", len(exec.aggs))
	}
	if v, ok := rec.Peek("pages"); ok {
		t.Fatalf("pages loaded eagerly: %v", v)
	}

	// Declared fields the raw projection dropped load lazily, like compiled
	// queries with a partial projection.
	v, err := rec.Get(context.Background(), "pages")
	if err != nil {
		t.Fatal(err)
	}
	if v != 321 {
		t.Errorf("pages = %v", v)
	}
	if len(exec.aggs) != 2 {
		t.Fatalf("aggregate calls = %d, want 2", len(exec.aggs))
	}
	if fetch := exec.aggs[1]; fetch.collection != "books" {
		t.Errorf("fetch collection = %q", fetch.collection)
	}
}

func TestRawAggregateWithoutIDKeepsDocument(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{{{"title": "t1"}}}}
	eng := testEngine(t, exec)

	res, err := eng.RawAggregate(context.Background(), "Book",
		[]bson.D{{{Key: "$project", Value: bson.M{"_id": 0, "title": 1}}}})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := recs[0]

	if d := rec.Deferred(); len(d) != 0 {
		t.Fatalf("deferred without _id = %v", d)
	}
	v, err := rec.Get(context.Background(), "pages")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Errorf("pages = %v", v)
	}
	if len(exec.aggs) != 1 {
		t.Errorf("aggregate calls = %d, want 1", len(exec.aggs))
	}
}

func TestRawAggregateUnknownModel(t *testing.T) {
	eng := testEngine(t, &fakeExec{})
	_, err := eng.RawAggregate(context.Background(), "Nope", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDuplicateKeySentinel(t *testing.T) {
	wrapped := fmt.Errorf("write failed: %w", ErrDuplicateKey)
	exec := &fakeExec{err: wrapped}
	eng := testEngine(t, exec)

	_, err := eng.Update(context.Background(), rel.NewQuery("Book"), map[string]any{"title": "x"})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}
