package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/rel"
)

func TestDefaultProjectionMapsColumns(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{{
		{"_id": "b1", "title": "Gödel, Escher, Bach", "pages": 777},
	}}}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book"))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	rec := recs[0]
	if rec.ID() != "b1" {
		t.Errorf("id = %v", rec.ID())
	}
	// The stored _id column surfaces under the declared "id" field name.
	if v, ok := rec.Peek("id"); !ok || v != "b1" {
		t.Errorf("id field = %v, %v", v, ok)
	}
	if v, _ := rec.Peek("title"); v != "Gödel, Escher, Bach" {
		t.Errorf("title = %v", v)
	}
	if len(rec.Deferred()) != 0 {
		t.Errorf("deferred = %v", rec.Deferred())
	}
}

func TestDeferredFieldsSingleFetch(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{
		{{"_id": "b1", "title": "t1"}},
		{{"_id": "b1", "pages": 100, "address": bson.M{"city": "Oslo"}}},
	}}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book").Select("title"))
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

	v, err := rec.Get(context.Background(), "pages")
	if err != nil {
		t.Fatal(err)
	}
	if v != 100 {
		t.Errorf("pages = %v", v)
	}

	// The whole deferred set loads in that one fetch.
	if v, err := rec.Get(context.Background(), "address"); err != nil {
		t.Fatal(err)
	} else if v.(bson.M)["city"] != "Oslo" {
		t.Errorf("address = %v", v)
	}
	if len(exec.aggs) != 2 {
		t.Fatalf("aggregate calls = %d, want 2", len(exec.aggs))
	}

	fetch := exec.aggs[1]
	if fetch.collection != "books" {
		t.Errorf("fetch collection = %q", fetch.collection)
	}
	match := fetch.stages[0][0]
	if match.Key != "$match" {
		t.Errorf("fetch stage 0 = %q", match.Key)
	}
	eq := match.Value.(bson.M)["$expr"].(bson.M)["$eq"].(bson.A)
	if eq[0] != "$_id" || eq[1] != "b1" {
		t.Errorf("fetch match = %v", eq)
	}
}

func TestDeferredFieldConcurrentGets(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{
		{{"_id": "b1", "title": "t1"}},
		{{"_id": "b1", "pages": 100}},
		{{"_id": "b1", "pages": 100}},
	}}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book").Select("title"))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := recs[0]

	var wg sync.WaitGroup
	for range [8]struct{}{} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rec.Get(context.Background(), "pages"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// 1 query + at most a couple of deduplicated fetches, never 8.
	if len(exec.aggs) > 3 {
		t.Errorf("aggregate calls = %d", len(exec.aggs))
	}
}

func TestDeferredLoadRecordGone(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{
		{{"_id": "b1", "title": "t1"}},
		{},
	}}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book").Select("title"))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = recs[0].Get(context.Background(), "pages")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAggregatedRows(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{{
		{"title": "t1", "n": 3},
	}}}
	eng := testEngine(t, exec)

	q := rel.NewQuery("Book").Select("title").Annotate("n", "count", "")
	res, err := eng.Query(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec := recs[0]
	if v, _ := rec.Peek("n"); v != 3 {
		t.Errorf("n = %v", v)
	}
	if len(rec.Deferred()) != 0 {
		t.Errorf("aggregated rows defer fields: %v", rec.Deferred())
	}
}

func TestEmptyQuerySkipsExecutor(t *testing.T) {
	exec := &fakeExec{}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book").Where(rel.In("title")))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("records = %d", len(recs))
	}
	if len(exec.aggs) != 0 {
		t.Error("executor called for statically empty query")
	}
}

func TestRecordDecode(t *testing.T) {
	exec := &fakeExec{batches: [][]bson.M{{
		{"_id": "b1", "title": "t1", "pages": 42},
	}}}
	eng := testEngine(t, exec)

	res, err := eng.Query(context.Background(), rel.NewQuery("Book"))
	if err != nil {
		t.Fatal(err)
	}
	recs, err := res.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var book struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Pages int    `json:"pages"`
	}
	if err := recs[0].Decode(&book); err != nil {
		t.Fatal(err)
	}
	if book.ID != "b1" || book.Title != "t1" || book.Pages != 42 {
		t.Errorf("decoded = %+v", book)
	}
}

func TestCaveatsSurfaceOnResult(t *testing.T) {
	conf := &Config{Models: []Model{
		{Name: "Doc", Fields: []FieldConfig{{Name: "meta", Type: "json"}}},
	}}
	exec := &fakeExec{}
	eng, err := New(conf, exec)
	if err != nil {
		t.Fatal(err)
	}
	res, err := eng.Query(context.Background(), rel.NewQuery("Doc").Where(rel.IsNull("meta__owner", true)))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Close(context.Background())

	cs := res.Caveats()
	if len(cs) != 1 || cs[0].Code != CaveatAmbiguousNull {
		t.Fatalf("caveats = %v", cs)
	}
}
