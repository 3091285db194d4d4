package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/mitchellh/mapstructure"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core/internal/sdata"
)

// Result streams materialized records from an executed pipeline.
// It is not safe for concurrent use; individual Records are.
type Result struct {
	eng     *Engine
	col     *sdata.Collection
	cur     Cursor
	caveats []Caveat

	// fields maps output names to the document keys they come from; nil for
	// raw results, which keep documents as-is.
	fields []outField
	// raw marks results from caller-provided pipelines, where the deferred
	// set is derived per document instead of from a compiled projection.
	raw bool
	// deferred names declared fields the projection left out, loadable on
	// demand through Record.Get.
	deferred map[string]string

	rec    *Record
	err    error
	closed bool
}

type outField struct {
	name string
	key  string
}

// newResult builds the materialization plan for a compiled query.
func newResult(e *Engine, c *Compiled, cur Cursor) *Result {
	r := &Result{eng: e, col: c.qc.Col, cur: cur, caveats: c.Caveats}
	qc := c.qc

	switch {
	case len(qc.Aggs) > 0:
		for _, g := range qc.GroupKeys {
			r.fields = append(r.fields, outField{name: g.Name, key: g.Name})
		}
		for _, a := range qc.Aggs {
			r.fields = append(r.fields, outField{name: a.Alias, key: a.Alias})
		}
	case qc.Defaulted:
		// No projection stage ran; documents carry stored column names.
		for _, f := range qc.Col.Fields() {
			r.fields = append(r.fields, outField{name: f.Name, key: f.Column})
		}
	default:
		selected := make(map[string]bool, len(qc.Fields))
		for _, f := range qc.Fields {
			r.fields = append(r.fields, outField{name: f.Name, key: f.Name})
			selected[f.Name] = true
		}
		r.deferred = make(map[string]string)
		for _, f := range qc.Col.Fields() {
			if !selected[f.Name] {
				r.deferred[f.Name] = f.Column
			}
		}
	}
	return r
}

func emptyResult(e *Engine, c *Compiled) *Result {
	return &Result{eng: e, col: c.qc.Col, caveats: c.Caveats, closed: true}
}

func rawResult(e *Engine, col *sdata.Collection, cur Cursor) *Result {
	return &Result{eng: e, col: col, cur: cur, raw: true}
}

// Caveats returns non-fatal notes attached during compilation.
func (r *Result) Caveats() []Caveat { return r.caveats }

// Next advances to the next record.
func (r *Result) Next(ctx context.Context) bool {
	if r.closed || r.err != nil {
		return false
	}
	if !r.cur.Next(ctx) {
		r.err = r.cur.Err()
		return false
	}
	var doc bson.M
	if err := r.cur.Decode(&doc); err != nil {
		r.err = fmt.Errorf("core: decode: %w", err)
		return false
	}
	r.rec = r.materialize(doc)
	return true
}

// Record returns the current record. Valid until the next call to Next.
func (r *Result) Record() *Record { return r.rec }

// Err returns the first error hit while iterating.
func (r *Result) Err() error { return r.err }

// Close releases the underlying cursor.
func (r *Result) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.cur.Close(ctx)
}

// All drains the result and closes it.
func (r *Result) All(ctx context.Context) ([]*Record, error) {
	defer r.Close(ctx)
	var out []*Record
	for r.Next(ctx) {
		out = append(out, r.Record())
	}
	return out, r.Err()
}

func (r *Result) materialize(doc bson.M) *Record {
	rec := &Record{eng: r.eng, col: r.col}
	if id, ok := doc["_id"]; ok {
		rec.id = id
	}
	if r.fields == nil {
		rec.values = doc
		if r.raw {
			rec.deferred = r.rawDeferred(doc)
		}
		return rec
	}
	rec.values = make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		if v, ok := doc[f.key]; ok {
			rec.values[f.name] = v
		}
	}
	if len(r.deferred) > 0 {
		rec.deferred = make(map[string]string, len(r.deferred))
		for name, column := range r.deferred {
			rec.deferred[name] = column
		}
	}
	return rec
}

// rawDeferred derives the deferred set for a raw document: every declared
// field present under neither its name nor its stored column. Documents
// without an _id cannot be re-fetched and stay as returned.
func (r *Result) rawDeferred(doc bson.M) map[string]string {
	if _, ok := doc["_id"]; !ok {
		return nil
	}
	var deferred map[string]string
	for _, f := range r.col.Fields() {
		if _, ok := doc[f.Name]; ok {
			continue
		}
		if _, ok := doc[f.Column]; ok {
			continue
		}
		if deferred == nil {
			deferred = make(map[string]string)
		}
		deferred[f.Name] = f.Column
	}
	return deferred
}

// Record is one materialized row: loaded values keyed by output name, plus
// any deferred fields that load lazily on first access. A Record is safe for
// concurrent use.
type Record struct {
	eng *Engine
	col *sdata.Collection
	id  any

	mu       sync.Mutex
	values   map[string]any
	deferred map[string]string
}

// ID returns the record's identity, nil when the projection dropped it.
func (rec *Record) ID() any { return rec.id }

// Peek returns a loaded value without triggering any fetch.
func (rec *Record) Peek(name string) (any, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	v, ok := rec.values[name]
	return v, ok
}

// Deferred lists the fields that would require a fetch, in no fixed order.
func (rec *Record) Deferred() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	out := make([]string, 0, len(rec.deferred))
	for name := range rec.deferred {
		out = append(out, name)
	}
	return out
}

// Get returns a field value. Accessing any deferred field loads the whole
// deferred set with a single fetch; fields absent from the stored document
// resolve to nil.
func (rec *Record) Get(ctx context.Context, name string) (any, error) {
	rec.mu.Lock()
	if v, ok := rec.values[name]; ok {
		rec.mu.Unlock()
		return v, nil
	}
	if _, ok := rec.deferred[name]; !ok {
		rec.mu.Unlock()
		return nil, nil
	}
	rec.mu.Unlock()

	if err := rec.load(ctx); err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.values[name], nil
}

// Decode maps the loaded values onto a struct. Deferred fields are not
// loaded; call Get first if you need them included.
func (rec *Record) Decode(v any) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("core: decode: %w", err)
	}
	if err := dec.Decode(rec.values); err != nil {
		return fmt.Errorf("core: decode: %w", err)
	}
	return nil
}

// load fetches every deferred field in one query. Concurrent loads for the
// same document collapse into a single fetch.
func (rec *Record) load(ctx context.Context) error {
	rec.mu.Lock()
	if len(rec.deferred) == 0 {
		rec.mu.Unlock()
		return nil
	}
	if rec.id == nil {
		rec.mu.Unlock()
		return fmt.Errorf("core: deferred load on %s: projection dropped the record id", rec.col.Model)
	}
	proj := bson.D{}
	for _, f := range rec.col.Fields() {
		column, ok := rec.deferred[f.Name]
		if !ok {
			continue
		}
		if f.Name == column {
			proj = append(proj, bson.E{Key: f.Name, Value: 1})
		} else {
			proj = append(proj, bson.E{Key: f.Name, Value: "$" + column})
		}
	}
	id := rec.id
	rec.mu.Unlock()

	// Records from different queries can defer different field sets, so the
	// dedup key covers the projection too.
	ph, _ := hashstructure.Hash(proj, hashstructure.FormatV2, nil)
	key := fmt.Sprintf("%s/%v/%x", rec.col.Name, id, ph)
	v, err, _ := rec.eng.fetch.Do(key, func() (any, error) {
		return rec.fetchDoc(ctx, id, proj)
	})
	if err != nil {
		return err
	}
	doc := v.(bson.M)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for name := range rec.deferred {
		if val, ok := doc[name]; ok {
			rec.values[name] = val
		} else {
			rec.values[name] = nil
		}
	}
	rec.deferred = nil
	return nil
}

func (rec *Record) fetchDoc(ctx context.Context, id any, proj bson.D) (any, error) {
	stages := []bson.D{
		{{Key: "$match", Value: bson.M{"$expr": bson.M{"$eq": bson.A{"$_id", id}}}}},
		{{Key: "$project", Value: proj}},
	}
	cur, err := rec.eng.exec.Aggregate(ctx, rec.col.Name, stages)
	if err != nil {
		return nil, fmt.Errorf("core: deferred load on %s: %w", rec.col.Model, err)
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("core: deferred load on %s: %w", rec.col.Model, err)
		}
		return nil, fmt.Errorf("core: deferred load on %s: %w", rec.col.Model, ErrNotFound)
	}
	var doc bson.M
	if err := cur.Decode(&doc); err != nil {
		return nil, fmt.Errorf("core: deferred load on %s: %w", rec.col.Model, err)
	}
	return doc, nil
}
