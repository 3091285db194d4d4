// Package core compiles relational-style queries into aggregation pipelines
// and runs them through a pluggable executor. Declare your models in a
// Config, build an Engine, and pass it rel.Query values:
//
//	conf, err := core.ReadConfig("./config/models.yml")
//	...
//	eng, err := core.New(conf, exec, core.OptionSetLogger(util.NewLogger(true)))
//	...
//	res, err := eng.Query(ctx, rel.NewQuery("Book").Where(rel.Gt("pages", 100)))
//
// Compilation is deterministic and per call; compiled pipelines are plain
// data and safe to inspect, cache or log. Every operation is independent:
// there are no transactions, each write takes effect immediately.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/pipeline"
	"github.com/mongorel/mongorel/core/internal/qcode"
	"github.com/mongorel/mongorel/core/internal/sdata"
	"github.com/mongorel/mongorel/rel"
)

// Executor runs compiled pipelines and writes against a database. The
// mongodriver package provides the production implementation; tests can
// substitute their own.
type Executor interface {
	Aggregate(ctx context.Context, collection string, stages []bson.D) (Cursor, error)
	UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error)
	DeleteMany(ctx context.Context, collection string, filter any) (int64, error)
}

// Cursor streams documents from an executed pipeline.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// Lookup extension points, re-exported so custom operators can be registered
// without reaching into internal packages.
type (
	// LookupKind selects the operator set a field type resolves against.
	LookupKind = mql.Kind
	// LookupRef is the resolved field reference a builder renders against.
	LookupRef = mql.Ref
	// LookupBuilder renders one lookup operator into a match expression.
	LookupBuilder = mql.Builder
)

const (
	LookupDefault = mql.KindDefault
	LookupArray   = mql.KindArray
	LookupJSON    = mql.KindJSON
)

// Engine holds the declared schema, the lookup registry and the executor.
// It is safe for concurrent use once built.
type Engine struct {
	conf   *Config
	schema *sdata.Schema
	reg    *mql.Registry
	exec   Executor
	log    *zap.Logger
	tracer trace.Tracer
	// fetch deduplicates concurrent deferred-field loads per document.
	fetch singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine) error

// OptionSetLogger sets the logger; the default discards everything.
func OptionSetLogger(l *zap.Logger) Option {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// OptionSetTracer sets the tracer used to wrap query and write operations.
func OptionSetTracer(t trace.Tracer) Option {
	return func(e *Engine) error {
		e.tracer = t
		return nil
	}
}

// New builds an Engine from a validated config and an executor.
func New(conf *Config, exec Executor, options ...Option) (*Engine, error) {
	if exec == nil {
		return nil, fmt.Errorf("core: nil executor")
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("core: config: %w", err)
	}
	schema, err := conf.schema()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		conf:   conf,
		schema: schema,
		reg:    mql.NewRegistry(),
		exec:   exec,
		log:    zap.NewNop(),
		tracer: otel.Tracer("mongorel/core"),
	}
	for _, op := range options {
		if err := op(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// RegisterLookup installs a custom lookup operator for a field kind. Must be
// called before the engine starts serving queries.
func (e *Engine) RegisterLookup(kind LookupKind, name string, b LookupBuilder) {
	e.reg.Register(kind, name, b)
}

// Compiled is a compiled query: plain data, ready to execute or inspect.
type Compiled struct {
	Collection string
	Stages     []bson.D
	Caveats    []Caveat
	// Empty marks queries that statically match nothing.
	Empty bool

	qc *qcode.QCode
}

// Compile validates a query against the schema and renders its pipeline.
func (e *Engine) Compile(q *rel.Query) (*Compiled, error) {
	if q.Limit == 0 && e.conf.DefaultLimit > 0 {
		cp := *q
		cp.Limit = e.conf.DefaultLimit
		q = &cp
	}
	qc, err := qcode.Parse(e.schema, e.reg, q)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.Compile(qc, e.reg)
	if err != nil {
		return nil, err
	}
	if ce := e.log.Check(zap.DebugLevel, "query compiled"); ce != nil {
		h, _ := hashstructure.Hash(p.Stages, hashstructure.FormatV2, nil)
		ce.Write(
			zap.String("model", q.Model),
			zap.String("collection", p.Collection),
			zap.Int("stages", len(p.Stages)),
			zap.Uint64("fingerprint", h),
		)
	}
	return &Compiled{
		Collection: p.Collection,
		Stages:     p.Stages,
		Caveats:    p.Caveats,
		Empty:      p.Empty,
		qc:         qc,
	}, nil
}

// Query compiles and executes a read, returning a streaming result.
func (e *Engine) Query(ctx context.Context, q *rel.Query) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "core.query",
		trace.WithAttributes(attribute.String("model", q.Model)))
	defer span.End()

	c, err := e.Compile(q)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("collection", c.Collection))

	if c.Empty {
		return emptyResult(e, c), nil
	}
	cur, err := e.exec.Aggregate(ctx, c.Collection, c.Stages)
	if err != nil {
		return nil, fmt.Errorf("core: query %s: %w", q.Model, err)
	}
	return newResult(e, c, cur), nil
}

// Update compiles the query's filter and applies the given field changes to
// every matching document. The filter must stay within the query's own
// collection: traversing a relation returns CrossCollectionOperationError.
func (e *Engine) Update(ctx context.Context, q *rel.Query, set map[string]any) (int64, error) {
	ctx, span := e.tracer.Start(ctx, "core.update",
		trace.WithAttributes(attribute.String("model", q.Model)))
	defer span.End()

	if len(set) == 0 {
		return 0, fmt.Errorf("core: update %s: no fields to set", q.Model)
	}
	col, filter, empty, err := e.writeFilter(q)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, nil
	}
	doc := bson.M{}
	for name, value := range set {
		colName, err := writeColumn(col, name)
		if err != nil {
			return 0, err
		}
		doc[colName] = value
	}
	n, err := e.exec.UpdateMany(ctx, col.Name, filter, bson.M{"$set": doc})
	if err != nil {
		return 0, fmt.Errorf("core: update %s: %w", q.Model, err)
	}
	e.log.Debug("update applied", zap.String("model", q.Model), zap.Int64("matched", n))
	return n, nil
}

// Delete removes every document matching the query's filter. Like Update it
// rejects filters that traverse relations.
func (e *Engine) Delete(ctx context.Context, q *rel.Query) (int64, error) {
	ctx, span := e.tracer.Start(ctx, "core.delete",
		trace.WithAttributes(attribute.String("model", q.Model)))
	defer span.End()

	col, filter, empty, err := e.writeFilter(q)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, nil
	}
	n, err := e.exec.DeleteMany(ctx, col.Name, filter)
	if err != nil {
		return 0, fmt.Errorf("core: delete %s: %w", q.Model, err)
	}
	e.log.Debug("delete applied", zap.String("model", q.Model), zap.Int64("deleted", n))
	return n, nil
}

// RawAggregate runs caller-provided stages against a model's collection,
// bypassing compilation. Documents come back as records keyed exactly as
// returned; declared fields the stages projected away stay loadable through
// Record.Get as long as the document kept its _id.
func (e *Engine) RawAggregate(ctx context.Context, model string, stages []bson.D) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "core.raw_aggregate",
		trace.WithAttributes(attribute.String("model", model)))
	defer span.End()

	col, err := e.schema.Collection(model)
	if err != nil {
		return nil, fmt.Errorf("core: raw aggregate: %w", err)
	}
	cur, err := e.exec.Aggregate(ctx, col.Name, stages)
	if err != nil {
		return nil, fmt.Errorf("core: raw aggregate %s: %w", model, err)
	}
	return rawResult(e, col, cur), nil
}

// writeFilter validates a write's query shape and renders its match filter.
func (e *Engine) writeFilter(q *rel.Query) (*sdata.Collection, any, bool, error) {
	qc, err := qcode.Parse(e.schema, e.reg, q)
	if err != nil {
		return nil, nil, false, err
	}
	if len(qc.Joins) > 0 {
		return nil, nil, false, &CrossCollectionOperationError{
			Model:   q.Model,
			Related: qc.Joins[0].Rel.Name,
		}
	}
	if len(qc.Aggs) > 0 {
		return nil, nil, false, qcode.Unsupported("write", "writes cannot aggregate")
	}
	filter, empty, caveats, err := pipeline.CompileFilter(qc, e.reg)
	if err != nil {
		return nil, nil, false, err
	}
	for _, cv := range caveats {
		e.log.Warn("write filter caveat",
			zap.String("model", q.Model),
			zap.String("code", cv.Code),
			zap.String("path", cv.Path))
	}
	return qc.Col, filter, empty, nil
}

// writeColumn maps an update path to its stored column. Embedded paths
// descend with dots; relation paths are write targets in another collection
// and are rejected.
func writeColumn(col *sdata.Collection, path string) (string, error) {
	segs := strings.Split(path, "__")
	out := make([]string, 0, len(segs))
	cur := col
	for i, seg := range segs {
		if _, ok := cur.Rel(seg); ok {
			return "", &CrossCollectionOperationError{Model: col.Model, Related: seg}
		}
		f, ok := cur.Field(seg)
		if !ok {
			return "", qcode.Unsupported("write", "unknown field %s on %s", path, col.Model)
		}
		out = append(out, f.Column)
		if i < len(segs)-1 {
			if f.Type != sdata.TypeEmbedded {
				return "", qcode.Unsupported("write", "cannot set through non-embedded field %s", path)
			}
			cur = f.Embedded
		}
	}
	return strings.Join(out, "."), nil
}
