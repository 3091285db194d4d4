// Package qcode validates a relational query description against the schema
// and produces the logical tree the pipeline compiler walks. Validation is
// all-or-nothing: a query either resolves completely or fails with an
// UnsupportedError before any stage is built.
package qcode

import (
	"strings"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/sdata"
	"github.com/mongorel/mongorel/rel"
)

// ExpOp is the operator of a logical tree node.
type ExpOp int

const (
	OpPred ExpOp = iota
	OpAnd
	OpOr
	OpXor
)

// Exp is one node of the validated predicate tree. Branch nodes carry an
// operator and children; leaves carry a resolved reference, a lookup name
// and an operand.
type Exp struct {
	Op       ExpOp
	Negated  bool
	Children []*Exp

	Ref    Ref
	Lookup string
	Value  any
}

// Ref is a validated field reference: the collection alias owning it, the
// stored column path, and any transforms to apply before a lookup.
type Ref struct {
	// Path is the caller's original field path.
	Path string
	// Alias of the joined collection owning the field; empty for the base.
	Alias string
	// Column is the stored column path, including embedded segments
	// ("address.city").
	Column string
	// Field is the terminal declared field; nil for annotation references.
	Field *sdata.Field
	// Annotation names an annotation alias instead of a stored field.
	Annotation string
	// Transforms derive the final reference before a lookup applies.
	Transforms []mql.Transform
	// Kind after transforms, for operator dispatch.
	Kind mql.Kind
	// KeyPath is true once the reference descends into JSON keys.
	KeyPath bool
}

// Join is a relation traversal the compiler must emulate.
type Join struct {
	// Alias names the joined collection in the pipeline ("author",
	// "author__publisher").
	Alias string
	// Parent alias; empty for the base collection.
	Parent string
	Rel    *sdata.Rel
}

// Projection is one resolved output column.
type Projection struct {
	Name string
	Ref  Ref
	// Plain marks direct base-collection columns without transforms,
	// projected as {"col": 1}.
	Plain bool
}

// Agg is one resolved aggregate annotation.
type Agg struct {
	Alias    string
	Func     string
	Ref      *Ref
	Distinct bool
}

// OrderKey is one resolved sort key.
type OrderKey struct {
	// Name is the pipeline field the sort applies to.
	Name string
	// Ref is set for stored-field keys needing projection; nil for
	// annotation aliases.
	Ref   *Ref
	Desc  bool
	Nulls rel.NullsOrder
}

// QCode is the logical form of a query: immutable once returned.
type QCode struct {
	Col    *sdata.Collection
	Filter *Exp
	Having *Exp
	Joins  []*Join
	// Fields is the resolved projection; empty projection input selects
	// every declared field.
	Fields []Projection
	// Defaulted reports whether the projection was the implicit
	// all-declared-fields one.
	Defaulted bool
	Aggs      []Agg
	// GroupKeys are the non-aggregated selected fields, which become the
	// grouping key set when Aggs is non-empty.
	GroupKeys []Projection
	OrderBy   []OrderKey
	Limit     int64
	Offset    int64
}

// aggFuncs are the aggregate functions with a pipeline translation.
var aggFuncs = map[string]bool{
	"count":       true,
	"sum":         true,
	"avg":         true,
	"min":         true,
	"max":         true,
	"stddev_pop":  true,
	"stddev_samp": true,
}

type parser struct {
	schema *sdata.Schema
	reg    *mql.Registry
	col    *sdata.Collection
	joins  []*Join
	byName map[string]*Join
	annots map[string]bool
}

// Parse validates the query description and returns its logical tree.
func Parse(schema *sdata.Schema, reg *mql.Registry, q *rel.Query) (*QCode, error) {
	col, err := schema.Collection(q.Model)
	if err != nil {
		return nil, unsupported("model", "%v", err)
	}
	if q.Distinct {
		return nil, unsupported("distinct", "distinct() has no pipeline translation")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, unsupported("slice", "negative limit or offset")
	}

	p := &parser{
		schema: schema,
		reg:    reg,
		col:    col,
		byName: make(map[string]*Join),
		annots: make(map[string]bool),
	}

	qc := &QCode{Col: col, Limit: q.Limit, Offset: q.Offset}

	for _, a := range q.Annotations {
		agg, err := p.parseAnnotation(a)
		if err != nil {
			return nil, err
		}
		qc.Aggs = append(qc.Aggs, agg)
	}

	if q.Filter != nil {
		qc.Filter, err = p.parseNode(q.Filter, false)
		if err != nil {
			return nil, err
		}
	}

	qc.Fields, qc.Defaulted, err = p.parseProjection(q.Projection)
	if err != nil {
		return nil, err
	}

	if q.Having != nil {
		if len(qc.Aggs) == 0 {
			return nil, unsupported("having", "having filter without annotations")
		}
		qc.Having, err = p.parseNode(q.Having, true)
		if err != nil {
			return nil, err
		}
	}

	for _, o := range q.OrderBy {
		key, err := p.parseOrder(o)
		if err != nil {
			return nil, err
		}
		qc.OrderBy = append(qc.OrderBy, key)
	}

	if len(qc.Aggs) > 0 && !qc.Defaulted {
		qc.GroupKeys = qc.Fields
	}
	qc.Joins = p.joins
	return qc, nil
}

func (p *parser) parseAnnotation(a rel.Annotation) (Agg, error) {
	if a.Alias == "" {
		return Agg{}, unsupported("annotation", "annotation without an alias")
	}
	if !aggFuncs[a.Func] {
		return Agg{}, unsupported("annotation", "unknown aggregate function %q", a.Func)
	}
	if _, ok := p.col.Field(a.Alias); ok {
		return Agg{}, unsupported("annotation", "alias %q collides with a declared field", a.Alias)
	}
	if p.annots[a.Alias] {
		return Agg{}, unsupported("annotation", "duplicate alias %q", a.Alias)
	}
	if a.Distinct && a.Func != "count" {
		return Agg{}, unsupported("annotation", "distinct is only supported for count")
	}
	agg := Agg{Alias: a.Alias, Func: a.Func, Distinct: a.Distinct}
	if a.Path == "" {
		if a.Func != "count" {
			return Agg{}, unsupported("annotation", "%s requires a field path", a.Func)
		}
		if a.Distinct {
			return Agg{}, unsupported("annotation", "distinct count requires a field path")
		}
	} else {
		ref, err := p.resolvePath(a.Path)
		if err != nil {
			return Agg{}, err
		}
		agg.Ref = &ref
	}
	p.annots[a.Alias] = true
	return agg, nil
}

func (p *parser) parseNode(n *rel.Node, having bool) (*Exp, error) {
	if n.Leaf() {
		leaf, err := p.parsePredicate(n.Pred, having)
		if err != nil {
			return nil, err
		}
		leaf.Negated = n.Negated
		return leaf, nil
	}
	if len(n.Children) == 0 {
		return nil, unsupported("filter", "empty branch node")
	}
	ex := &Exp{Negated: n.Negated}
	switch n.Connector {
	case rel.Or:
		ex.Op = OpOr
	case rel.Xor:
		ex.Op = OpXor
	case rel.And, "":
		ex.Op = OpAnd
	default:
		return nil, unsupported("filter", "unknown connector %q", n.Connector)
	}
	for _, c := range n.Children {
		child, err := p.parseNode(c, having)
		if err != nil {
			return nil, err
		}
		ex.Children = append(ex.Children, child)
	}
	return ex, nil
}

func (p *parser) parsePredicate(pr *rel.Predicate, having bool) (*Exp, error) {
	if pr.Lookup == "exists" {
		return nil, unsupported("exists", "subquery existence predicates have no pipeline translation")
	}
	if hasQueryOperand(pr.Value) {
		return nil, unsupported("subquery", "subquery operands have no pipeline translation")
	}

	lookup := pr.Lookup
	if lookup == "" {
		lookup = "exact"
	}

	var ref Ref
	if having {
		if !p.annots[pr.Path] {
			return nil, unsupported("having", "having path %q is not an annotation alias", pr.Path)
		}
		ref = Ref{Path: pr.Path, Annotation: pr.Path, Kind: mql.KindDefault}
	} else {
		var err error
		ref, err = p.resolvePath(pr.Path)
		if err != nil {
			return nil, err
		}
	}

	if !p.reg.Has(ref.Kind, lookup) {
		return nil, unsupported("lookup", "unknown lookup %q on %s", lookup, pr.Path)
	}
	return &Exp{Op: OpPred, Ref: ref, Lookup: lookup, Value: pr.Value}, nil
}

// hasQueryOperand reports whether a predicate value is a subquery, either
// directly or inside a list operand such as In.
func hasQueryOperand(v any) bool {
	if _, ok := v.(*rel.Query); ok {
		return true
	}
	if vs, ok := v.([]any); ok {
		for _, e := range vs {
			if _, ok := e.(*rel.Query); ok {
				return true
			}
		}
	}
	return false
}

func (p *parser) parseProjection(fields []rel.Field) ([]Projection, bool, error) {
	if len(fields) == 0 {
		out := make([]Projection, 0, len(p.col.Fields()))
		for _, f := range p.col.Fields() {
			out = append(out, Projection{
				Name:  f.Name,
				Ref:   Ref{Path: f.Name, Column: f.Column, Field: f, Kind: kindOf(f)},
				Plain: true,
			})
		}
		return out, true, nil
	}
	out := make([]Projection, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		ref, err := p.resolvePath(f.Path)
		if err != nil {
			return nil, false, err
		}
		name := f.Alias
		if name == "" {
			name = f.Path
		}
		if seen[name] {
			return nil, false, unsupported("projection", "duplicate output name %q", name)
		}
		seen[name] = true
		out = append(out, Projection{
			Name:  name,
			Ref:   ref,
			Plain: ref.Alias == "" && len(ref.Transforms) == 0 && name == ref.Column,
		})
	}
	return out, false, nil
}

func (p *parser) parseOrder(o rel.Ordering) (OrderKey, error) {
	if p.annots[o.Path] {
		return OrderKey{Name: o.Path, Desc: o.Desc, Nulls: o.Nulls}, nil
	}
	ref, err := p.resolvePath(o.Path)
	if err != nil {
		return OrderKey{}, err
	}
	name := ref.Column
	if ref.Alias != "" {
		name = ref.Alias + "." + ref.Column
	}
	if len(ref.Transforms) > 0 {
		// Computed sort keys materialize under a stable helper name.
		name = "__order_" + strings.ReplaceAll(o.Path, "__", "_")
	}
	return OrderKey{Name: name, Ref: &ref, Desc: o.Desc, Nulls: o.Nulls}, nil
}

// resolvePath walks a "__"-separated path: relations first, then embedded
// documents, then one declared field, then transforms resolved through the
// registry.
func (p *parser) resolvePath(path string) (Ref, error) {
	if path == "" {
		return Ref{}, unsupported("field", "empty field path")
	}
	segs := strings.Split(path, "__")
	col := p.col
	alias := ""

	i := 0
	for i < len(segs) {
		r, ok := col.Rel(segs[i])
		if !ok {
			break
		}
		join := p.addJoin(alias, r)
		alias = join.Alias
		col = r.Target
		i++
	}
	if i == len(segs) {
		return Ref{}, unsupported("field", "path %q names a relation, not a field", path)
	}

	f, ok := col.Field(segs[i])
	if !ok {
		return Ref{}, unsupported("field", "unknown field %q on model %s", segs[i], col.Model)
	}
	column := f.Column
	i++

	// Embedded documents extend the column path instead of joining.
	for i < len(segs) && f.Type == sdata.TypeEmbedded && f.Embedded != nil {
		ef, ok := f.Embedded.Field(segs[i])
		if !ok {
			return Ref{}, unsupported("field", "unknown field %q on embedded model %s", segs[i], f.Embedded.Model)
		}
		column += "." + ef.Column
		f = ef
		i++
	}

	ref := Ref{
		Path:   path,
		Alias:  alias,
		Column: column,
		Field:  f,
		Kind:   kindOf(f),
	}
	for ; i < len(segs); i++ {
		t, ok := p.reg.ResolveTransform(ref.Kind, segs[i])
		if !ok {
			return Ref{}, unsupported("transform", "unknown transform %q on %s", segs[i], path)
		}
		ref.Transforms = append(ref.Transforms, t)
		ref.Kind = t.Kind
		if t.KeyPath {
			ref.KeyPath = true
		}
	}
	return ref, nil
}

func (p *parser) addJoin(parent string, r *sdata.Rel) *Join {
	name := r.Name
	if parent != "" {
		name = parent + "__" + r.Name
	}
	if j, ok := p.byName[name]; ok {
		return j
	}
	j := &Join{Alias: name, Parent: parent, Rel: r}
	p.byName[name] = j
	p.joins = append(p.joins, j)
	return j
}

func kindOf(f *sdata.Field) mql.Kind {
	switch f.Type {
	case sdata.TypeArray:
		return mql.KindArray
	case sdata.TypeJSON:
		return mql.KindJSON
	default:
		return mql.KindDefault
	}
}
