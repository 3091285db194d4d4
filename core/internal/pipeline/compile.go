// Package pipeline compiles a validated logical query into an ordered list
// of aggregation stages. Stage order preserves relational semantics: join
// emulation first, then match, grouping, projection, computed sort helpers,
// sort, skip and limit.
//
// Compilation is deterministic: the same logical query always yields a
// deeply-equal pipeline. Documents whose key order matters (sort keys,
// projections, group keys) are built as ordered bson.D values.
package pipeline

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/qcode"
	"github.com/mongorel/mongorel/rel"
)

// Stage is one aggregation stage.
type Stage = bson.D

// Pipeline is a compiled query: the collection it runs against, its stages,
// and any non-fatal caveats raised during compilation. Pipelines are derived
// per execution and never cached.
type Pipeline struct {
	Collection string
	Stages     []Stage
	Caveats    []mql.Caveat
	// Empty marks queries that statically match nothing; execution can be
	// skipped entirely.
	Empty bool
}

type compiler struct {
	qc      *qcode.QCode
	reg     *mql.Registry
	caveats []mql.Caveat
}

// Compile translates the logical tree into pipeline stages.
func Compile(qc *qcode.QCode, reg *mql.Registry) (*Pipeline, error) {
	c := &compiler{qc: qc, reg: reg}
	p := &Pipeline{Collection: qc.Col.Name}

	for _, j := range qc.Joins {
		p.Stages = append(p.Stages, joinStages(j)...)
	}

	if qc.Filter != nil {
		frag, err := c.renderExp(qc.Filter)
		switch {
		case errors.Is(err, mql.ErrEmptyResult):
			p.Stages = append(p.Stages, Stage{{Key: "$match", Value: bson.M{"$expr": false}}})
			p.Empty = true
			p.Caveats = c.caveats
			return p, nil
		case errors.Is(err, mql.ErrFullResult):
			// No match stage needed.
		case err != nil:
			return nil, err
		default:
			p.Stages = append(p.Stages, Stage{{Key: "$match", Value: bson.M{"$expr": frag}}})
		}
	}

	if len(qc.Aggs) > 0 {
		stages, err := c.groupStages()
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, stages...)
	}

	if proj := c.projectStage(); proj != nil {
		p.Stages = append(p.Stages, Stage{{Key: "$project", Value: proj}})
	}

	extra, sort := c.sortStages()
	if len(extra) > 0 {
		p.Stages = append(p.Stages, Stage{{Key: "$addFields", Value: extra}})
	}
	if len(sort) > 0 {
		p.Stages = append(p.Stages, Stage{{Key: "$sort", Value: sort}})
	}

	if qc.Offset > 0 {
		p.Stages = append(p.Stages, Stage{{Key: "$skip", Value: qc.Offset}})
	}
	if qc.Limit > 0 {
		p.Stages = append(p.Stages, Stage{{Key: "$limit", Value: qc.Limit}})
	}

	p.Caveats = c.caveats
	return p, nil
}

// refMQL renders a resolved reference as an expression, applying transforms.
func refMQL(ref qcode.Ref) any {
	if ref.Annotation != "" {
		return "$" + ref.Annotation
	}
	var expr any = rootMQL(ref)
	for _, t := range ref.Transforms {
		expr = t.Apply(expr)
	}
	return expr
}

// rootMQL renders the stored column reference a path starts from.
func rootMQL(ref qcode.Ref) string {
	if ref.Alias != "" {
		return "$" + ref.Alias + "." + ref.Column
	}
	return "$" + ref.Column
}

func (c *compiler) renderExp(ex *qcode.Exp) (any, error) {
	switch ex.Op {
	case qcode.OpPred:
		return c.renderPred(ex)
	case qcode.OpXor:
		return c.renderXor(ex)
	default:
		return c.renderBool(ex)
	}
}

func (c *compiler) renderPred(ex *qcode.Exp) (any, error) {
	mref := mql.Ref{
		MQL:     refMQL(ex.Ref),
		Root:    rootMQL(ex.Ref),
		Kind:    ex.Ref.Kind,
		KeyPath: ex.Ref.KeyPath,
		Path:    ex.Ref.Path,
	}
	if ex.Ref.Annotation != "" {
		mref.Root = mref.MQL
	}
	frag, caveats, err := c.reg.Build(mref, ex.Lookup, ex.Value)
	if err != nil {
		if ex.Negated {
			if errors.Is(err, mql.ErrEmptyResult) {
				return nil, mql.ErrFullResult
			}
			if errors.Is(err, mql.ErrFullResult) {
				return nil, mql.ErrEmptyResult
			}
		}
		return nil, err
	}
	c.caveats = append(c.caveats, caveats...)
	if ex.Negated {
		return bson.M{"$not": frag}, nil
	}
	return frag, nil
}

// renderBool folds AND/OR branches, collapsing children that statically
// match nothing or everything the way a SQL planner folds contradictions.
func (c *compiler) renderBool(ex *qcode.Exp) (any, error) {
	op := "$and"
	fullNeeded, emptyNeeded := len(ex.Children), 1
	if ex.Op == qcode.OpOr {
		op = "$or"
		fullNeeded, emptyNeeded = 1, len(ex.Children)
	}

	var parts bson.A
	for _, child := range ex.Children {
		frag, err := c.renderExp(child)
		switch {
		case errors.Is(err, mql.ErrEmptyResult):
			emptyNeeded--
		case errors.Is(err, mql.ErrFullResult):
			fullNeeded--
		case err != nil:
			return nil, err
		default:
			parts = append(parts, frag)
		}
		if emptyNeeded == 0 {
			if ex.Negated {
				return nil, mql.ErrFullResult
			}
			return nil, mql.ErrEmptyResult
		}
		if fullNeeded == 0 {
			if ex.Negated {
				return nil, mql.ErrEmptyResult
			}
			return nil, mql.ErrFullResult
		}
	}

	var frag any
	switch len(parts) {
	case 0:
		if ex.Negated {
			return nil, mql.ErrEmptyResult
		}
		return nil, mql.ErrFullResult
	case 1:
		frag = parts[0]
	default:
		frag = bson.M{op: parts}
	}
	if ex.Negated {
		frag = bson.M{"$not": frag}
	}
	return frag, nil
}

// renderXor rewrites n-ary XOR, which the store lacks, as
// (a OR b OR ...) AND ((a + b + ...) mod 2 == 1): true when an odd number of
// operands hold.
func (c *compiler) renderXor(ex *qcode.Exp) (any, error) {
	if len(ex.Children) == 0 {
		return nil, fmt.Errorf("pipeline: empty xor branch")
	}
	var orParts, sumParts bson.A
	for _, child := range ex.Children {
		frag, err := c.renderExp(child)
		switch {
		case errors.Is(err, mql.ErrEmptyResult):
			frag = false
		case errors.Is(err, mql.ErrFullResult):
			frag = true
		case err != nil:
			return nil, err
		}
		orParts = append(orParts, frag)
		sumParts = append(sumParts, bson.M{"$cond": bson.M{"if": frag, "then": 1, "else": 0}})
	}
	parity := bson.M{"$eq": bson.A{
		bson.M{"$mod": bson.A{bson.M{"$add": sumParts}, 2}},
		1,
	}}
	var frag any = bson.M{"$and": bson.A{bson.M{"$or": orParts}, parity}}
	if ex.Negated {
		frag = bson.M{"$not": frag}
	}
	return frag, nil
}

// projectStage builds the $project document, nil when the default
// all-fields projection applies.
func (c *compiler) projectStage() bson.D {
	qc := c.qc
	if len(qc.Aggs) > 0 {
		proj := bson.D{}
		for _, g := range qc.GroupKeys {
			proj = append(proj, bson.E{Key: g.Name, Value: 1})
		}
		for _, a := range qc.Aggs {
			proj = append(proj, bson.E{Key: a.Alias, Value: 1})
		}
		proj = append(proj, bson.E{Key: "_id", Value: 0})
		return proj
	}
	if qc.Defaulted {
		return nil
	}
	proj := bson.D{}
	have := make(map[string]bool, len(qc.Fields))
	for _, f := range qc.Fields {
		have[f.Name] = true
		if f.Plain {
			proj = append(proj, bson.E{Key: f.Name, Value: 1})
		} else {
			proj = append(proj, bson.E{Key: f.Name, Value: refMQL(f.Ref)})
		}
	}
	// $sort and the order-helper $addFields run after $project and can only
	// see projected output, so stored sort keys outside the selection ride
	// along. Computed keys carry their source column instead.
	for _, o := range qc.OrderBy {
		if o.Ref == nil {
			continue
		}
		key := o.Ref.Column
		if o.Ref.Alias != "" {
			key = o.Ref.Alias + "." + o.Ref.Column
		}
		if have[key] || key == "_id" {
			continue
		}
		have[key] = true
		proj = append(proj, bson.E{Key: key, Value: 1})
	}
	return proj
}

// sortStages returns the computed-key $addFields document and the ordered
// $sort document.
func (c *compiler) sortStages() (bson.D, bson.D) {
	var extra bson.D
	var sort bson.D
	helper := 0
	for _, o := range c.qc.OrderBy {
		if o.Ref != nil && len(o.Ref.Transforms) > 0 {
			extra = append(extra, bson.E{Key: o.Name, Value: refMQL(*o.Ref)})
		}
		if o.Nulls != rel.NullsDefault {
			helper++
			name := fmt.Sprintf("__ordernull%d", helper)
			var keyRef any = "$" + o.Name
			if o.Ref != nil && len(o.Ref.Transforms) == 0 {
				keyRef = refMQL(*o.Ref)
			}
			extra = append(extra, bson.E{Key: name, Value: bson.M{
				"$cond": bson.M{
					"if":   bson.M{"$eq": bson.A{keyRef, nil}},
					"then": 1,
					"else": 0,
				},
			}})
			dir := 1
			if o.Nulls == rel.NullsFirst {
				dir = -1
			}
			sort = append(sort, bson.E{Key: name, Value: dir})
		}
		dir := 1
		if o.Desc {
			dir = -1
		}
		sort = append(sort, bson.E{Key: o.Name, Value: dir})
	}
	return extra, sort
}
