// Package rel describes relational-style queries in a form independent of
// any storage engine. A Query holds a predicate tree, a projection, ordering,
// grouping and paging; field paths traverse relations, embedded documents,
// array transforms and JSON keys using "__" as a separator, e.g.
// "author__name", "tags__len" or "meta__owner__isnull".
//
// The description is plain data. Validation against a schema and compilation
// into pipeline stages happen in the core package.
package rel

// Connector joins the children of a predicate tree node.
type Connector string

const (
	And Connector = "AND"
	Or  Connector = "OR"
	Xor Connector = "XOR"
)

// Node is one node of the predicate tree. A node is either a leaf holding a
// single predicate, or a branch combining child nodes with a connector.
// Negated applies NOT to the whole node.
type Node struct {
	Connector Connector
	Negated   bool
	Children  []*Node
	Pred      *Predicate
}

// Leaf reports whether the node holds a predicate rather than children.
func (n *Node) Leaf() bool { return n.Pred != nil }

// Predicate is a single field condition: a lookup operator applied to a field
// path and an operand. Value may be a literal, a slice for multi-valued
// lookups (in, range, overlap), or a *Query for subquery operands.
type Predicate struct {
	Path   string
	Lookup string
	Value  any
}

// Field selects a stored field or annotation for projection. Alias renames it
// in the result; an empty alias keeps the path's terminal name.
type Field struct {
	Path  string
	Alias string
}

// Annotation is a computed result column. Func names an aggregate function
// (count, sum, avg, min, max, stddev_pop, stddev_samp); Path is the
// aggregated field, empty for count-of-rows.
type Annotation struct {
	Alias    string
	Func     string
	Path     string
	Distinct bool
}

// NullsOrder positions null values relative to non-null ones when ordering.
type NullsOrder int

const (
	NullsDefault NullsOrder = iota
	NullsFirst
	NullsLast
)

// Ordering is one sort key.
type Ordering struct {
	Path  string
	Desc  bool
	Nulls NullsOrder
}

// Query is a complete relational query description over a single model and
// the relations reachable from it.
type Query struct {
	Model       string
	Filter      *Node
	Projection  []Field
	Annotations []Annotation
	// Having filters on annotation aliases after grouping.
	Having  *Node
	OrderBy []Ordering
	// Limit of 0 means no limit.
	Limit  int64
	Offset int64
	// Distinct is accepted in the description but has no pipeline
	// translation; the parser rejects it.
	Distinct bool
}

// NewQuery returns a query over the named model.
func NewQuery(model string) *Query {
	return &Query{Model: model}
}

// Where sets the filter tree, combining with AND if a filter already exists.
func (q *Query) Where(n *Node) *Query {
	if q.Filter == nil {
		q.Filter = n
	} else {
		q.Filter = AndNode(q.Filter, n)
	}
	return q
}

// Select sets the projected field paths.
func (q *Query) Select(paths ...string) *Query {
	for _, p := range paths {
		q.Projection = append(q.Projection, Field{Path: p})
	}
	return q
}

// Annotate adds a computed column.
func (q *Query) Annotate(alias, fn, path string) *Query {
	q.Annotations = append(q.Annotations, Annotation{Alias: alias, Func: fn, Path: path})
	return q
}

// Order appends sort keys. A leading "-" on a path sorts descending.
func (q *Query) Order(paths ...string) *Query {
	for _, p := range paths {
		o := Ordering{Path: p}
		if len(p) > 0 && p[0] == '-' {
			o.Path = p[1:]
			o.Desc = true
		}
		q.OrderBy = append(q.OrderBy, o)
	}
	return q
}

// Slice sets offset and limit.
func (q *Query) Slice(offset, limit int64) *Query {
	q.Offset = offset
	q.Limit = limit
	return q
}
