package rel

// Filter creates a leaf condition for an arbitrary lookup operator.
func Filter(path, lookup string, value any) *Node {
	return &Node{Pred: &Predicate{Path: path, Lookup: lookup, Value: value}}
}

// Eq creates a condition for checking equality.
func Eq(path string, value any) *Node {
	return Filter(path, "exact", value)
}

// Gt creates a condition for checking if a value is greater than another.
func Gt(path string, value any) *Node {
	return Filter(path, "gt", value)
}

// Gte creates a condition for checking if a value is greater than or equal to
// another.
func Gte(path string, value any) *Node {
	return Filter(path, "gte", value)
}

// Lt creates a condition for checking if a value is less than another.
func Lt(path string, value any) *Node {
	return Filter(path, "lt", value)
}

// Lte creates a condition for checking if a value is less than or equal to
// another.
func Lte(path string, value any) *Node {
	return Filter(path, "lte", value)
}

// In creates a condition for checking membership in a set of values.
func In(path string, values ...any) *Node {
	return Filter(path, "in", values)
}

// Range creates a condition for checking inclusion in [low, high].
func Range(path string, low, high any) *Node {
	return Filter(path, "range", []any{low, high})
}

// IsNull creates a condition on the nullness of a field.
func IsNull(path string, isNull bool) *Node {
	return Filter(path, "isnull", isNull)
}

// Contains creates an array-superset or substring condition depending on the
// field type the path resolves to.
func Contains(path string, value any) *Node {
	return Filter(path, "contains", value)
}

// ContainedBy creates an array-subset condition.
func ContainedBy(path string, value any) *Node {
	return Filter(path, "contained_by", value)
}

// Overlap creates an array-intersection condition.
func Overlap(path string, value any) *Node {
	return Filter(path, "overlap", value)
}

// HasKey creates a key-existence condition on a JSON field.
func HasKey(path string, key string) *Node {
	return Filter(path, "has_key", key)
}

// HasKeys creates an all-keys-exist condition on a JSON field.
func HasKeys(path string, keys ...string) *Node {
	return Filter(path, "has_keys", keys)
}

// HasAnyKeys creates an any-key-exists condition on a JSON field.
func HasAnyKeys(path string, keys ...string) *Node {
	return Filter(path, "has_any_keys", keys)
}

// Exists creates a subquery-existence condition. The engine has no pipeline
// translation for it and rejects it, mirroring the documented limitation.
func Exists(sub *Query) *Node {
	return Filter("", "exists", sub)
}

// AndNode combines conditions so that all must hold.
func AndNode(children ...*Node) *Node {
	return &Node{Connector: And, Children: children}
}

// OrNode combines conditions so that at least one must hold.
func OrNode(children ...*Node) *Node {
	return &Node{Connector: Or, Children: children}
}

// XorNode combines conditions so that an odd number must hold.
func XorNode(children ...*Node) *Node {
	return &Node{Connector: Xor, Children: children}
}

// Not negates a condition.
func Not(n *Node) *Node {
	return &Node{Connector: And, Children: []*Node{n}, Negated: true}
}
