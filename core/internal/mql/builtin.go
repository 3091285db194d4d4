package mql

import (
	"fmt"
	"regexp"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// notMissingOrNull guards comparisons over JSON key paths: a missing key
// sorts like null and would otherwise satisfy lt/lte against most operands.
func notMissingOrNull(lhs any) bson.M {
	return bson.M{"$not": bson.M{"$in": bson.A{bson.M{"$type": lhs}, bson.A{"missing", "null"}}}}
}

func keyGuard(ref Ref, expr any) any {
	if !ref.KeyPath {
		return expr
	}
	return bson.M{"$and": bson.A{expr, notMissingOrNull(ref.MQL)}}
}

func exact(ref Ref, value any) (any, []Caveat, error) {
	return keyGuard(ref, bson.M{"$eq": bson.A{ref.MQL, value}}), nil, nil
}

func gt(ref Ref, value any) (any, []Caveat, error) {
	return keyGuard(ref, bson.M{"$gt": bson.A{ref.MQL, value}}), nil, nil
}

func gte(ref Ref, value any) (any, []Caveat, error) {
	return keyGuard(ref, bson.M{"$gte": bson.A{ref.MQL, value}}), nil, nil
}

// lt and lte exclude nulls: the store sorts null before every value, so a
// plain $lt would match documents where the field is null or absent.
func lt(ref Ref, value any) (any, []Caveat, error) {
	expr := bson.M{"$and": bson.A{
		bson.M{"$lt": bson.A{ref.MQL, value}},
		bson.M{"$ne": bson.A{ref.MQL, nil}},
	}}
	return keyGuard(ref, expr), nil, nil
}

func lte(ref Ref, value any) (any, []Caveat, error) {
	expr := bson.M{"$and": bson.A{
		bson.M{"$lte": bson.A{ref.MQL, value}},
		bson.M{"$ne": bson.A{ref.MQL, nil}},
	}}
	return keyGuard(ref, expr), nil, nil
}

func in(ref Ref, value any) (any, []Caveat, error) {
	values, ok := toSlice(value)
	if !ok {
		return nil, nil, fmt.Errorf("mql: in lookup on %s requires a list operand", ref.Path)
	}
	if len(values) == 0 {
		return nil, nil, ErrEmptyResult
	}
	return keyGuard(ref, bson.M{"$in": bson.A{ref.MQL, values}}), nil, nil
}

func rangeLookup(ref Ref, value any) (any, []Caveat, error) {
	bounds, ok := toSlice(value)
	if !ok || len(bounds) != 2 {
		return nil, nil, fmt.Errorf("mql: range lookup on %s requires a [low, high] operand", ref.Path)
	}
	expr := bson.M{"$and": bson.A{
		bson.M{"$gte": bson.A{ref.MQL, bounds[0]}},
		bson.M{"$lte": bson.A{ref.MQL, bounds[1]}},
	}}
	return keyGuard(ref, expr), nil, nil
}

func isNull(ref Ref, value any) (any, []Caveat, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, nil, fmt.Errorf("mql: isnull lookup on %s requires a boolean operand", ref.Path)
	}
	op := "$ne"
	if b {
		op = "$eq"
	}
	return bson.M{op: bson.A{ref.MQL, nil}}, nil, nil
}

// regexMatch wraps $regexMatch, coercing the input to a string the way the
// relational layer compares text patterns against any column type.
func regexMatch(lhs any, pattern string, insensitive bool) bson.M {
	m := bson.M{"input": bson.M{"$toString": lhs}, "regex": pattern}
	if insensitive {
		m["options"] = "i"
	}
	return bson.M{"$regexMatch": m}
}

func patternLookup(prefix, suffix string, insensitive bool) Builder {
	return func(ref Ref, value any) (any, []Caveat, error) {
		s, ok := value.(string)
		if !ok {
			return nil, nil, fmt.Errorf("mql: pattern lookup on %s requires a string operand", ref.Path)
		}
		pattern := prefix + regexp.QuoteMeta(s) + suffix
		return keyGuard(ref, regexMatch(ref.MQL, pattern, insensitive)), nil, nil
	}
}

func rawRegex(insensitive bool) Builder {
	return func(ref Ref, value any) (any, []Caveat, error) {
		s, ok := value.(string)
		if !ok {
			return nil, nil, fmt.Errorf("mql: regex lookup on %s requires a string operand", ref.Path)
		}
		if _, err := regexp.Compile(s); err != nil {
			return nil, nil, fmt.Errorf("mql: regex lookup on %s: %v", ref.Path, err)
		}
		return keyGuard(ref, regexMatch(ref.MQL, s, insensitive)), nil, nil
	}
}

func toSlice(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case bson.A:
		return []any(v), true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func registerBuiltins(r *Registry) {
	r.Register(KindDefault, "exact", exact)
	r.Register(KindDefault, "gt", gt)
	r.Register(KindDefault, "gte", gte)
	r.Register(KindDefault, "lt", lt)
	r.Register(KindDefault, "lte", lte)
	r.Register(KindDefault, "in", in)
	r.Register(KindDefault, "range", rangeLookup)
	r.Register(KindDefault, "isnull", isNull)

	r.Register(KindDefault, "iexact", patternLookup("^", "$", true))
	r.Register(KindDefault, "contains", patternLookup("", "", false))
	r.Register(KindDefault, "icontains", patternLookup("", "", true))
	r.Register(KindDefault, "startswith", patternLookup("^", "", false))
	r.Register(KindDefault, "istartswith", patternLookup("^", "", true))
	r.Register(KindDefault, "endswith", patternLookup("", "$", false))
	r.Register(KindDefault, "iendswith", patternLookup("", "$", true))
	r.Register(KindDefault, "regex", rawRegex(false))
	r.Register(KindDefault, "iregex", rawRegex(true))
}
