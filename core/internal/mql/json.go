package mql

import (
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// JSONKey derives the value under one key of a schemaless document. Digit
// keys double as array indexes when the current value is an array, which a
// plain $getField cannot express.
func JSONKey(lhs any, key string) any {
	getField := bson.M{"$getField": bson.M{"input": lhs, "field": key}}
	if idx, err := strconv.Atoi(key); err == nil && idx >= 0 && strconv.Itoa(idx) == key {
		return bson.M{"$cond": bson.M{
			"if":   bson.M{"$isArray": lhs},
			"then": bson.M{"$arrayElemAt": bson.A{lhs, idx}},
			"else": getField,
		}}
	}
	return getField
}

// hasKeyPredicate checks that path exists under root. $type reports null
// rather than "missing" when the root itself is null, hence the extra guard.
func hasKeyPredicate(path, root any, negated bool) any {
	expr := bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{bson.M{"$type": path}, "missing"}},
		bson.M{"$ne": bson.A{root, nil}},
	}}
	if negated {
		return bson.M{"$not": expr}
	}
	return expr
}

func keyList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported key operand %T", value)
	}
}

// hasKeyLookup builds existence predicates for one or more keys, combined by
// op ("" for a single key, "$and" for all, "$or" for any).
func hasKeyLookup(op string) Builder {
	return func(ref Ref, value any) (any, []Caveat, error) {
		keys, err := keyList(value)
		if err != nil {
			return nil, nil, fmt.Errorf("mql: has_key lookup on %s: %v", ref.Path, err)
		}
		if len(keys) == 0 {
			return nil, nil, ErrFullResult
		}
		preds := make(bson.A, 0, len(keys))
		for _, key := range keys {
			preds = append(preds, hasKeyPredicate(JSONKey(ref.MQL, key), ref.Root, false))
		}
		if op == "" || len(preds) == 1 {
			return preds[0], nil, nil
		}
		return bson.M{op: preds}, nil, nil
	}
}

// jsonIsNull checks the nullability of a JSON key path. A stored null and an
// absent key both satisfy isnull=true; the store cannot tell them apart, so
// the fragment carries an ambiguity caveat rather than an existence check.
func jsonIsNull(ref Ref, value any) (any, []Caveat, error) {
	if !ref.KeyPath {
		return isNull(ref, value)
	}
	b, ok := value.(bool)
	if !ok {
		return nil, nil, fmt.Errorf("mql: isnull lookup on %s requires a boolean operand", ref.Path)
	}
	caveats := []Caveat{{
		Code:    CaveatAmbiguousNull,
		Path:    ref.Path,
		Message: "cannot distinguish a stored null from an absent key; the predicate tests key existence",
	}}
	return hasKeyPredicate(ref.MQL, ref.Root, b), caveats, nil
}

// jsonIn guards membership tests on key paths with an existence check, so a
// missing key is never treated as a member of anything.
func jsonIn(ref Ref, value any) (any, []Caveat, error) {
	if !ref.KeyPath {
		return in(ref, value)
	}
	expr, caveats, err := in(ref, value)
	if err != nil {
		return nil, nil, err
	}
	return bson.M{"$and": bson.A{hasKeyPredicate(ref.MQL, ref.Root, false), expr}}, caveats, nil
}

// jsonKeyTransform accepts any segment as a key derivation.
func jsonKeyTransform(segment string) (Transform, bool) {
	key := segment
	return Transform{
		Apply:   func(lhs any) any { return JSONKey(lhs, key) },
		Kind:    KindJSON,
		KeyPath: true,
	}, true
}

func registerJSON(r *Registry) {
	r.Register(KindJSON, "has_key", hasKeyLookup(""))
	r.Register(KindJSON, "has_keys", hasKeyLookup("$and"))
	r.Register(KindJSON, "has_any_keys", hasKeyLookup("$or"))
	r.Register(KindJSON, "isnull", jsonIsNull)
	r.Register(KindJSON, "in", jsonIn)
	r.RegisterTransform(KindJSON, jsonKeyTransform)
}
