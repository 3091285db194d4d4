package mql

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// arrayContains matches documents whose array is a superset of the operand.
// Both sides are guarded against null so a null array never satisfies the
// set predicate.
func arrayContains(ref Ref, value any) (any, []Caveat, error) {
	values, ok := toSlice(value)
	if !ok {
		return nil, nil, fmt.Errorf("mql: contains lookup on %s requires a list operand", ref.Path)
	}
	return bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{ref.MQL, nil}},
		bson.M{"$ne": bson.A{values, nil}},
		bson.M{"$setIsSubset": bson.A{values, ref.MQL}},
	}}, nil, nil
}

// arrayContainedBy is the converse: the stored array is a subset of the
// operand.
func arrayContainedBy(ref Ref, value any) (any, []Caveat, error) {
	values, ok := toSlice(value)
	if !ok {
		return nil, nil, fmt.Errorf("mql: contained_by lookup on %s requires a list operand", ref.Path)
	}
	return bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{ref.MQL, nil}},
		bson.M{"$ne": bson.A{values, nil}},
		bson.M{"$setIsSubset": bson.A{ref.MQL, values}},
	}}, nil, nil
}

// arrayOverlap matches when the intersection of the stored array and the
// operand is non-empty. $size of the intersection doubles as the truth value.
func arrayOverlap(ref Ref, value any) (any, []Caveat, error) {
	values, ok := toSlice(value)
	if !ok {
		return nil, nil, fmt.Errorf("mql: overlap lookup on %s requires a list operand", ref.Path)
	}
	return bson.M{"$and": bson.A{
		bson.M{"$ne": bson.A{ref.MQL, nil}},
		bson.M{"$size": bson.M{"$setIntersection": bson.A{values, ref.MQL}}},
	}}, nil, nil
}

// arrayExact compares whole arrays.
func arrayExact(ref Ref, value any) (any, []Caveat, error) {
	if values, ok := toSlice(value); ok {
		value = values
	}
	return bson.M{"$eq": bson.A{ref.MQL, value}}, nil, nil
}

// ArrayLen is the cardinality transform. Null arrays keep a null length so
// comparisons against them stay false.
func ArrayLen(lhs any) any {
	return bson.M{"$cond": bson.M{
		"if":   bson.M{"$eq": bson.A{lhs, nil}},
		"then": nil,
		"else": bson.M{"$size": lhs},
	}}
}

// ArrayIndex derives the element at a non-negative index. Out-of-range
// indexes yield a missing value, which no comparison matches; they are never
// an error.
func ArrayIndex(lhs any, index int) any {
	return bson.M{"$arrayElemAt": bson.A{lhs, index}}
}

// ArraySlice derives a sub-array starting at start; end caps the element
// count the way the store's $slice interprets its third argument.
func ArraySlice(lhs any, start, end int) any {
	return bson.M{"$slice": bson.A{lhs, start, end}}
}

// arrayTransform resolves "len", bare non-negative indexes and
// "start_end" slices on array fields.
func arrayTransform(segment string) (Transform, bool) {
	if segment == "len" {
		return Transform{Apply: ArrayLen, Kind: KindDefault}, true
	}
	if idx, err := strconv.Atoi(segment); err == nil && idx >= 0 && !strings.HasPrefix(segment, "+") {
		return Transform{
			Apply: func(lhs any) any { return ArrayIndex(lhs, idx) },
			Kind:  KindDefault,
		}, true
	}
	if start, end, ok := parseSlice(segment); ok {
		return Transform{
			Apply: func(lhs any) any { return ArraySlice(lhs, start, end) },
			Kind:  KindArray,
		}, true
	}
	return Transform{}, false
}

func parseSlice(segment string) (start, end int, ok bool) {
	parts := strings.SplitN(segment, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func registerArray(r *Registry) {
	r.Register(KindArray, "contains", arrayContains)
	r.Register(KindArray, "contained_by", arrayContainedBy)
	r.Register(KindArray, "overlap", arrayOverlap)
	r.Register(KindArray, "exact", arrayExact)
	r.RegisterTransform(KindArray, arrayTransform)
}
