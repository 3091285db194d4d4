// Package mql builds document-query fragments for relational lookup
// operators and field transforms. Fragments are $expr-style BSON expressions
// combined by the pipeline compiler into $match stages.
//
// Operators dispatch through a registry keyed by field kind and operator
// name. The registry is populated with the builtin table at construction and
// extended by registration calls; the compiler core never switches on
// operator names itself.
package mql

import (
	"errors"
	"fmt"
)

// Sentinels for predicates that statically match nothing or everything.
// Walkers use them to collapse branches the way SQL planners fold
// contradictions and tautologies.
var (
	ErrEmptyResult = errors.New("mql: predicate matches no documents")
	ErrFullResult  = errors.New("mql: predicate matches all documents")
)

// Kind selects the operator table for a field. Lookups on a kind fall back
// to KindDefault when the kind has no entry of its own.
type Kind int

const (
	KindDefault Kind = iota
	KindArray
	KindJSON
)

// Ref is a resolved left-hand side: the MQL expression for the field
// reference after transforms, plus what the builder needs to know about it.
type Ref struct {
	// MQL is the field reference expression, e.g. "$author.name" or a
	// computed transform document.
	MQL any
	// Root references the stored column the path started from. Builders
	// over JSON key paths need it for existence predicates.
	Root any
	// Kind of the reference after transforms.
	Kind Kind
	// KeyPath is true when the reference traversed into JSON keys, where
	// a stored null and an absent key are indistinguishable.
	KeyPath bool
	// Path is the caller's field path, used in caveats and errors.
	Path string
}

// Caveat is a non-fatal compilation note attached to the produced pipeline.
type Caveat struct {
	Code    string
	Path    string
	Message string
}

// CaveatAmbiguousNull marks predicates that cannot distinguish a stored JSON
// null from an absent key.
const CaveatAmbiguousNull = "ambiguous_null"

// Builder produces a fragment for one lookup. Builders are pure: no side
// effects, identical output for identical input.
type Builder func(ref Ref, value any) (any, []Caveat, error)

// Transform derives a new field reference from an existing one before a
// lookup is applied, e.g. an array length or index.
type Transform struct {
	// Apply rewrites the reference expression.
	Apply func(lhs any) any
	// Kind of the derived reference.
	Kind Kind
	// KeyPath marks derivations into JSON keys.
	KeyPath bool
}

// TransformBuilder resolves one path segment on a field of its kind. It
// returns ok=false when the segment doesn't name a transform it knows.
type TransformBuilder func(segment string) (Transform, bool)

// Registry maps lookup names and transform segments to builders.
type Registry struct {
	lookups    map[Kind]map[string]Builder
	transforms map[Kind][]TransformBuilder
}

// NewRegistry returns a registry populated with the builtin operator and
// transform tables.
func NewRegistry() *Registry {
	r := &Registry{
		lookups:    make(map[Kind]map[string]Builder),
		transforms: make(map[Kind][]TransformBuilder),
	}
	registerBuiltins(r)
	registerArray(r)
	registerJSON(r)
	return r
}

// Register binds a lookup name for a field kind.
func (r *Registry) Register(kind Kind, name string, b Builder) {
	m, ok := r.lookups[kind]
	if !ok {
		m = make(map[string]Builder)
		r.lookups[kind] = m
	}
	m[name] = b
}

// RegisterTransform appends a transform resolver for a field kind.
func (r *Registry) RegisterTransform(kind Kind, tb TransformBuilder) {
	r.transforms[kind] = append(r.transforms[kind], tb)
}

// Lookup resolves a lookup name for a kind, falling back to the default
// table.
func (r *Registry) Lookup(kind Kind, name string) (Builder, bool) {
	if m, ok := r.lookups[kind]; ok {
		if b, ok := m[name]; ok {
			return b, true
		}
	}
	if kind != KindDefault {
		return r.Lookup(KindDefault, name)
	}
	return nil, false
}

// Has reports whether a lookup name resolves for a kind.
func (r *Registry) Has(kind Kind, name string) bool {
	_, ok := r.Lookup(kind, name)
	return ok
}

// ResolveTransform resolves a path segment to a transform for a kind.
func (r *Registry) ResolveTransform(kind Kind, segment string) (Transform, bool) {
	for _, tb := range r.transforms[kind] {
		if t, ok := tb(segment); ok {
			return t, true
		}
	}
	return Transform{}, false
}

// Build dispatches a lookup and returns its fragment.
func (r *Registry) Build(ref Ref, name string, value any) (any, []Caveat, error) {
	b, ok := r.Lookup(ref.Kind, name)
	if !ok {
		return nil, nil, fmt.Errorf("mql: unknown lookup %q on %s", name, ref.Path)
	}
	return b(ref, value)
}
