package core

import (
	"errors"
	"fmt"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/qcode"
)

// UnsupportedQueryError reports a query construct with no pipeline
// translation. The query is rejected at compile time, before anything is
// sent to the database.
type UnsupportedQueryError = qcode.UnsupportedError

// CrossCollectionOperationError reports an update or delete whose filter
// traverses a relation. Writes touch exactly one collection; a filter that
// crosses into another one cannot run as a single multi-document write.
type CrossCollectionOperationError struct {
	Model   string
	Related string
}

func (e *CrossCollectionOperationError) Error() string {
	return fmt.Sprintf("core: write on %s filters through relation %s: writes cannot cross collections", e.Model, e.Related)
}

// ErrDuplicateKey is returned when a write violates a unique index.
// Driver-level errors are mapped to it so callers can errors.Is against a
// single value.
var ErrDuplicateKey = errors.New("core: duplicate key")

// ErrNotFound is returned when a deferred-field load finds the record gone.
var ErrNotFound = errors.New("core: record not found")

// Caveat is a non-fatal compilation note attached to a compiled query, such
// as the ambiguity between a stored JSON null and an absent key.
type Caveat = mql.Caveat

// CaveatAmbiguousNull marks isnull predicates over JSON key paths, where the
// store cannot tell a stored null from a missing key.
const CaveatAmbiguousNull = mql.CaveatAmbiguousNull
