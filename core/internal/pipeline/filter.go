package pipeline

import (
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/qcode"
)

// CompileFilter renders just the query's filter as a match document, for
// update and delete operations that take a filter rather than a pipeline.
// The empty flag reports a filter that statically matches nothing, so the
// write can be skipped without touching the database.
func CompileFilter(qc *qcode.QCode, reg *mql.Registry) (filter any, empty bool, caveats []mql.Caveat, err error) {
	if qc.Filter == nil {
		return bson.M{}, false, nil, nil
	}
	c := &compiler{qc: qc, reg: reg}
	frag, err := c.renderExp(qc.Filter)
	switch {
	case errors.Is(err, mql.ErrEmptyResult):
		return nil, true, c.caveats, nil
	case errors.Is(err, mql.ErrFullResult):
		return bson.M{}, false, c.caveats, nil
	case err != nil:
		return nil, false, nil, err
	}
	return bson.M{"$expr": frag}, false, c.caveats, nil
}
