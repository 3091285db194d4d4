package pipeline

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core/internal/mql"
	"github.com/mongorel/mongorel/core/internal/qcode"
)

// groupStages renders aggregate annotations. With group keys:
// $group keyed by the selected fields, then $addFields lifting each key out
// of _id and $unset removing the compound id. Without keys the whole input
// collapses to one row; $group alone would emit nothing for an empty input,
// so the grouping runs inside $facet, which always yields exactly one
// document, and the aggregate values are lifted out of the facet array.
func (c *compiler) groupStages() ([]Stage, error) {
	qc := c.qc

	group := bson.D{}
	if len(qc.GroupKeys) == 0 {
		group = append(group, bson.E{Key: "_id", Value: nil})
	} else {
		ids := bson.D{}
		for _, g := range qc.GroupKeys {
			ids = append(ids, bson.E{Key: g.Name, Value: refMQL(g.Ref)})
		}
		group = append(group, bson.E{Key: "_id", Value: ids})
	}

	var distinctFix bson.D
	for _, a := range qc.Aggs {
		expr, fix, err := aggExpr(a)
		if err != nil {
			return nil, err
		}
		group = append(group, bson.E{Key: a.Alias, Value: expr})
		distinctFix = append(distinctFix, fix...)
	}

	var stages []Stage
	if len(qc.GroupKeys) == 0 {
		stages = append(stages,
			Stage{{Key: "$facet", Value: bson.M{"group": bson.A{
				bson.M{"$group": group},
			}}}},
		)
		lift := bson.D{}
		for _, a := range qc.Aggs {
			lift = append(lift, bson.E{Key: a.Alias, Value: bson.M{"$getField": bson.M{
				"input": bson.M{"$arrayElemAt": bson.A{"$group", 0}},
				"field": a.Alias,
			}}})
		}
		stages = append(stages,
			Stage{{Key: "$addFields", Value: lift}},
			Stage{{Key: "$unset", Value: "group"}},
		)
	} else {
		lift := bson.D{}
		for _, g := range qc.GroupKeys {
			lift = append(lift, bson.E{Key: g.Name, Value: "$_id." + g.Name})
		}
		stages = append(stages,
			Stage{{Key: "$group", Value: group}},
			Stage{{Key: "$addFields", Value: lift}},
			Stage{{Key: "$unset", Value: "_id"}},
		)
	}

	if len(distinctFix) > 0 {
		stages = append(stages, Stage{{Key: "$addFields", Value: distinctFix}})
	}

	if qc.Having != nil {
		frag, err := c.renderExp(qc.Having)
		switch {
		case errors.Is(err, mql.ErrEmptyResult):
			stages = append(stages, Stage{{Key: "$match", Value: bson.M{"$expr": false}}})
		case errors.Is(err, mql.ErrFullResult):
		case err != nil:
			return nil, err
		default:
			stages = append(stages, Stage{{Key: "$match", Value: bson.M{"$expr": frag}}})
		}
	}
	return stages, nil
}

// aggExpr renders one aggregate accumulator and, for distinct counts, a
// follow-up $addFields entry turning the collected set into its size.
func aggExpr(a qcode.Agg) (any, bson.D, error) {
	if a.Func == "count" {
		if a.Ref == nil {
			if a.Distinct {
				return nil, nil, fmt.Errorf("pipeline: distinct count requires a field")
			}
			return bson.M{"$sum": 1}, nil, nil
		}
		lhs := refMQL(*a.Ref)
		// Missing and null values never count.
		skip := bson.M{"$in": bson.A{bson.M{"$type": lhs}, bson.A{"missing", "null"}}}
		if a.Distinct {
			fix := bson.D{{Key: a.Alias, Value: bson.M{"$size": bson.M{
				"$setDifference": bson.A{"$" + a.Alias, bson.A{nil}},
			}}}}
			return bson.M{"$addToSet": bson.M{"$cond": bson.M{
				"if": skip, "then": nil, "else": lhs,
			}}}, fix, nil
		}
		return bson.M{"$sum": bson.M{"$cond": bson.M{
			"if": skip, "then": nil, "else": 1,
		}}}, nil, nil
	}

	if a.Ref == nil {
		return nil, nil, fmt.Errorf("pipeline: %s requires a field", a.Func)
	}
	if a.Distinct {
		return nil, nil, fmt.Errorf("pipeline: distinct is only supported for count")
	}
	lhs := refMQL(*a.Ref)
	switch a.Func {
	case "sum":
		return bson.M{"$sum": lhs}, nil, nil
	case "avg":
		return bson.M{"$avg": lhs}, nil, nil
	case "min":
		return bson.M{"$min": lhs}, nil, nil
	case "max":
		return bson.M{"$max": lhs}, nil, nil
	case "stddev_pop":
		return bson.M{"$stdDevPop": lhs}, nil, nil
	case "stddev_samp":
		return bson.M{"$stdDevSamp": lhs}, nil, nil
	}
	return nil, nil, fmt.Errorf("pipeline: unknown aggregate %q", a.Func)
}
