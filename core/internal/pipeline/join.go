package pipeline

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/mongorel/mongorel/core/internal/qcode"
)

// joinStages renders one relation traversal as a correlated $lookup followed
// by $unwind. Nullable relations get a left-join shim: an empty lookup result
// is replaced with a single empty document so $unwind keeps the parent row.
func joinStages(j *qcode.Join) []Stage {
	local := "$" + j.Rel.LocalField
	if j.Parent != "" {
		local = "$" + j.Parent + "." + j.Rel.LocalField
	}

	stages := []Stage{{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: j.Rel.Target.Name},
		{Key: "let", Value: bson.M{"parent_field_0": local}},
		{Key: "pipeline", Value: bson.A{
			bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$$parent_field_0", "$" + j.Rel.ForeignField}},
			}}}},
		}},
		{Key: "as", Value: j.Alias},
	}}}}

	if j.Rel.Nullable {
		stages = append(stages, Stage{{Key: "$set", Value: bson.M{
			j.Alias: bson.M{"$cond": bson.M{
				"if": bson.M{"$or": bson.A{
					bson.M{"$eq": bson.A{bson.M{"$type": "$" + j.Alias}, "missing"}},
					bson.M{"$eq": bson.A{bson.M{"$size": "$" + j.Alias}, 0}},
				}},
				"then": bson.A{bson.M{}},
				"else": "$" + j.Alias,
			}},
		}}})
	}

	return append(stages, Stage{{Key: "$unwind", Value: "$" + j.Alias}})
}
