package orchestrator

import (
	"github.com/sells-group/planogram-cli/internal/cost"
	"github.com/sells-group/planogram-cli/internal/model"
	"github.com/sells-group/planogram-cli/internal/stage"
)

// PlanIteration lists the calls the next iteration will make. shelves is
// the best known shelf count; the structure stage is only planned when it
// will actually run.
func PlanIteration(stages stage.Set, shelves int, rc model.RetryContext, bitmap bool) cost.Plan {
	var plan cost.Plan
	if rc.FirstAttempt() || rc.Prior == nil || rc.RefineStructure {
		for _, m := range stages.Structure.Models {
			plan = append(plan, cost.PlannedCall{Stage: string(model.StageStructure), Model: m, Images: 1, Count: 1})
		}
	}
	for _, m := range stages.Products.Models {
		plan = append(plan, cost.PlannedCall{Stage: string(model.StageProducts), Model: m, Images: 1, Count: shelves})
	}
	for _, m := range stages.Details.Models {
		plan = append(plan, cost.PlannedCall{Stage: string(model.StageDetails), Model: m, Images: 1, Count: shelves})
	}
	if len(stages.Comparison.Models) > 0 {
		images := 1
		if bitmap {
			images = 2
		}
		plan = append(plan, cost.PlannedCall{
			Stage:  string(model.StageComparison),
			Model:  stages.Comparison.Models[0],
			Images: images,
			Count:  1,
		})
	}
	return plan
}
