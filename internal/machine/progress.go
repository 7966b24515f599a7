package machine

import (
	"fmt"

	"github.com/cadenza-ai/cadenza/internal/model"
)

// stagePercent anchors the coarse progress projection. Fix-loop iterations
// interpolate between QC review and completion.
var stagePercent = map[model.Stage]int{
	model.StageCoordPlan:          5,
	model.StageResearch:           25,
	model.StageArchitectImplement: 55,
	model.StageQCReview:           80,
	model.StageComplete:           100,
	model.StageFailed:             100,
}

// progressFor derives the UI progress projection from the current stage and
// fix-loop iteration. The projection is a function of the event history, so
// it is always reconstructible from a checkpoint.
func progressFor(stage model.Stage, iteration, maxIterations int) model.Progress {
	percent := stagePercent[stage]

	// Later fix iterations creep toward completion without reaching it.
	if stage == model.StageQCReview || stage == model.StageArchitectImplement {
		if maxIterations > 0 && iteration > 0 {
			span := (95 - percent) * iteration / (maxIterations + 1)
			percent += span
		}
	}

	label := stageLabel(stage, iteration)
	return model.Progress{Percent: percent, Label: label}
}

func stageLabel(stage model.Stage, iteration int) string {
	switch stage {
	case model.StageCoordPlan:
		return "planning"
	case model.StageResearch:
		return "researching"
	case model.StageArchitectImplement:
		if iteration > 0 {
			return fmt.Sprintf("applying fixes (iteration %d)", iteration+1)
		}
		return "implementing"
	case model.StageQCReview:
		return "reviewing"
	case model.StageComplete:
		return "complete"
	case model.StageFailed:
		return "failed"
	default:
		return ""
	}
}
