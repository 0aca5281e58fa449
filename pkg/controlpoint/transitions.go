package controlpoint

import "github.com/flowgate/flowgate/pkg/broker"

// The stage transition table is fixed in code: this is deliberately not a
// general workflow engine. Candidates are ordered; which one fires depends
// on the decision outcome carried in the completion. Back-edges out of
// USER_REVIEW are how rework loops are expressed.
var transitions = map[Stage][]Stage{
	StageReception:         {StageValidation},
	StageValidation:        {StageQualityCheck},
	StageQualityCheck:      {StageContextAnalysis, StageUserReview},
	StageContextAnalysis:   {StageInsightGeneration},
	StageInsightGeneration: {StageDecisionMaking, StageUserReview},
	StageDecisionMaking:    {StageRecommendation},
	StageRecommendation:    {StageReportGeneration},
	StageReportGeneration:  {StageCompletion},
	StageUserReview:        {StageQualityCheck, StageInsightGeneration, StageReportGeneration, StageCompletion},
	StageCompletion:        nil,
}

// departments maps each stage to the department whose processor chain
// handles it. Stages with no entry (USER_REVIEW, COMPLETION) are pure human
// gates: no processor is invoked and the point awaits a decision directly.
var departments = map[Stage]string{
	StageReception:         "ingest",
	StageValidation:        "ingest",
	StageQualityCheck:      "quality",
	StageContextAnalysis:   "analytics",
	StageInsightGeneration: "insight",
	StageDecisionMaking:    "decision",
	StageRecommendation:    "recommendation",
	StageReportGeneration:  "report",
}

// completionTypes maps each processed stage to the message type its
// department publishes on success.
var completionTypes = map[broker.MessageType]Stage{
	broker.TypeReceptionComplete:   StageReception,
	broker.TypeValidationComplete:  StageValidation,
	broker.TypeQualityComplete:     StageQualityCheck,
	broker.TypeContextComplete:     StageContextAnalysis,
	broker.TypeInsightComplete:     StageInsightGeneration,
	broker.TypeDecisionComplete:    StageDecisionMaking,
	broker.TypeRecommendationDone:  StageRecommendation,
	broker.TypeReportComplete:      StageReportGeneration,
}

// DepartmentFor returns the department responsible for stage, or "" for
// pure gate stages.
func DepartmentFor(stage Stage) string {
	return departments[stage]
}

// CompletionType returns the message type a department publishes when it
// finishes stage. ok is false for pure gate stages.
func CompletionType(stage Stage) (broker.MessageType, bool) {
	for typ, s := range completionTypes {
		if s == stage {
			return typ, true
		}
	}
	return "", false
}

// NextCandidates returns the transition-table candidates for stage.
func NextCandidates(stage Stage) []Stage {
	return transitions[stage]
}

// KnownStage reports whether stage appears in the transition table.
func KnownStage(stage Stage) bool {
	_, ok := transitions[stage]
	return ok
}

// deriveDependencies computes, for every stage in sequence, the stages
// whose candidate sets contain it — its possible predecessors.
func deriveDependencies(sequence []Stage) map[Stage][]Stage {
	deps := make(map[Stage][]Stage, len(sequence))
	for _, target := range sequence {
		for source, candidates := range transitions {
			for _, candidate := range candidates {
				if candidate == target {
					deps[target] = append(deps[target], source)
					break
				}
			}
		}
	}
	return deps
}

// nextStageFor picks the stage an approval advances to from current.
//
// The transition table defines the full stage graph, while each pipeline
// declares the path it intends to walk through it. An approval follows the
// pipeline's own sequence when the current stage appears there; pipelines
// that reach a stage outside their declared sequence (ad-hoc reviews, the
// CONTEXT_ANALYSIS detour) fall back to the table's first candidate.
func nextStageFor(p *Pipeline, current Stage) (Stage, bool) {
	for i, stage := range p.StageSequence {
		if stage == current {
			if i+1 < len(p.StageSequence) {
				return p.StageSequence[i+1], true
			}
			return "", false
		}
	}
	candidates := transitions[current]
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0], true
}

// stageIndex returns the position of stage in sequence, or -1.
func stageIndex(sequence []Stage, stage Stage) int {
	for i, s := range sequence {
		if s == stage {
			return i
		}
	}
	return -1
}
