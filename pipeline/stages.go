package pipeline

import "time"

// Stage is one step of the ingestion state machine.
type Stage string

const (
	StageValidation       Stage = "validation"
	StageTextExtraction   Stage = "text_extraction"
	StageEntityExtraction Stage = "entity_extraction"
	StageDeduplication    Stage = "deduplication"
	StageVisualCitation   Stage = "visual_citation"
	StageGraphWrite       Stage = "graph_write"
	StageIntegrityCheck   Stage = "integrity_check"
	StageFinalization     Stage = "finalization"
)

// stageOrder is the only forward path through the machine.
var stageOrder = []Stage{
	StageValidation,
	StageTextExtraction,
	StageEntityExtraction,
	StageDeduplication,
	StageVisualCitation,
	StageGraphWrite,
	StageIntegrityCheck,
	StageFinalization,
}

// ValidNext maps each stage to the stages it may transition to. Every
// stage may additionally terminate.
var ValidNext = map[Stage][]Stage{
	StageValidation:       {StageTextExtraction},
	StageTextExtraction:   {StageEntityExtraction},
	StageEntityExtraction: {StageDeduplication},
	StageDeduplication:    {StageVisualCitation},
	StageVisualCitation:   {StageGraphWrite},
	StageGraphWrite:       {StageIntegrityCheck},
	StageIntegrityCheck:   {StageFinalization},
	StageFinalization:     {},
}

// CanTransition reports whether from may hand off to to.
func CanTransition(from, to Stage) bool {
	for _, next := range ValidNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StageIndex returns the position of a stage in the forward path, or -1.
func StageIndex(s Stage) int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// stageWindows maps each stage to its [lower, upper] percent window. A
// stage transition resets the published percent to the new lower bound.
var stageWindows = map[Stage][2]float64{
	StageValidation:       {0, 5},
	StageTextExtraction:   {5, 20},
	StageEntityExtraction: {20, 45},
	StageDeduplication:    {45, 55},
	StageVisualCitation:   {55, 65},
	StageGraphWrite:       {65, 85},
	StageIntegrityCheck:   {85, 95},
	StageFinalization:     {95, 100},
}

// StageWindow returns the percent window of a stage.
func StageWindow(s Stage) (lower, upper float64) {
	w, ok := stageWindows[s]
	if !ok {
		return 0, 100
	}
	return w[0], w[1]
}

// StuckThreshold is how long a process may sit in a stage before the
// health monitor reports it stuck.
func StuckThreshold(s Stage) time.Duration {
	switch s {
	case StageValidation:
		return 5 * time.Minute
	case StageTextExtraction:
		return 10 * time.Minute
	case StageEntityExtraction:
		return 30 * time.Minute
	case StageGraphWrite:
		return 15 * time.Minute
	}
	return 10 * time.Minute
}

// forceCompletable reports whether force_complete may skip past a stuck
// stage. Graph writes and the integrity gate must never be skipped.
func forceCompletable(s Stage) bool {
	return s != StageGraphWrite && s != StageIntegrityCheck
}
