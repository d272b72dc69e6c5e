package workflow

import (
	"encoding/json"
	"fmt"
)

type (
	// Stage identifies a pipeline stage. The zero value is invalid.
	Stage string

	// Status is the lifecycle state of a session.
	Status string
)

const (
	// StagePlan drafts the overall itinerary structure.
	StagePlan Stage = "plan"
	// StageGather collects destination information.
	StageGather Stage = "gather"
	// StageSpecialize tailors the plan to the traveler.
	StageSpecialize Stage = "specialize"
	// StageFormat renders the final document.
	StageFormat Stage = "format"
	// StageComplete marks a finished pipeline. It is not a unit of work.
	StageComplete Stage = "complete"
)

const (
	// StatusPending indicates the run was created but no stage reported yet.
	StatusPending Status = "pending"
	// StatusProcessing indicates at least one stage update was recorded.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the pipeline finished. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a stage failure was recorded. Terminal.
	StatusFailed Status = "failed"
)

// Stages lists the pipeline stages in execution order, excluding
// StageComplete.
var Stages = []Stage{StagePlan, StageGather, StageSpecialize, StageFormat}

var stageRank = map[Stage]int{
	StagePlan:       0,
	StageGather:     1,
	StageSpecialize: 2,
	StageFormat:     3,
	StageComplete:   4,
}

// ParseStage returns the Stage named s.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// IsWork reports whether s is a pipeline stage that produces output, that is
// any valid stage other than StageComplete.
func (s Stage) IsWork() bool {
	return s.Valid() && s != StageComplete
}

// Rank returns the position of s in the pipeline, or -1 when s is invalid.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// Next returns the stage following s. StageComplete has no successor.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StagePlan:
		return StageGather, true
	case StageGather:
		return StageSpecialize, true
	case StageSpecialize:
		return StageFormat, true
	case StageFormat:
		return StageComplete, true
	default:
		return "", false
	}
}

// CanAdvance reports whether a session at stage from may move to stage to.
// Staying on the same stage is allowed; moving backward is not.
func CanAdvance(from, to Stage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return to.Rank() >= from.Rank()
}

// UnmarshalJSON rejects unknown stage names.
func (s *Stage) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStage(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st := Status(raw)
	if !st.Valid() {
		return fmt.Errorf("unknown status %q", raw)
	}
	*s = st
	return nil
}
