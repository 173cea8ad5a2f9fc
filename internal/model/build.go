package model

import (
	"encoding/json"
	"time"
)

// Build state constants.
const (
	StatePending   = "pending"
	StateActive    = "active"
	StateCanceling = "canceling"
	StateCompleted = "completed"
	StateCanceled  = "canceled"
	StateFaulted   = "faulted"
)

// validTransitions maps each build state to the set of states it may move to.
// Terminal states have no entry.
var validTransitions = map[string]map[string]bool{
	StatePending: {
		StateActive:   true,
		StateCanceled: true,
		StateFaulted:  true,
	},
	StateActive: {
		StateCanceling: true,
		StateCompleted: true,
		StateCanceled:  true,
		StateFaulted:   true,
	},
	// The engine may finish before it observes the cancellation request.
	StateCanceling: {
		StateCompleted: true,
		StateCanceled:  true,
		StateFaulted:   true,
	},
}

// ValidTransition reports whether moving a build from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state is one of the final build states.
func IsTerminal(state string) bool {
	switch state {
	case StateCompleted, StateCanceled, StateFaulted:
		return true
	}
	return false
}

// Build tracks one long-running training job on an engine.
type Build struct {
	ID               string          `json:"id"`
	Revision         int             `json:"revision"`
	EngineRef        string          `json:"engine_ref"`
	Owner            string          `json:"owner"`
	State            string          `json:"state"`
	PercentCompleted float64         `json:"percent_completed"`
	Message          string          `json:"message,omitempty"`
	Step             int             `json:"step"`
	QueueDepth       int             `json:"queue_depth"`
	LockID           string          `json:"-"`
	Options          json.RawMessage `json:"options,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// Progress is one progress report from an engine for an active build.
type Progress struct {
	PercentCompleted float64 `json:"percent_completed"`
	Message          string  `json:"message"`
	Step             int     `json:"step"`
	QueueDepth       int     `json:"queue_depth"`
}

// Progress returns the progress values currently stored on the build.
func (b *Build) Progress() Progress {
	return Progress{
		PercentCompleted: b.PercentCompleted,
		Message:          b.Message,
		Step:             b.Step,
		QueueDepth:       b.QueueDepth,
	}
}
