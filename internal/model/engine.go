package model

import "time"

// Engine is a translation engine owned by a client. Lifecycle commands for an
// engine are delivered to the engine process through the outbox queue
// returned by Engine.QueueRef.
type Engine struct {
	ID             string    `json:"id"`
	Revision       int       `json:"revision"`
	Owner          string    `json:"owner"`
	Type           string    `json:"type"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	IsBuilding     bool      `json:"is_building"`
	CurrentBuildID string    `json:"current_build_id,omitempty"`
	BuildRevision  int       `json:"build_revision"`
	CreatedAt      time.Time `json:"created_at"`
}

// QueueRef returns the outbox queue carrying commands for this engine.
func (e *Engine) QueueRef() string {
	return EngineQueueRef(e.ID)
}

// EngineQueueRef returns the outbox queue id for the engine with the given id.
// Commands for a single engine are strictly ordered; different engines are
// independent queues.
func EngineQueueRef(engineID string) string {
	return "engine:" + engineID
}

// EngineResourceID returns the lock resource id guarding the trained model
// artifacts of an engine.
func EngineResourceID(engineID string) string {
	return "engine-model:" + engineID
}
