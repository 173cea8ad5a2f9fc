package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrEngineNotFound is returned by engines asked to act on an engine id they
// do not know. Idempotent operations such as Delete treat it as success.
var ErrEngineNotFound = errors.New("engine not found")

// Engine is the interface every engine client implements. One implementation
// exists per engine type; all lifecycle calls are idempotent because the
// outbox delivers commands at least once.
type Engine interface {
	// Create provisions the engine. Creating an existing engine is a no-op.
	Create(ctx context.Context, cfg EngineConfig) error

	// Update changes the engine's language pair.
	Update(ctx context.Context, cfg EngineConfig) error

	// Delete removes the engine. Deleting a missing engine is a no-op.
	Delete(ctx context.Context, engineID string) error

	// StartBuild begins training. Starting a build that is already running is
	// a no-op.
	StartBuild(ctx context.Context, spec BuildSpec) error

	// CancelBuild stops a running build. Cancelling a finished or unknown
	// build is a no-op.
	CancelBuild(ctx context.Context, engineID, buildID string) error

	// Translate runs inference against the engine's trained model.
	Translate(ctx context.Context, req TranslateRequest) (TranslateResult, error)

	// Capabilities reports what this engine type supports.
	Capabilities() Capabilities
}

// EngineConfig describes an engine as sent to the engine process.
type EngineConfig struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Owner          string `json:"owner"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// BuildSpec describes a training run.
type BuildSpec struct {
	EngineID string          `json:"engine_id"`
	BuildID  string          `json:"build_id"`
	Options  json.RawMessage `json:"options,omitempty"`
}

// TranslateRequest is an inference call for a batch of segments.
type TranslateRequest struct {
	EngineID string   `json:"engine_id"`
	Segments []string `json:"segments"`
}

// TranslateResult holds one translation per requested segment.
type TranslateResult struct {
	Translations []string `json:"translations"`
}

// Capabilities describes an engine type.
type Capabilities struct {
	Type                string `json:"type"`
	Transport           string `json:"transport"`
	SupportsTranslation bool   `json:"supports_translation"`
	MaxConcurrentBuilds int    `json:"max_concurrent_builds"`
}
