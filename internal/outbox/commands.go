package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/model"
)

// EngineCommand is the payload of CreateEngine, UpdateEngine and
// DeleteEngine messages.
type EngineCommand struct {
	EngineID       string `json:"engine_id"`
	EngineType     string `json:"engine_type"`
	Owner          string `json:"owner"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// NewEngineCommand captures the engine fields sent to the engine process.
func NewEngineCommand(e *model.Engine) EngineCommand {
	return EngineCommand{
		EngineID:       e.ID,
		EngineType:     e.Type,
		Owner:          e.Owner,
		SourceLanguage: e.SourceLanguage,
		TargetLanguage: e.TargetLanguage,
	}
}

func (c EngineCommand) config() backend.EngineConfig {
	return backend.EngineConfig{
		ID:             c.EngineID,
		Type:           c.EngineType,
		Owner:          c.Owner,
		SourceLanguage: c.SourceLanguage,
		TargetLanguage: c.TargetLanguage,
	}
}

// BuildCommand is the payload of StartBuild and CancelBuild messages.
type BuildCommand struct {
	EngineID   string          `json:"engine_id"`
	EngineType string          `json:"engine_type"`
	BuildID    string          `json:"build_id"`
	Options    json.RawMessage `json:"options,omitempty"`
}

// NewBuildCommand captures the build fields sent to the engine process.
func NewBuildCommand(e *model.Engine, b *model.Build) BuildCommand {
	return BuildCommand{
		EngineID:   e.ID,
		EngineType: e.Type,
		BuildID:    b.ID,
		Options:    b.Options,
	}
}

// commandHandlers turns engine lifecycle commands into engine RPCs.
type commandHandlers struct {
	engines *backend.Registry
	logger  *slog.Logger
}

// RegisterEngineCommands registers the handlers for every engine lifecycle
// command kind. Each handler resolves the engine client by the type carried
// in the payload.
func RegisterEngineCommands(d *Dispatcher, engines *backend.Registry, logger *slog.Logger) {
	h := &commandHandlers{engines: engines, logger: logger}
	d.Register(model.KindCreateEngine, h.createEngine)
	d.Register(model.KindUpdateEngine, h.updateEngine)
	d.Register(model.KindDeleteEngine, h.deleteEngine)
	d.Register(model.KindStartBuild, h.startBuild)
	d.Register(model.KindCancelBuild, h.cancelBuild)
}

func (h *commandHandlers) createEngine(ctx context.Context, msg *model.OutboxMessage) error {
	var cmd EngineCommand
	if err := Decode(msg, &cmd); err != nil {
		return err
	}
	client, err := h.engines.Resolve(cmd.EngineType)
	if err != nil {
		return err
	}
	return client.Create(ctx, cmd.config())
}

func (h *commandHandlers) updateEngine(ctx context.Context, msg *model.OutboxMessage) error {
	var cmd EngineCommand
	if err := Decode(msg, &cmd); err != nil {
		return err
	}
	client, err := h.engines.Resolve(cmd.EngineType)
	if err != nil {
		return err
	}
	return h.skipIfGone(msg, client.Update(ctx, cmd.config()))
}

func (h *commandHandlers) deleteEngine(ctx context.Context, msg *model.OutboxMessage) error {
	var cmd EngineCommand
	if err := Decode(msg, &cmd); err != nil {
		return err
	}
	client, err := h.engines.Resolve(cmd.EngineType)
	if err != nil {
		return err
	}
	return h.skipIfGone(msg, client.Delete(ctx, cmd.EngineID))
}

func (h *commandHandlers) startBuild(ctx context.Context, msg *model.OutboxMessage) error {
	var cmd BuildCommand
	if err := Decode(msg, &cmd); err != nil {
		return err
	}
	client, err := h.engines.Resolve(cmd.EngineType)
	if err != nil {
		return err
	}
	spec := backend.BuildSpec{EngineID: cmd.EngineID, BuildID: cmd.BuildID, Options: cmd.Options}
	return h.skipIfGone(msg, client.StartBuild(ctx, spec))
}

func (h *commandHandlers) cancelBuild(ctx context.Context, msg *model.OutboxMessage) error {
	var cmd BuildCommand
	if err := Decode(msg, &cmd); err != nil {
		return err
	}
	client, err := h.engines.Resolve(cmd.EngineType)
	if err != nil {
		return err
	}
	return h.skipIfGone(msg, client.CancelBuild(ctx, cmd.EngineID, cmd.BuildID))
}

// skipIfGone acknowledges a command for an engine the engine process no
// longer knows. Commands in a queue are ordered, so the engine can only be
// missing because a delete already reached it; retrying would block the
// queue forever.
func (h *commandHandlers) skipIfGone(msg *model.OutboxMessage, err error) error {
	if errors.Is(err, backend.ErrEngineNotFound) {
		h.logger.Warn("engine gone, skipping command",
			"outbox_ref", msg.OutboxRef, "index", msg.Index, "kind", msg.Kind)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Kind, err)
	}
	return nil
}
