// Package memory provides an in-process translation engine. It keeps engines
// and builds in maps, honours the idempotency contract of backend.Engine and
// can simulate training by reporting progress through a Reporter.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/retry"
)

// finishRetry covers a reporter that briefly cannot record a final state.
// A build whose finish is lost stays active until its lock lease runs out.
var finishRetry = retry.Policy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}

// Reporter receives the lifecycle callbacks of simulated builds.
type Reporter interface {
	BuildStarted(ctx context.Context, buildID string) error
	BuildProgress(ctx context.Context, buildID string, p model.Progress) error
	BuildFinished(ctx context.Context, buildID, state, message string) error
}

// Call records one RPC received by the engine.
type Call struct {
	Method   string
	EngineID string
	BuildID  string
}

type buildRun struct {
	spec     backend.BuildSpec
	canceled bool
	done     bool
	cancel   context.CancelFunc
}

// Engine is an in-memory backend.Engine.
type Engine struct {
	typ    string
	logger *slog.Logger

	reporter  Reporter
	steps     int
	stepDelay time.Duration

	mu       sync.Mutex
	engines  map[string]backend.EngineConfig
	builds   map[string]*buildRun
	calls    []Call
	failures map[string]int
	effects  map[string]int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithSimulation makes StartBuild run a simulated training of the given
// number of steps, reporting each one to r.
func WithSimulation(r Reporter, steps int, stepDelay time.Duration) Option {
	return func(e *Engine) {
		e.reporter = r
		e.steps = max(steps, 1)
		e.stepDelay = stepDelay
	}
}

// WithLogger sets the logger for simulated builds.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an in-memory engine serving the given engine type.
func New(engineType string, opts ...Option) *Engine {
	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		typ:      engineType,
		logger:   slog.Default(),
		engines:  make(map[string]backend.EngineConfig),
		builds:   make(map[string]*buildRun),
		failures: make(map[string]int),
		effects:  make(map[string]int),
		ctx:      ctx,
		stop:     stop,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ backend.Engine = (*Engine)(nil)

// FailNext makes the next n calls of method fail with a transient error.
func (e *Engine) FailNext(method string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = n
}

// Calls returns every RPC received so far, including failed ones.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Effects returns how many times method changed state, as opposed to being
// absorbed as a duplicate.
func (e *Engine) Effects(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effects[method]
}

// Engine returns the stored configuration of an engine.
func (e *Engine) Engine(id string) (backend.EngineConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.engines[id]
	return cfg, ok
}

// BuildCanceled reports whether a cancellation was received for a build.
func (e *Engine) BuildCanceled(buildID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.builds[buildID]
	return ok && run.canceled
}

// Close stops all simulated builds and waits for them to exit.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// record logs a call and consumes an injected failure. The caller holds e.mu.
func (e *Engine) record(method, engineID, buildID string) error {
	e.calls = append(e.calls, Call{Method: method, EngineID: engineID, BuildID: buildID})
	if n := e.failures[method]; n > 0 {
		e.failures[method] = n - 1
		return fmt.Errorf("memory engine: injected %s failure", method)
	}
	return nil
}

func (e *Engine) Create(_ context.Context, cfg backend.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Create", cfg.ID, ""); err != nil {
		return err
	}
	if _, ok := e.engines[cfg.ID]; ok {
		return nil
	}
	e.engines[cfg.ID] = cfg
	e.effects["Create"]++
	return nil
}

func (e *Engine) Update(_ context.Context, cfg backend.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Update", cfg.ID, ""); err != nil {
		return err
	}
	current, ok := e.engines[cfg.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", cfg.ID, backend.ErrEngineNotFound)
	}
	if current != cfg {
		e.engines[cfg.ID] = cfg
		e.effects["Update"]++
	}
	return nil
}

func (e *Engine) Delete(_ context.Context, engineID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("Delete", engineID, ""); err != nil {
		return err
	}
	if _, ok := e.engines[engineID]; !ok {
		return nil
	}
	delete(e.engines, engineID)
	for _, run := range e.builds {
		if run.spec.EngineID == engineID && run.cancel != nil {
			run.cancel()
		}
	}
	e.effects["Delete"]++
	return nil
}

func (e *Engine) StartBuild(_ context.Context, spec backend.BuildSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("StartBuild", spec.EngineID, spec.BuildID); err != nil {
		return err
	}
	if _, ok := e.engines[spec.EngineID]; !ok {
		return fmt.Errorf("start build %s: %w", spec.BuildID, backend.ErrEngineNotFound)
	}
	if _, ok := e.builds[spec.BuildID]; ok {
		return nil
	}

	run := &buildRun{spec: spec}
	e.builds[spec.BuildID] = run
	e.effects["StartBuild"]++

	if e.reporter != nil {
		ctx, cancel := context.WithCancel(e.ctx)
		run.cancel = cancel
		e.wg.Go(func() {
			defer cancel()
			e.simulate(ctx, run)
		})
	}
	return nil
}

func (e *Engine) CancelBuild(_ context.Context, engineID, buildID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("CancelBuild", engineID, buildID); err != nil {
		return err
	}
	run, ok := e.builds[buildID]
	if !ok || run.canceled || run.done {
		return nil
	}
	run.canceled = true
	e.effects["CancelBuild"]++
	return nil
}

func (e *Engine) Translate(_ context.Context, req backend.TranslateRequest) (backend.TranslateResult, error) {
	e.mu.Lock()
	cfg, ok := e.engines[req.EngineID]
	e.mu.Unlock()
	if !ok {
		return backend.TranslateResult{}, fmt.Errorf("translate: %w", backend.ErrEngineNotFound)
	}

	out := make([]string, len(req.Segments))
	for i, s := range req.Segments {
		out[i] = fmt.Sprintf("[%s] %s", cfg.TargetLanguage, strings.TrimSpace(s))
	}
	return backend.TranslateResult{Translations: out}, nil
}

func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Type:                e.typ,
		Transport:           "memory",
		SupportsTranslation: true,
		MaxConcurrentBuilds: 1,
	}
}

// simulate reports a started build, one progress report per step and a final
// state. A cancellation observed between steps finishes the build as
// canceled.
func (e *Engine) simulate(ctx context.Context, run *buildRun) {
	id := run.spec.BuildID
	if err := e.reporter.BuildStarted(ctx, id); err != nil {
		e.finish(ctx, run, model.StateFaulted, fmt.Sprintf("start: %v", err))
		return
	}

	for step := 1; step <= e.steps; step++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.stepDelay):
		}

		if e.isCanceled(run) {
			e.finish(ctx, run, model.StateCanceled, "canceled")
			return
		}

		p := model.Progress{
			PercentCompleted: float64(step) / float64(e.steps),
			Message:          fmt.Sprintf("step %d of %d", step, e.steps),
			Step:             step,
		}
		// Stale reports are rejected by the tracker; keep training.
		_ = e.reporter.BuildProgress(ctx, id, p)
	}

	if e.isCanceled(run) {
		e.finish(ctx, run, model.StateCanceled, "canceled")
		return
	}
	e.finish(ctx, run, model.StateCompleted, "")
}

func (e *Engine) isCanceled(run *buildRun) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return run.canceled
}

func (e *Engine) finish(ctx context.Context, run *buildRun, state, message string) {
	e.mu.Lock()
	run.done = true
	e.mu.Unlock()

	id := run.spec.BuildID
	err := finishRetry.Do(ctx, func() error {
		return e.reporter.BuildFinished(ctx, id, state, message)
	})
	if err != nil {
		e.logger.Error("failed to report finished build", "build_id", id, "state", state, "error", err)
	}
}
