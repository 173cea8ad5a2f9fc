package build

import (
	"context"

	"github.com/seantiz/babel/internal/model"
)

// Reporter adapts a Tracker to the callbacks of an engine running in the same
// process. Whether a report was applied is of no interest to the engine.
type Reporter struct {
	Tracker *Tracker
}

func (r Reporter) BuildStarted(ctx context.Context, buildID string) error {
	_, err := r.Tracker.Start(ctx, buildID)
	return err
}

func (r Reporter) BuildProgress(ctx context.Context, buildID string, p model.Progress) error {
	_, err := r.Tracker.ReportProgress(ctx, buildID, p)
	return err
}

func (r Reporter) BuildFinished(ctx context.Context, buildID, state, message string) error {
	_, err := r.Tracker.Finish(ctx, buildID, state, message)
	return err
}
