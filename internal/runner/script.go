package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/atomikpanda/autorun/internal/config"
	"github.com/atomikpanda/autorun/internal/tags"
	"github.com/atomikpanda/autorun/internal/template"
)

// RunSteps executes steps in order. String parameters are rendered against
// the outputs earlier steps registered, so replayed outputs feed later steps
// the same way fresh ones do.
//
// A failing step stops the script only with FailFast; otherwise the script
// goes on and the first error is returned at the end. IgnoreErrors drops a
// step's error entirely. Steps not selected by Tags and SkipTags are passed
// over without taking a sequence number.
func (r *Runner) RunSteps(ctx context.Context, steps []config.Step) error {
	vars := make(map[string]any)
	var firstErr error
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !tags.Selects(step.Tags, r.Tags, r.SkipTags) {
			r.Logger.Debug("step not selected", "step", step.Label(), "tags", step.Tags)
			continue
		}
		params, err := template.RenderParams(step.Params, map[string]any{
			"vars":        vars,
			"environment": r.Environment,
		})
		if err != nil {
			err = fmt.Errorf("step %d (%s): %w", i+1, step.Label(), err)
			r.AddError(KindScript, err)
			return err
		}
		if step.Name != "" && !r.Quiet {
			fmt.Fprintf(r.Out, "\n==> %s\n", step.Name)
		}

		out, err := r.Execute(ctx, step.Action, params, step.Host)
		if step.Register != "" {
			reg := make(map[string]any, len(out)+1)
			for k, v := range out {
				reg[k] = v
			}
			reg["failed"] = err != nil
			vars[step.Register] = reg
		}
		if err == nil {
			continue
		}
		if errors.Is(err, ErrClosed) || r.closed {
			return err
		}
		if step.IgnoreErrors {
			r.Logger.Debug("ignoring step error", "step", step.Label(), "err", err)
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
