// Package worker runs long-lived components, such as adapters and twins, that
// are started once and stopped once.
//
// A failure to start is fatal for the worker: it is given a single chance to
// stop in an orderly manner and is never restarted.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"
)

// A Worker is started once and stopped once.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts a pair of functions to the Worker interface. Either may be nil.
type Funcs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

// Start starts w. If w fails to start, Start calls its Stop once and returns
// the start error; a failure to stop is logged and otherwise ignored.
func Start(ctx context.Context, name string, w Worker) error {
	logger := component.Logger(ctx).With(slog.String("worker", name))
	logger.Debug("Starting worker...")
	err := w.Start(ctx)
	if err == nil {
		logger.Debug("Worker started")
		return nil
	}

	logger.Error("Worker failed to start, stopping it", slog.Any("error", err))
	if serr := w.Stop(context.WithoutCancel(ctx)); serr != nil {
		logger.Error("Couldn't stop worker after a failed start", slog.Any("error", serr))
	}
	return fmt.Errorf("start %s: %w", name, err)
}

// Run starts w, blocks until ctx is done and then stops w, returning the stop
// error. When w fails to start, Run returns immediately as Start does.
func Run(ctx context.Context, name string, w Worker) error {
	if err := Start(ctx, name, w); err != nil {
		return err
	}
	<-ctx.Done()
	if err := w.Stop(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// Proc returns a component.Proc running w for as long as the component runs.
// A failure to start is fatal to the component. Stopping uses the component's
// grace period.
func Proc(name string, w Worker) component.Proc {
	return func(l *component.L) {
		if err := Start(l.Context(), name, w); err != nil {
			l.Fatal(err)
		}
		<-l.Context().Done()
		if err := w.Stop(l.GraceContext()); err != nil {
			component.Logger(l.GraceContext()).Error("Couldn't stop worker",
				slog.String("worker", name),
				slog.Any("error", err),
			)
		}
	}
}
