/*
Package pipeline runs data through an ordered list of processing steps.

Each step receives the output of the previous one and reports exactly one
outcome: the data is done (and flows to the next step), skipped (the run ends
without a result) or failed (the run ends with an error). Steps may report
asynchronously, from another goroutine; a run never has more than one step in
flight.

Shadowing functions attach pipelines to physical event categories to filter and
reshape observations before they reach the twin state.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
)

// A Step is one stage of a Pipeline.
//
// Execute must report exactly one outcome through r, either before returning
// or later from another goroutine. Reports after the first are ignored. A step
// that never reports stalls its run until the run's context is done.
type Step interface {
	// Name identifies the step within a pipeline. It also scopes the step's
	// Cache during a run.
	Name() string
	Execute(ctx context.Context, cache *Cache, data any, r Reporter)
}

// A Reporter collects the outcome of a single step execution.
type Reporter interface {
	// Done hands result to the next step, or ends the run with it.
	Done(result any)
	// Skip ends the run without a result.
	Skip()
	// Fail ends the run with err.
	Fail(err error)
}

// A Listener receives the outcome of a pipeline run.
type Listener interface {
	// OnPipelineDone receives the output of the last step, with ok set, or a nil
	// result when a step skipped the data.
	OnPipelineDone(ctx context.Context, result any, ok bool)
	// OnPipelineError receives the *Error that ended the run.
	OnPipelineError(ctx context.Context, err error)
}

// Error reports the step that failed a run.
type Error struct {
	Step  string // Name of the failing step.
	Index int    // Position of the failing step.
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: step #%d %q: %v", e.Index, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Pipeline is an ordered list of steps. Its methods are safe for concurrent use.
// Changing the steps does not affect runs in progress.
//
// The zero Pipeline has no steps and passes data through unchanged.
type Pipeline struct {
	mu    sync.Mutex
	steps []Step
}

// New returns a Pipeline running the given steps in order.
func New(steps ...Step) *Pipeline {
	return &Pipeline{steps: slices.Clone(steps)}
}

// AddStep appends s to the pipeline.
func (p *Pipeline) AddStep(s Step) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, s)
}

// RemoveStep removes the first step named like s. It reports whether a step was
// removed.
func (p *Pipeline) RemoveStep(s Step) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.IndexFunc(p.steps, func(step Step) bool { return step.Name() == s.Name() })
	if i < 0 {
		return false
	}
	p.steps = slices.Delete(p.steps, i, i+1)
	return true
}

// Len returns the number of steps.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.steps)
}

// Start runs data through every step and tells l (which may be nil) about the
// outcome. It returns once the run ended: with a nil error when the data was
// processed or skipped, or with the *Error that ended the run.
func (p *Pipeline) Start(ctx context.Context, data any, l Listener) error {
	p.mu.Lock()
	steps := slices.Clone(p.steps)
	p.mu.Unlock()

	start := time.Now()
	result, ok, err := run(ctx, steps, data)
	measureRun(ctx, outcomeOf(ok, err), time.Since(start))

	if l == nil {
		return err
	}
	if err != nil {
		l.OnPipelineError(ctx, err)
	} else {
		l.OnPipelineDone(ctx, result, ok)
	}
	return err
}

func run(ctx context.Context, steps []Step, data any) (any, bool, error) {
	caches := make(map[string]*Cache)
	for i, step := range steps {
		name := step.Name()
		cache, found := caches[name]
		if !found {
			cache = new(Cache)
			caches[name] = cache
		}

		o, err := execute(ctx, step, cache, data)
		if err != nil {
			return nil, false, &Error{Step: name, Index: i, Err: err}
		}
		if o.skipped {
			component.Logger(ctx).Debug("Pipeline step skipped data",
				slog.String("step", name),
				slog.Int("index", i),
			)
			return nil, false, nil
		}
		data = o.result
	}
	return data, true, nil
}

// execute runs a single step and waits for its first report.
func execute(ctx context.Context, step Step, cache *Cache, data any) (outcome, error) {
	r := &reporter{ch: make(chan outcome, 1)}
	func() {
		defer func() {
			if v := recover(); v != nil {
				r.Fail(fmt.Errorf("step panicked: %v", v))
			}
		}()
		step.Execute(ctx, cache, data, r)
	}()

	select {
	case o := <-r.ch:
		return o, o.err
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

type outcome struct {
	result  any
	skipped bool
	err     error
}

// reporter delivers the first outcome it is told about and drops the rest.
type reporter struct {
	once sync.Once
	ch   chan outcome
}

func (r *reporter) report(o outcome) {
	r.once.Do(func() { r.ch <- o })
}

func (r *reporter) Done(result any) { r.report(outcome{result: result}) }
func (r *reporter) Skip() { r.report(outcome{skipped: true}) }

func (r *reporter) Fail(err error) {
	if err == nil {
		err = errors.New("step failed without an error")
	}
	r.report(outcome{err: err})
}

// Cache holds scratch data of a single step during a single run. It is safe
// for concurrent use, and discarded when the run ends.
type Cache struct {
	mu sync.Mutex
	m  map[string]any
}

// Get returns the value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

// Put stores v under key.
func (c *Cache) Put(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]any)
	}
	c.m[key] = v
}

// Delete removes the value stored under key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, key)
}
