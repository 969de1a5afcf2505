package twinsync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/worker"
)

var (
	// ErrUnknownTwin is returned when referring to a twin the Engine does not
	// hold.
	ErrUnknownTwin = errors.New("unknown twin")
	// ErrDuplicateTwin is returned when adding a twin whose id the Engine
	// already holds.
	ErrDuplicateTwin = errors.New("duplicate twin id")
)

// Engine holds the twins of a process and starts and stops them by id. It is
// safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	twins map[string]*DigitalTwin
}

// NewEngine returns an empty Engine.
func NewEngine() *Engine {
	return &Engine{twins: make(map[string]*DigitalTwin)}
}

// Add registers a twin. Its id must be unique within the Engine.
func (e *Engine) Add(t *DigitalTwin) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.twins[t.ID()]; ok {
		return fmt.Errorf("add twin %q: %w", t.ID(), ErrDuplicateTwin)
	}
	e.twins[t.ID()] = t
	registeredTwins.Add(context.Background(), 1)
	return nil
}

// Remove unregisters a twin, stopping it first when it is running.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.twins[id]
	delete(e.twins, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove twin %q: %w", id, ErrUnknownTwin)
	}
	registeredTwins.Add(ctx, -1)
	if t.Running() {
		if err := t.Stop(ctx); err != nil {
			return fmt.Errorf("remove twin %q: %w", id, err)
		}
	}
	return nil
}

// Twin returns the twin with the given id.
func (e *Engine) Twin(id string) (*DigitalTwin, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.twins[id]
	return t, ok
}

// Len returns the number of twins the Engine holds.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.twins)
}

// Twins returns the ids of the twins the Engine holds, sorted.
func (e *Engine) Twins() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.twins))
}

// Start starts the twin with the given id. Starting a running twin fails with
// ErrRunning.
func (e *Engine) Start(ctx context.Context, id string) error {
	t, ok := e.Twin(id)
	if !ok {
		return fmt.Errorf("start twin %q: %w", id, ErrUnknownTwin)
	}
	return t.Start(ctx)
}

// Stop stops the twin with the given id. Stopping a twin that is not running
// fails with ErrNotRunning.
func (e *Engine) Stop(ctx context.Context, id string) error {
	t, ok := e.Twin(id)
	if !ok {
		return fmt.Errorf("stop twin %q: %w", id, ErrUnknownTwin)
	}
	return t.Stop(ctx)
}

// StartAll starts every twin that is neither running nor destroyed, in the
// order of their ids, and returns the failures joined.
func (e *Engine) StartAll(ctx context.Context) error {
	var errs []error
	for _, id := range e.Twins() {
		t, ok := e.Twin(id)
		if !ok || t.Running() || t.Lifecycle().Current() == lifecycle.Destroyed {
			continue
		}
		errs = append(errs, t.Start(ctx))
	}
	return errors.Join(errs...)
}

// StopAll stops every running twin, in the order of their ids, and returns the
// failures joined.
func (e *Engine) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range e.Twins() {
		t, ok := e.Twin(id)
		if !ok || !t.Running() {
			continue
		}
		errs = append(errs, t.Stop(ctx))
	}
	return errors.Join(errs...)
}

// Worker returns a worker starting every twin of the Engine on start and
// stopping them on stop.
func (e *Engine) Worker() worker.Worker {
	return worker.Funcs{StartFunc: e.StartAll, StopFunc: e.StopAll}
}
