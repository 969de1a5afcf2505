package twinsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/twinsync/adapter"
	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/pipeline"
	"github.com/go-digitaltwin/twinsync/shadowing"
	"github.com/go-digitaltwin/twinsync/state"
	"github.com/go-digitaltwin/twinsync/worker"
)

// PublisherID is the publisher id of the events a twin publishes about itself:
// state updates, event notifications and physical asset descriptions.
const PublisherID = "dt.twin"

var (
	// ErrRunning is returned when starting a twin that is running, or when
	// registering an adapter with it.
	ErrRunning = errors.New("twin is running")
	// ErrNotRunning is returned when stopping a twin that is not running.
	ErrNotRunning = errors.New("twin is not running")
	// ErrDestroyed is returned when starting a twin that was stopped. A stopped
	// twin is destroyed and cannot be started again.
	ErrDestroyed = errors.New("twin is destroyed")
)

// An Option configures a DigitalTwin.
type Option func(*options)

type options struct {
	bus       *eventbus.Bus
	clock     func() time.Time
	shadowing []shadowing.Option
	lifecycle []lifecycle.Listener
	state     []state.Listener
	notifiers []state.Notifier
	workers   []namedWorker
}

type namedWorker struct {
	name string
	w    worker.Worker
}

// WithBus routes the twin over the given bus instead of a private one. Twins
// sharing a bus are isolated by their ids.
func WithBus(b *eventbus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithClock replaces the clock of the twin's state manager and lifecycle.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithPipeline pre-processes the events of the given category with p before
// they reach the shadowing function.
func WithPipeline(c event.Category, p *pipeline.Pipeline) Option {
	return func(o *options) { o.shadowing = append(o.shadowing, shadowing.WithPipeline(c, p)) }
}

// WithLifecycleListener registers l with the twin's lifecycle.
func WithLifecycleListener(l lifecycle.Listener) Option {
	return func(o *options) { o.lifecycle = append(o.lifecycle, l) }
}

// WithStateListener registers l for every commit of the twin state.
func WithStateListener(l state.Listener) Option {
	return func(o *options) { o.state = append(o.state, l) }
}

// WithNotifier registers n for every event notification of the twin.
func WithNotifier(n state.Notifier) Option {
	return func(o *options) { o.notifiers = append(o.notifiers, n) }
}

// WithWorker attaches a worker to the twin, e.g. a storage.Manager. Attached
// workers start, in order, before the twin is created and stop, in reverse
// order, once it is destroyed; they therefore see every lifecycle variation.
func WithWorker(name string, w worker.Worker) Option {
	return func(o *options) { o.workers = append(o.workers, namedWorker{name: name, w: w}) }
}

type physicalSlot struct {
	adapter adapter.Physical
	port    *adapter.PhysicalPort
}

type digitalSlot struct {
	adapter adapter.Digital
	port    *adapter.DigitalPort
}

// DigitalTwin is a single twin: a state kept in sync with physical assets by a
// shadowing function, exposed to consumers through digital adapters.
//
// A DigitalTwin owns its state manager, lifecycle machine and shadowing engine.
// Adapters are registered before Start. The twin is bound once every physical
// adapter reported a binding; it then runs the shadowing function, which
// eventually declares it synchronized.
type DigitalTwin struct {
	id        string
	bus       *eventbus.Bus
	manager   *state.Manager
	machine   *lifecycle.Machine
	shadowing *shadowing.Engine
	workers   []namedWorker

	mu       sync.Mutex // Guards the fields below.
	running  bool
	physical []physicalSlot
	digital  []digitalSlot
	bound    map[string]asset.Description // Descriptions of the bound physical adapters.
}

var _ worker.Worker = (*DigitalTwin)(nil)

// New returns a twin with the given id, shadowed by fn.
func New(id string, fn shadowing.Function, opts ...Option) (*DigitalTwin, error) {
	if id == "" {
		return nil, errors.New("new twin: empty id")
	}
	if fn == nil {
		return nil, errors.New("new twin: nil shadowing function")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.bus == nil {
		o.bus = eventbus.New()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	t := &DigitalTwin{
		id:      id,
		bus:     o.bus,
		workers: o.workers,
		bound:   make(map[string]asset.Description),
	}
	t.machine = lifecycle.NewMachine(id, lifecycle.WithPublisher(o.bus), lifecycle.WithClock(o.clock))
	t.manager = state.NewManager(id, state.WithClock(o.clock), state.WithListener(stateRelay{t}), state.WithNotifier(stateRelay{t}))
	for _, l := range o.state {
		t.manager.AddListener(l)
	}
	for _, n := range o.notifiers {
		t.manager.AddNotifier(n)
	}
	t.shadowing = shadowing.New(id, fn, o.bus, t.manager, t.machine, o.shadowing...)
	t.machine.AddListener(t.shadowing)
	for _, l := range o.lifecycle {
		t.machine.AddListener(l)
	}
	return t, nil
}

// ID returns the id of the twin.
func (t *DigitalTwin) ID() string { return t.id }

// Bus returns the bus the twin routes its events over.
func (t *DigitalTwin) Bus() *eventbus.Bus { return t.bus }

// StateManager returns the manager of the twin state.
func (t *DigitalTwin) StateManager() *state.Manager { return t.manager }

// Lifecycle returns the lifecycle machine of the twin.
func (t *DigitalTwin) Lifecycle() *lifecycle.Machine { return t.machine }

// Shadowing returns the shadowing engine of the twin.
func (t *DigitalTwin) Shadowing() *shadowing.Engine { return t.shadowing }

// Running reports whether the twin was started and not stopped since.
func (t *DigitalTwin) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// AddPhysicalAdapter registers a physical adapter. The twin accepts up to
// adapter.MaxAdapters physical adapters, each under a distinct id.
func (t *DigitalTwin) AddPhysicalAdapter(a adapter.Physical) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.physical))
	for i, s := range t.physical {
		ids[i] = s.adapter.ID()
	}
	if err := t.admit("add physical adapter", a.ID(), ids); err != nil {
		return err
	}
	t.physical = append(t.physical, physicalSlot{
		adapter: a,
		port:    adapter.NewPhysicalPort(t.id, a, t.bus, t),
	})
	return nil
}

// AddDigitalAdapter registers a digital adapter. The twin accepts up to
// adapter.MaxAdapters digital adapters, each under a distinct id.
func (t *DigitalTwin) AddDigitalAdapter(a adapter.Digital) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.digital))
	for i, s := range t.digital {
		ids[i] = s.adapter.ID()
	}
	if err := t.admit("add digital adapter", a.ID(), ids); err != nil {
		return err
	}
	port := adapter.NewDigitalPort(t.id, a, t.bus, t.machine)
	t.machine.AddListener(port)
	t.digital = append(t.digital, digitalSlot{adapter: a, port: port})
	return nil
}

// admit checks that an adapter with the given id may join the registered ones.
// The caller holds t.mu.
func (t *DigitalTwin) admit(op, id string, registered []string) error {
	switch {
	case t.running:
		return &adapter.Error{AdapterID: id, Op: op, Err: ErrRunning}
	case id == "":
		return &adapter.Error{AdapterID: id, Op: op, Err: errors.New("empty id")}
	case slices.Contains(registered, id):
		return &adapter.Error{AdapterID: id, Op: op, Err: adapter.ErrDuplicateAdapter}
	case len(registered) >= adapter.MaxAdapters:
		return &adapter.Error{AdapterID: id, Op: op, Err: adapter.ErrTooManyAdapters}
	}
	return nil
}

// Start creates and starts the twin, then starts its adapters concurrently.
// A twin starts once: after Stop it is destroyed, and Start returns
// ErrDestroyed without starting anything.
//
// A physical adapter that fails to start is stopped and reported unbound with
// its start error. A digital adapter that fails to start is stopped and
// reported unbound. Start returns the first adapter failure, if any; the twin
// keeps running regardless, and must be stopped with Stop.
func (t *DigitalTwin) Start(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "twinsync.DigitalTwin.Start", trace.WithAttributes(
		attribute.String("twin.id", t.id),
	))
	defer span.End()
	defer func(start time.Time) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		measureStart(ctx, t.id, err == nil, time.Since(start))
	}(time.Now())

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("start twin %q: %w", t.id, ErrRunning)
	}
	if t.machine.Current() != lifecycle.None {
		t.mu.Unlock()
		return fmt.Errorf("start twin %q: %w", t.id, ErrDestroyed)
	}
	t.running = true
	physical, digital := slices.Clone(t.physical), slices.Clone(t.digital)
	t.mu.Unlock()

	logger := component.Logger(ctx).With(slog.String("twin-id", t.id))
	logger.Info("Starting twin...",
		slog.Int("physical-adapters", len(physical)),
		slog.Int("digital-adapters", len(digital)),
	)
	for i, w := range t.workers {
		if err := worker.Start(ctx, w.name, w.w); err != nil {
			t.stopWorkers(ctx, t.workers[:i])
			return t.abortStart(fmt.Errorf("start twin %q: %w", t.id, err))
		}
	}
	if err := t.machine.Create(ctx); err != nil {
		return t.abortStart(errors.Join(fmt.Errorf("start twin %q: %w", t.id, err), t.stopWorkers(ctx, t.workers)))
	}
	if err := t.machine.Start(ctx); err != nil {
		return t.abortStart(errors.Join(fmt.Errorf("start twin %q: %w", t.id, err), t.stopWorkers(ctx, t.workers)))
	}

	var g errgroup.Group
	for _, s := range physical {
		g.Go(func() error {
			err := worker.Start(ctx, "physical adapter "+s.adapter.ID(), worker.Funcs{
				StartFunc: func(ctx context.Context) error { return s.adapter.Start(ctx, s.port) },
				StopFunc:  s.adapter.Stop,
			})
			if err != nil {
				t.failPhysical(ctx, s, err)
			}
			return err
		})
	}
	for _, s := range digital {
		g.Go(func() error {
			err := worker.Start(ctx, "digital adapter "+s.adapter.ID(), worker.Funcs{
				StartFunc: func(ctx context.Context) error { return s.adapter.Start(ctx, s.port) },
				StopFunc:  s.adapter.Stop,
			})
			if err != nil {
				t.machine.DigitalAdapterUnBound(ctx, s.adapter.ID(), err)
				return err
			}
			s.port.NotifyBound(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start twin %q: %w", t.id, err)
	}
	logger.Info("Twin started", slog.String("lifecycle", t.machine.Current().String()))
	return nil
}

// stopWorkers stops the given workers in reverse order and returns their
// failures joined.
func (t *DigitalTwin) stopWorkers(ctx context.Context, workers []namedWorker) error {
	var errs []error
	for _, w := range slices.Backward(workers) {
		if err := w.w.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", w.name, err))
		}
	}
	return errors.Join(errs...)
}

func (t *DigitalTwin) abortStart(err error) error {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
	return err
}

// failPhysical reports a physical adapter that failed to start as unbound with
// the start error.
func (t *DigitalTwin) failPhysical(ctx context.Context, s physicalSlot, cause error) {
	if _, bound := s.port.Description(); bound {
		if err := s.port.NotifyUnBound(ctx, cause); err != nil {
			component.Logger(ctx).Error("Couldn't release the binding of a failed adapter",
				slog.String("twin-id", t.id),
				slog.String("adapter-id", s.adapter.ID()),
				slog.Any("error", err),
			)
		}
		return
	}
	t.PhysicalAdapterUnBound(ctx, s.adapter.ID(), asset.Description{}, cause)
}

// Stop stops the adapters of the twin concurrently, then stops and destroys the
// twin. A destroyed twin cannot be started again.
func (t *DigitalTwin) Stop(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "twinsync.DigitalTwin.Stop", trace.WithAttributes(
		attribute.String("twin.id", t.id),
	))
	defer span.End()

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("stop twin %q: %w", t.id, ErrNotRunning)
	}
	t.running = false
	physical, digital := slices.Clone(t.physical), slices.Clone(t.digital)
	t.mu.Unlock()

	logger := component.Logger(ctx).With(slog.String("twin-id", t.id))
	logger.Info("Stopping twin...")

	var g errgroup.Group
	for _, s := range digital {
		g.Go(func() error {
			if err := s.adapter.Stop(ctx); err != nil {
				return fmt.Errorf("stop digital adapter %q: %w", s.adapter.ID(), err)
			}
			return nil
		})
	}
	for _, s := range physical {
		g.Go(func() error {
			if err := s.adapter.Stop(ctx); err != nil {
				return fmt.Errorf("stop physical adapter %q: %w", s.adapter.ID(), err)
			}
			return nil
		})
	}
	adaptersErr := g.Wait()
	if adaptersErr != nil {
		logger.Error("Couldn't stop every adapter", slog.Any("error", adaptersErr))
	}

	err := errors.Join(adaptersErr, t.machine.Stop(ctx), t.machine.Destroy(ctx), t.stopWorkers(ctx, t.workers))
	t.bus.Reset(t.id)
	countStopped(ctx, t.id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("stop twin %q: %w", t.id, err)
	}
	logger.Info("Twin stopped")
	return nil
}

// PhysicalAdapterBound records the binding of a physical adapter and binds the
// twin once every physical adapter is bound.
func (t *DigitalTwin) PhysicalAdapterBound(ctx context.Context, adapterID string, d asset.Description) {
	t.mu.Lock()
	t.bound[adapterID] = d.Clone()
	all := len(t.bound) == len(t.physical)
	descriptions := t.descriptions()
	t.mu.Unlock()

	t.machine.PhysicalAdapterBound(ctx, adapterID, d)
	t.publishDescription(ctx, event.PhysicalDescriptionAvailable, adapterID, d)
	if !all {
		return
	}
	if err := t.machine.Bind(ctx, descriptions); err != nil {
		component.Logger(ctx).Error("Couldn't bind twin",
			slog.String("twin-id", t.id),
			slog.Any("error", err),
		)
	}
}

// PhysicalAdapterBindingUpdate records the new description of a bound physical
// adapter.
func (t *DigitalTwin) PhysicalAdapterBindingUpdate(ctx context.Context, adapterID string, d asset.Description) {
	t.mu.Lock()
	t.bound[adapterID] = d.Clone()
	t.mu.Unlock()

	t.machine.PhysicalAdapterBindingUpdate(ctx, adapterID, d)
	t.publishDescription(ctx, event.PhysicalDescriptionUpdated, adapterID, d)
}

// PhysicalAdapterUnBound forgets the binding of a physical adapter and unbinds
// the twin.
func (t *DigitalTwin) PhysicalAdapterUnBound(ctx context.Context, adapterID string, d asset.Description, cause error) {
	t.mu.Lock()
	delete(t.bound, adapterID)
	descriptions := t.descriptions()
	t.mu.Unlock()

	t.machine.PhysicalAdapterUnBound(ctx, adapterID, d, cause)
	if err := t.machine.UnBind(ctx, descriptions, cause); err != nil {
		component.Logger(ctx).Error("Couldn't unbind twin",
			slog.String("twin-id", t.id),
			slog.String("adapter-id", adapterID),
			slog.Any("error", err),
		)
	}
}

// descriptions returns a copy of the descriptions of the bound adapters. The
// caller holds t.mu.
func (t *DigitalTwin) descriptions() map[string]asset.Description {
	c := maps.Clone(t.bound)
	for id, d := range c {
		c[id] = d.Clone()
	}
	return c
}

// BoundAdapters returns the ids of the bound physical adapters, sorted.
func (t *DigitalTwin) BoundAdapters() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.bound))
}

func (t *DigitalTwin) publishDescription(ctx context.Context, c event.Category, adapterID string, d asset.Description) {
	ev, err := event.New(event.MustType(c, ""), d, event.WithMetadata(event.MetaAdapterID, adapterID))
	if err == nil {
		err = t.bus.Publish(ctx, t.id, PublisherID, ev)
	}
	if err != nil {
		component.Logger(ctx).Error("Couldn't publish physical asset description",
			slog.String("twin-id", t.id),
			slog.String("adapter-id", adapterID),
			slog.Any("error", err),
		)
	}
}

// stateRelay publishes the commits and event notifications of a twin's state
// manager on the twin's bus, where digital adapters observe them.
type stateRelay struct {
	t *DigitalTwin
}

func (r stateRelay) OnStateUpdate(ctx context.Context, next, prev state.State, changes []state.Change) error {
	ev, err := state.NewUpdateEvent(state.Update{Next: next, Previous: prev, Changes: changes})
	if err != nil {
		return fmt.Errorf("relay state update: %w", err)
	}
	if err := r.t.bus.Publish(ctx, r.t.id, PublisherID, ev); err != nil {
		return fmt.Errorf("relay state update: %w", err)
	}
	return nil
}

func (r stateRelay) OnEventNotification(ctx context.Context, n state.EventNotification) error {
	ev, err := state.NewNotificationEvent(n)
	if err != nil {
		return fmt.Errorf("relay event notification: %w", err)
	}
	if err := r.t.bus.Publish(ctx, r.t.id, PublisherID, ev); err != nil {
		return fmt.Errorf("relay event notification: %w", err)
	}
	return nil
}
