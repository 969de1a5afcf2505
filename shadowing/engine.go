/*
Package shadowing runs the shadowing function of a twin: the user-supplied logic
that turns observations of the physical assets into twin state transactions.

The Engine subscribes, on the twin's event bus, to exactly the physical keys the
Function asks to observe, gates physical events until the twin is bound, passes
them through optional per-category pipelines and finally hands them to the
Function's hooks. It also relays lifecycle transitions to the Function and lets
the Function declare the twin synchronized with its physical counterpart.
*/
package shadowing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/pipeline"
	"github.com/go-digitaltwin/twinsync/state"
)

// SubscriberID identifies the Engine on the event bus of its twin.
const SubscriberID = "dt.shadowing.engine"

// Bus is the part of an event bus the Engine depends on. *eventbus.Bus
// implements it.
type Bus interface {
	Publish(ctx context.Context, twinID, publisherID string, ev event.Event) error
	Subscribe(twinID, subscriberID string, filter []string, h eventbus.Handler) error
	Unsubscribe(twinID, subscriberID string, filter []string) error
}

// A SyncListener is told when the Function declares the twin state in or out of
// sync with the physical assets. *lifecycle.Machine implements it.
type SyncListener interface {
	Sync(ctx context.Context, s state.State) error
	UnSync(ctx context.Context, s state.State) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPipeline runs every event of category c through p before it reaches the
// Function. Events the pipeline skips or fails never reach the Function.
func WithPipeline(c event.Category, p *pipeline.Pipeline) Option {
	return func(e *Engine) { e.pipelines[c] = p }
}

// Engine runs a Function on behalf of a twin. It is a lifecycle.Listener of
// the twin and an eventbus.Handler of the events it observes.
type Engine struct {
	twinID  string
	fn      Function
	bus     Bus
	manager *state.Manager
	sync    SyncListener

	mu        sync.Mutex // Guards the fields below.
	bound     bool
	shadowed  bool
	observed  map[string]bool // Filters currently subscribed.
	pipelines map[event.Category]*pipeline.Pipeline
}

var (
	_ lifecycle.Listener = (*Engine)(nil)
	_ eventbus.Handler   = (*Engine)(nil)
)

// New returns an Engine running fn for the given twin. The engine publishes
// and subscribes on bus, exposes manager to fn and reports synchronization to
// syncer.
func New(twinID string, fn Function, bus Bus, manager *state.Manager, syncer SyncListener, opts ...Option) *Engine {
	e := &Engine{
		twinID:    twinID,
		fn:        fn,
		bus:       bus,
		manager:   manager,
		sync:      syncer,
		observed:  make(map[string]bool),
		pipelines: make(map[event.Category]*pipeline.Pipeline),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TwinID returns the id of the twin the Engine works for.
func (e *Engine) TwinID() string { return e.twinID }

// StateManager returns the state manager of the twin.
func (e *Engine) StateManager() *state.Manager { return e.manager }

// Bound reports whether all physical adapters of the twin are bound.
func (e *Engine) Bound() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bound
}

// Shadowed reports whether the initial shadowing of the physical asset
// descriptions into the state took place.
func (e *Engine) Shadowed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shadowed
}

// MarkShadowed records that the initial shadowing took place.
func (e *Engine) MarkShadowed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shadowed = true
}

// SetPipeline attaches p to category c, replacing the previous pipeline. A nil
// pipeline detaches it.
func (e *Engine) SetPipeline(c event.Category, p *pipeline.Pipeline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p == nil {
		delete(e.pipelines, c)
		return
	}
	e.pipelines[c] = p
}

// Observed returns the bus filters the Engine is subscribed to, sorted.
func (e *Engine) Observed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.observed))
}

// ObservePhysicalAssetProperties subscribes to the variations of exactly the
// given property keys.
func (e *Engine) ObservePhysicalAssetProperties(ctx context.Context, keys []string) error {
	return e.observe(ctx, filters(keys, event.PhysicalProperty))
}

// UnobservePhysicalAssetProperties cancels the subscription to the given
// property keys.
func (e *Engine) UnobservePhysicalAssetProperties(ctx context.Context, keys []string) error {
	return e.unobserve(ctx, filters(keys, event.PhysicalProperty))
}

// ObservePhysicalAssetEvents subscribes to the notifications of exactly the
// given physical event keys.
func (e *Engine) ObservePhysicalAssetEvents(ctx context.Context, keys []string) error {
	return e.observe(ctx, filters(keys, event.PhysicalEvent))
}

// UnobservePhysicalAssetEvents cancels the subscription to the given physical
// event keys.
func (e *Engine) UnobservePhysicalAssetEvents(ctx context.Context, keys []string) error {
	return e.unobserve(ctx, filters(keys, event.PhysicalEvent))
}

// ObservePhysicalAssetRelationships subscribes to the creation and deletion of
// instances of exactly the given relationships.
func (e *Engine) ObservePhysicalAssetRelationships(ctx context.Context, names []string) error {
	return e.observe(ctx, filters(names, event.PhysicalRelationshipCreated, event.PhysicalRelationshipDeleted))
}

// UnobservePhysicalAssetRelationships cancels the subscription to the given
// relationships.
func (e *Engine) UnobservePhysicalAssetRelationships(ctx context.Context, names []string) error {
	return e.unobserve(ctx, filters(names, event.PhysicalRelationshipCreated, event.PhysicalRelationshipDeleted))
}

// ObserveDigitalActionEvents subscribes to every digital action of the twin.
func (e *Engine) ObserveDigitalActionEvents(ctx context.Context) error {
	return e.observe(ctx, []string{event.DigitalAction.Any()})
}

// UnobserveDigitalActionEvents cancels the subscription to digital actions.
func (e *Engine) UnobserveDigitalActionEvents(ctx context.Context) error {
	return e.unobserve(ctx, []string{event.DigitalAction.Any()})
}

func filters(keys []string, categories ...event.Category) []string {
	out := make([]string, 0, len(keys)*len(categories))
	for _, c := range categories {
		for _, k := range keys {
			out = append(out, event.Type{Category: c, Key: k}.String())
		}
	}
	return out
}

func (e *Engine) observe(ctx context.Context, filter []string) error {
	if len(filter) == 0 {
		return nil
	}
	if err := e.bus.Subscribe(e.twinID, SubscriberID, filter, e); err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	e.mu.Lock()
	for _, f := range filter {
		e.observed[f] = true
	}
	e.mu.Unlock()
	component.Logger(ctx).Debug("Shadowing engine observes events",
		slog.String("twin-id", e.twinID),
		slog.Any("filter", filter),
	)
	return nil
}

func (e *Engine) unobserve(ctx context.Context, filter []string) error {
	if len(filter) == 0 {
		return nil
	}
	if err := e.bus.Unsubscribe(e.twinID, SubscriberID, filter); err != nil {
		return fmt.Errorf("unobserve: %w", err)
	}
	e.mu.Lock()
	for _, f := range filter {
		delete(e.observed, f)
	}
	e.mu.Unlock()
	component.Logger(ctx).Debug("Shadowing engine stopped observing events",
		slog.String("twin-id", e.twinID),
		slog.Any("filter", filter),
	)
	return nil
}

// PublishPhysicalAssetAction asks the physical adapters to execute the action
// with the given key.
func (e *Engine) PublishPhysicalAssetAction(ctx context.Context, key string, body any) error {
	ev, err := event.NewPhysicalAction(key, body)
	if err != nil {
		return fmt.Errorf("publish physical action: %w", err)
	}
	if err := e.bus.Publish(ctx, e.twinID, SubscriberID, ev); err != nil {
		return fmt.Errorf("publish physical action: %w", err)
	}
	return nil
}

// NotifyShadowingSync declares the twin state in sync with the physical assets.
// The twin moves to the synchronized state, which starts the delivery of state
// updates to digital adapters.
func (e *Engine) NotifyShadowingSync(ctx context.Context) error {
	if err := e.sync.Sync(ctx, e.manager.State(ctx)); err != nil {
		return fmt.Errorf("notify shadowing sync: %w", err)
	}
	return nil
}

// NotifyShadowingOutOfSync declares the twin state out of sync with the
// physical assets.
func (e *Engine) NotifyShadowingOutOfSync(ctx context.Context) error {
	if err := e.sync.UnSync(ctx, e.manager.State(ctx)); err != nil {
		return fmt.Errorf("notify shadowing out of sync: %w", err)
	}
	return nil
}

// ApplyDescriptions creates, in a single transaction, the union of the
// properties, actions, events and relationships of the given descriptions.
// Entries already present in the state are left untouched, which makes
// repeated calls idempotent. Adapters are applied in the order of their ids;
// the first description of a key wins.
//
// ApplyDescriptions marks the Engine shadowed once the transaction committed.
func (e *Engine) ApplyDescriptions(ctx context.Context, descriptions map[string]asset.Description) error {
	err := e.manager.Update(ctx, func(tx *state.Tx) error {
		current := tx.State()
		for _, id := range slices.Sorted(maps.Keys(descriptions)) {
			if err := apply(tx, &current, descriptions[id]); err != nil {
				return fmt.Errorf("adapter %q: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply descriptions: %w", err)
	}
	e.MarkShadowed()
	return nil
}

// apply creates the entries of d missing from current, recording them in
// current as it goes.
func apply(tx *state.Tx, current *state.State, d asset.Description) error {
	var errs []error
	for _, p := range d.Properties {
		if current.ContainsProperty(p.Key) {
			continue
		}
		sp := state.Property{Key: p.Key, Value: p.Initial, Type: p.Type, Readable: p.Readable, Writable: p.Writable, Exposed: true}
		errs = append(errs, tx.CreateProperty(sp))
		mark(&current.Properties, p.Key, sp)
	}
	for _, a := range d.Actions {
		if current.ContainsAction(a.Key) {
			continue
		}
		sa := state.Action{Key: a.Key, Type: a.Type, ContentType: a.ContentType}
		errs = append(errs, tx.EnableAction(sa))
		mark(&current.Actions, a.Key, sa)
	}
	for _, ev := range d.Events {
		if current.ContainsEvent(ev.Key) {
			continue
		}
		se := state.EventDecl{Key: ev.Key, Type: ev.Type}
		errs = append(errs, tx.RegisterEvent(se))
		mark(&current.Events, ev.Key, se)
	}
	for _, r := range d.Relationships {
		if current.ContainsRelationship(r.Name) {
			continue
		}
		sr := state.Relationship{Name: r.Name, Type: r.Type}
		errs = append(errs, tx.CreateRelationship(sr))
		mark(&current.Relationships, r.Name, sr)
	}
	return errors.Join(errs...)
}

func mark[V any](m *map[string]V, key string, v V) {
	if *m == nil {
		*m = make(map[string]V)
	}
	(*m)[key] = v
}

// HandleEvent delivers an observed event to the Function.
func (e *Engine) HandleEvent(ctx context.Context, ev event.Event) (err error) {
	c := ev.Type().Category
	logger := component.Logger(ctx).With(
		slog.String("twin-id", e.twinID),
		slog.String("event-type", ev.Type().String()),
	)

	if isPhysical(c) && !e.Bound() {
		countDropped(ctx, e.twinID, c, "unbound")
		logger.Debug("Dropped physical event of an unbound twin")
		return nil
	}

	e.mu.Lock()
	p := e.pipelines[c]
	e.mu.Unlock()
	if p != nil {
		var outcome runOutcome
		if err := p.Start(ctx, ev, &outcome); err != nil {
			countDropped(ctx, e.twinID, c, "pipeline-failed")
			logger.Error("Pipeline failed to process event", slog.Any("error", err))
			return nil
		}
		if !outcome.ok {
			countDropped(ctx, e.twinID, c, "pipeline-skipped")
			logger.Debug("Pipeline skipped event")
			return nil
		}
		if processed, ok := outcome.result.(event.Event); ok {
			ev = processed
		}
	}

	ctx, span := tracer.Start(ctx, "shadowing.HandleEvent", trace.WithAttributes(
		attribute.String("twin.id", e.twinID),
		attribute.String("event.type", ev.Type().String()),
	))
	defer span.End()

	switch c {
	case event.PhysicalProperty:
		err = e.fn.OnPhysicalAssetPropertyVariation(ctx, e, ev)
	case event.PhysicalEvent:
		err = e.fn.OnPhysicalAssetEventNotification(ctx, e, ev)
	case event.PhysicalRelationshipCreated:
		err = e.fn.OnPhysicalAssetRelationshipEstablished(ctx, e, ev)
	case event.PhysicalRelationshipDeleted:
		err = e.fn.OnPhysicalAssetRelationshipDeleted(ctx, e, ev)
	case event.DigitalAction:
		err = e.fn.OnDigitalActionEvent(ctx, e, ev)
	default:
		logger.Warn("Shadowing engine received an event it does not handle")
		return nil
	}
	countHandled(ctx, e.twinID, c, err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("shadowing function: %w", err)
	}
	return nil
}

func isPhysical(c event.Category) bool {
	switch c {
	case event.PhysicalProperty, event.PhysicalEvent, event.PhysicalRelationshipCreated, event.PhysicalRelationshipDeleted:
		return true
	}
	return false
}

// runOutcome remembers the outcome of a pipeline run.
type runOutcome struct {
	result any
	ok     bool
}

func (d *runOutcome) OnPipelineDone(_ context.Context, result any, ok bool) {
	d.result, d.ok = result, ok
}

func (d *runOutcome) OnPipelineError(context.Context, error) {}

// The Engine relays lifecycle transitions to its Function.

func (e *Engine) OnCreate(ctx context.Context) error { return e.fn.OnCreate(ctx, e) }
func (e *Engine) OnStart(ctx context.Context) error { return e.fn.OnStart(ctx, e) }

func (e *Engine) OnPhysicalAdapterBound(context.Context, string, asset.Description) error {
	return nil
}

func (e *Engine) OnPhysicalAdapterBindingUpdate(ctx context.Context, adapterID string, d asset.Description) error {
	return e.fn.OnPhysicalAdapterBindingUpdate(ctx, e, adapterID, d)
}

func (e *Engine) OnPhysicalAdapterUnBound(context.Context, string, asset.Description, error) error {
	return nil
}

func (e *Engine) OnDigitalAdapterBound(context.Context, string) error { return nil }
func (e *Engine) OnDigitalAdapterUnBound(context.Context, string, error) error { return nil }

func (e *Engine) OnDigitalTwinBound(ctx context.Context, descriptions map[string]asset.Description) error {
	e.mu.Lock()
	e.bound = true
	e.mu.Unlock()
	return e.fn.OnDigitalTwinBound(ctx, e, descriptions)
}

func (e *Engine) OnDigitalTwinUnBound(ctx context.Context, descriptions map[string]asset.Description, cause error) error {
	e.mu.Lock()
	e.bound = false
	e.mu.Unlock()
	return e.fn.OnDigitalTwinUnBound(ctx, e, descriptions, cause)
}

func (e *Engine) OnSync(context.Context, state.State) error { return nil }
func (e *Engine) OnUnSync(context.Context, state.State) error { return nil }

// OnStop stops the Function and drops every subscription of the Engine.
func (e *Engine) OnStop(ctx context.Context) error {
	err := e.fn.OnStop(ctx, e)
	e.mu.Lock()
	filter := slices.Collect(maps.Keys(e.observed))
	e.bound = false
	e.mu.Unlock()
	return errors.Join(err, e.unobserve(ctx, filter))
}

func (e *Engine) OnDestroy(context.Context) error { return nil }
