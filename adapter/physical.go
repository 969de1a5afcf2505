/*
Package adapter connects physical and digital adapters to a twin.

Adapters are collaborators of the twin: they own the protocol-specific I/O
towards physical assets and external consumers and reach the twin only through
a port. A PhysicalPort lets a physical adapter report its binding and publish
physical events; a DigitalPort lets a digital adapter observe the twin state and
event notifications and publish digital actions. Ports route everything over the
twin's event bus under the adapter's id.
*/
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
)

// Bus is the part of the event bus ports route through.
type Bus interface {
	Publish(ctx context.Context, twinID, publisherID string, ev event.Event) error
	Subscribe(twinID, subscriberID string, filter []string, h eventbus.Handler) error
	Unsubscribe(twinID, subscriberID string, filter []string) error
}

// Physical is implemented by physical adapters.
//
// Start is called once when the twin starts. It must not block on the adapter's
// I/O: long-running work belongs to goroutines the adapter owns and stops in
// Stop. An adapter reports its binding through the port, from Start or later.
type Physical interface {
	ID() string
	Start(ctx context.Context, port *PhysicalPort) error
	Stop(ctx context.Context) error
	// OnIncomingPhysicalAction receives the physical action events for the
	// actions of the adapter's current description.
	OnIncomingPhysicalAction(ctx context.Context, ev event.Event) error
}

// PhysicalListener receives the binding reports of physical adapters.
type PhysicalListener interface {
	PhysicalAdapterBound(ctx context.Context, adapterID string, d asset.Description)
	PhysicalAdapterBindingUpdate(ctx context.Context, adapterID string, d asset.Description)
	PhysicalAdapterUnBound(ctx context.Context, adapterID string, d asset.Description, cause error)
}

// PhysicalPort is the twin side of a physical adapter. A port holds at most one
// active binding: a second NotifyBound without NotifyUnBound in between fails.
type PhysicalPort struct {
	twinID   string
	adapter  Physical
	bus      Bus
	listener PhysicalListener

	mu          sync.Mutex // Guards the fields below.
	bound       bool
	description asset.Description
	actions     []string // Filters of the physical action subscription.
}

// NewPhysicalPort returns the port of a physical adapter of the given twin.
func NewPhysicalPort(twinID string, a Physical, bus Bus, l PhysicalListener) *PhysicalPort {
	return &PhysicalPort{twinID: twinID, adapter: a, bus: bus, listener: l}
}

// AdapterID returns the id of the adapter the port serves.
func (p *PhysicalPort) AdapterID() string { return p.adapter.ID() }

// TwinID returns the id of the twin the port belongs to.
func (p *PhysicalPort) TwinID() string { return p.twinID }

// Description returns the description of the current binding, if any.
func (p *PhysicalPort) Description() (asset.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.description.Clone(), p.bound
}

// NotifyBound reports that the adapter bound with the given description. The
// port subscribes the adapter to the physical actions of the description
// before the twin hears of the binding.
func (p *PhysicalPort) NotifyBound(ctx context.Context, d asset.Description) error {
	p.mu.Lock()
	if p.bound {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify bound", Err: ErrAlreadyBound}
	}
	if err := p.subscribeActions(d); err != nil {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify bound", Err: err}
	}
	p.bound = true
	p.description = d.Clone()
	p.mu.Unlock()

	countBinding(ctx, p.twinID, p.AdapterID(), "bound")
	component.Logger(ctx).Info("Physical adapter bound",
		slog.String("twin-id", p.twinID),
		slog.String("adapter-id", p.AdapterID()),
	)
	p.listener.PhysicalAdapterBound(ctx, p.AdapterID(), d.Clone())
	return nil
}

// NotifyBindingUpdate replaces the description of the current binding. The
// action subscription follows the new description.
func (p *PhysicalPort) NotifyBindingUpdate(ctx context.Context, d asset.Description) error {
	p.mu.Lock()
	if !p.bound {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify binding update", Err: ErrNotBound}
	}
	if err := p.unsubscribeActions(); err != nil {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify binding update", Err: err}
	}
	if err := p.subscribeActions(d); err != nil {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify binding update", Err: err}
	}
	p.description = d.Clone()
	p.mu.Unlock()

	countBinding(ctx, p.twinID, p.AdapterID(), "updated")
	component.Logger(ctx).Info("Physical adapter updated its binding",
		slog.String("twin-id", p.twinID),
		slog.String("adapter-id", p.AdapterID()),
	)
	p.listener.PhysicalAdapterBindingUpdate(ctx, p.AdapterID(), d.Clone())
	return nil
}

// NotifyUnBound reports that the adapter lost its binding, for the given cause
// if any. The adapter stops receiving physical actions.
func (p *PhysicalPort) NotifyUnBound(ctx context.Context, cause error) error {
	p.mu.Lock()
	if !p.bound {
		p.mu.Unlock()
		return &Error{AdapterID: p.AdapterID(), Op: "notify unbound", Err: ErrNotBound}
	}
	err := p.unsubscribeActions()
	d := p.description
	p.bound = false
	p.description = asset.Description{}
	p.mu.Unlock()
	if err != nil {
		err = &Error{AdapterID: p.AdapterID(), Op: "notify unbound", Err: err}
	}

	countBinding(ctx, p.twinID, p.AdapterID(), "unbound")
	component.Logger(ctx).Info("Physical adapter unbound",
		slog.String("twin-id", p.twinID),
		slog.String("adapter-id", p.AdapterID()),
		slog.Any("cause", cause),
	)
	p.listener.PhysicalAdapterUnBound(ctx, p.AdapterID(), d, cause)
	return err
}

// subscribeActions subscribes the port to the actions of d. The caller holds
// p.mu.
func (p *PhysicalPort) subscribeActions(d asset.Description) error {
	filter := make([]string, 0, len(d.Actions))
	for _, key := range d.ActionKeys() {
		t, err := event.NewType(event.PhysicalAction, key)
		if err != nil {
			return fmt.Errorf("action %q: %w", key, err)
		}
		filter = append(filter, t.String())
	}
	if len(filter) == 0 {
		return nil
	}
	if err := p.bus.Subscribe(p.twinID, p.AdapterID(), filter, eventbus.HandlerFunc(p.handleAction)); err != nil {
		return fmt.Errorf("subscribe actions: %w", err)
	}
	p.actions = filter
	return nil
}

// unsubscribeActions drops the action subscription. The caller holds p.mu.
func (p *PhysicalPort) unsubscribeActions() error {
	if len(p.actions) == 0 {
		return nil
	}
	if err := p.bus.Unsubscribe(p.twinID, p.AdapterID(), p.actions); err != nil {
		return fmt.Errorf("unsubscribe actions: %w", err)
	}
	p.actions = nil
	return nil
}

// Actions returns the filters the adapter receives physical actions under.
func (p *PhysicalPort) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.actions)
}

func (p *PhysicalPort) handleAction(ctx context.Context, ev event.Event) error {
	ctx, span := tracer.Start(ctx, "adapter.PhysicalPort.handleAction", trace.WithAttributes(
		attribute.String("adapter.id", p.AdapterID()),
		attribute.String("event.type", ev.Type().String()),
	))
	defer span.End()

	if err := p.adapter.OnIncomingPhysicalAction(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &Error{AdapterID: p.AdapterID(), Op: "incoming physical action", Err: err}
	}
	return nil
}

// PublishProperty publishes a variation of the physical property with the
// given key.
func (p *PhysicalPort) PublishProperty(ctx context.Context, key string, value any) error {
	return p.publish(ctx, "publish property")(event.NewPhysicalProperty(key, value, p.origin()))
}

// PublishEvent publishes a notification of the physical event with the given
// key.
func (p *PhysicalPort) PublishEvent(ctx context.Context, key string, body any) error {
	return p.publish(ctx, "publish event")(event.NewPhysicalEvent(key, body, p.origin()))
}

// PublishRelationshipCreated publishes that the physical asset entered the
// given relationship instance.
func (p *PhysicalPort) PublishRelationshipCreated(ctx context.Context, r event.RelationshipInstance) error {
	return p.publish(ctx, "publish relationship created")(event.NewPhysicalRelationshipCreated(r, p.origin()))
}

// PublishRelationshipDeleted publishes that the physical asset left the given
// relationship instance.
func (p *PhysicalPort) PublishRelationshipDeleted(ctx context.Context, r event.RelationshipInstance) error {
	return p.publish(ctx, "publish relationship deleted")(event.NewPhysicalRelationshipDeleted(r, p.origin()))
}

func (p *PhysicalPort) origin() event.Option {
	return event.WithMetadata(event.MetaAdapterID, p.AdapterID())
}

// publish returns a function publishing the event it receives, meant to be
// called with the results of an event constructor.
func (p *PhysicalPort) publish(ctx context.Context, op string) func(event.Event, error) error {
	return func(ev event.Event, err error) error {
		return publish(ctx, p.bus, p.twinID, p.AdapterID(), op, ev, err)
	}
}

func publish(ctx context.Context, bus Bus, twinID, adapterID, op string, ev event.Event, err error) error {
	if err != nil {
		return &Error{AdapterID: adapterID, Op: op, Err: err}
	}
	if err := bus.Publish(ctx, twinID, adapterID, ev); err != nil {
		return &Error{AdapterID: adapterID, Op: op, Err: err}
	}
	countPublished(ctx, twinID, adapterID, string(ev.Type().Category))
	return nil
}
