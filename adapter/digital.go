package adapter

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
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/state"
)

// Digital is implemented by digital adapters.
//
// Start follows the contract of Physical.Start. A digital adapter counts as
// bound once Start returned successfully.
type Digital interface {
	ID() string
	Start(ctx context.Context, port *DigitalPort) error
	Stop(ctx context.Context) error
	// OnStateUpdate receives every commit of the twin state while the twin is
	// synchronized.
	OnStateUpdate(ctx context.Context, next, prev state.State, changes []state.Change) error
	// OnEventNotificationReceived receives the notifications of the events the
	// adapter observes.
	OnEventNotificationReceived(ctx context.Context, n state.EventNotification) error
}

// DigitalLifecycle is implemented by digital adapters that follow the lifecycle
// of their twin. Its hooks are optional; the port calls them when the adapter
// implements the interface.
type DigitalLifecycle interface {
	OnDigitalTwinCreate(ctx context.Context) error
	OnDigitalTwinStart(ctx context.Context) error
	OnDigitalTwinSync(ctx context.Context, s state.State) error
	OnDigitalTwinUnSync(ctx context.Context, s state.State) error
	OnDigitalTwinStop(ctx context.Context) error
	OnDigitalTwinDestroy(ctx context.Context) error
}

// DigitalListener receives the binding reports of digital adapters.
// lifecycle.Machine implements it.
type DigitalListener interface {
	DigitalAdapterBound(ctx context.Context, adapterID string)
	DigitalAdapterUnBound(ctx context.Context, adapterID string, cause error)
}

var _ DigitalListener = (*lifecycle.Machine)(nil)

// DigitalPort is the twin side of a digital adapter.
//
// A DigitalPort is a lifecycle.Listener: it starts observing the twin state
// when the twin synchronizes and stops when the twin falls out of sync, loses
// its binding or stops. State updates therefore only reach the adapter while
// the twin is synchronized.
type DigitalPort struct {
	lifecycle.NopListener

	twinID   string
	adapter  Digital
	bus      Bus
	listener DigitalListener

	mu            sync.Mutex // Guards the fields below.
	observesState bool
	notifications map[string]bool // Observed notification filters.
}

var _ lifecycle.Listener = (*DigitalPort)(nil)

// NewDigitalPort returns the port of a digital adapter of the given twin.
func NewDigitalPort(twinID string, a Digital, bus Bus, l DigitalListener) *DigitalPort {
	return &DigitalPort{
		twinID:        twinID,
		adapter:       a,
		bus:           bus,
		listener:      l,
		notifications: make(map[string]bool),
	}
}

// AdapterID returns the id of the adapter the port serves.
func (p *DigitalPort) AdapterID() string { return p.adapter.ID() }

// TwinID returns the id of the twin the port belongs to.
func (p *DigitalPort) TwinID() string { return p.twinID }

// NotifyBound reports that the adapter is ready.
func (p *DigitalPort) NotifyBound(ctx context.Context) {
	p.listener.DigitalAdapterBound(ctx, p.AdapterID())
}

// NotifyUnBound reports that the adapter stopped, for the given cause if any.
// It drops every observation of the adapter.
func (p *DigitalPort) NotifyUnBound(ctx context.Context, cause error) error {
	p.mu.Lock()
	filter := slices.Collect(maps.Keys(p.notifications))
	p.mu.Unlock()
	err := errors.Join(p.unobserveNotifications(filter), p.UnobserveState(ctx))
	p.listener.DigitalAdapterUnBound(ctx, p.AdapterID(), cause)
	if err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "notify unbound", Err: err}
	}
	return nil
}

// ObserveEventNotifications subscribes the adapter to the notifications of the
// events with the given keys.
func (p *DigitalPort) ObserveEventNotifications(ctx context.Context, keys []string) error {
	filter, err := notificationFilter(keys)
	if err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "observe event notifications", Err: err}
	}
	if len(filter) == 0 {
		return nil
	}
	if err := p.bus.Subscribe(p.twinID, p.AdapterID(), filter, p); err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "observe event notifications", Err: err}
	}
	p.mu.Lock()
	for _, f := range filter {
		p.notifications[f] = true
	}
	p.mu.Unlock()
	component.Logger(ctx).Debug("Digital adapter observes event notifications",
		slog.String("twin-id", p.twinID),
		slog.String("adapter-id", p.AdapterID()),
		slog.Any("keys", keys),
	)
	return nil
}

// UnobserveEventNotifications undoes ObserveEventNotifications for the given
// keys.
func (p *DigitalPort) UnobserveEventNotifications(_ context.Context, keys []string) error {
	filter, err := notificationFilter(keys)
	if err == nil {
		err = p.unobserveNotifications(filter)
	}
	if err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "unobserve event notifications", Err: err}
	}
	return nil
}

func (p *DigitalPort) unobserveNotifications(filter []string) error {
	if len(filter) == 0 {
		return nil
	}
	if err := p.bus.Unsubscribe(p.twinID, p.AdapterID(), filter); err != nil {
		return err
	}
	p.mu.Lock()
	for _, f := range filter {
		delete(p.notifications, f)
	}
	p.mu.Unlock()
	return nil
}

func notificationFilter(keys []string) ([]string, error) {
	filter := make([]string, 0, len(keys))
	for _, key := range keys {
		t, err := event.NewType(event.StateEventNotification, key)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", key, err)
		}
		filter = append(filter, t.String())
	}
	return filter, nil
}

// ObservedEventNotifications returns the notification filters the adapter
// observes, sorted.
func (p *DigitalPort) ObservedEventNotifications() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.notifications))
}

// ObserveState subscribes the adapter to the state updates of the twin. The
// port calls it when the twin synchronizes.
func (p *DigitalPort) ObserveState(ctx context.Context) error {
	filter := []string{event.MustType(event.StateUpdate, "").String()}
	if err := p.bus.Subscribe(p.twinID, p.AdapterID(), filter, p); err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "observe state", Err: err}
	}
	p.mu.Lock()
	p.observesState = true
	p.mu.Unlock()
	component.Logger(ctx).Debug("Digital adapter observes the twin state",
		slog.String("twin-id", p.twinID),
		slog.String("adapter-id", p.AdapterID()),
	)
	return nil
}

// UnobserveState undoes ObserveState. It is a no-op when the adapter does not
// observe the state.
func (p *DigitalPort) UnobserveState(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.observesState {
		return nil
	}
	filter := []string{event.MustType(event.StateUpdate, "").String()}
	if err := p.bus.Unsubscribe(p.twinID, p.AdapterID(), filter); err != nil {
		return &Error{AdapterID: p.AdapterID(), Op: "unobserve state", Err: err}
	}
	p.observesState = false
	return nil
}

// ObservesState reports whether state updates reach the adapter.
func (p *DigitalPort) ObservesState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observesState
}

// PublishDigitalAction asks the twin to execute the action with the given key.
func (p *DigitalPort) PublishDigitalAction(ctx context.Context, key string, body any) error {
	ev, err := event.NewDigitalAction(key, body, event.WithMetadata(event.MetaAdapterID, p.AdapterID()))
	return publish(ctx, p.bus, p.twinID, p.AdapterID(), "publish digital action", ev, err)
}

// HandleEvent routes the state updates and event notifications the adapter
// observes to it.
func (p *DigitalPort) HandleEvent(ctx context.Context, ev event.Event) (err error) {
	ctx, span := tracer.Start(ctx, "adapter.DigitalPort.HandleEvent", trace.WithAttributes(
		attribute.String("adapter.id", p.AdapterID()),
		attribute.String("event.type", ev.Type().String()),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	switch ev.Type().Category {
	case event.StateUpdate:
		u, err := state.ParseUpdateEvent(ev)
		if err != nil {
			return &Error{AdapterID: p.AdapterID(), Op: "state update", Err: err}
		}
		if err := p.adapter.OnStateUpdate(ctx, u.Next, u.Previous, u.Changes); err != nil {
			return &Error{AdapterID: p.AdapterID(), Op: "state update", Err: err}
		}
	case event.StateEventNotification:
		n, err := state.ParseNotificationEvent(ev)
		if err != nil {
			return &Error{AdapterID: p.AdapterID(), Op: "event notification", Err: err}
		}
		if err := p.adapter.OnEventNotificationReceived(ctx, n); err != nil {
			return &Error{AdapterID: p.AdapterID(), Op: "event notification", Err: err}
		}
	default:
		return &Error{AdapterID: p.AdapterID(), Op: "handle event", Err: fmt.Errorf("unexpected event type %s", ev.Type())}
	}
	return nil
}

func (p *DigitalPort) hooks() (DigitalLifecycle, bool) {
	h, ok := p.adapter.(DigitalLifecycle)
	return h, ok
}

func (p *DigitalPort) OnCreate(ctx context.Context) error {
	if h, ok := p.hooks(); ok {
		return h.OnDigitalTwinCreate(ctx)
	}
	return nil
}

func (p *DigitalPort) OnStart(ctx context.Context) error {
	if h, ok := p.hooks(); ok {
		return h.OnDigitalTwinStart(ctx)
	}
	return nil
}

func (p *DigitalPort) OnSync(ctx context.Context, s state.State) error {
	if err := p.ObserveState(ctx); err != nil {
		return err
	}
	if h, ok := p.hooks(); ok {
		return h.OnDigitalTwinSync(ctx, s)
	}
	return nil
}

func (p *DigitalPort) OnUnSync(ctx context.Context, s state.State) error {
	if err := p.UnobserveState(ctx); err != nil {
		return err
	}
	if h, ok := p.hooks(); ok {
		return h.OnDigitalTwinUnSync(ctx, s)
	}
	return nil
}

func (p *DigitalPort) OnDigitalTwinUnBound(ctx context.Context, _ map[string]asset.Description, _ error) error {
	return p.UnobserveState(ctx)
}

func (p *DigitalPort) OnStop(ctx context.Context) error {
	err := p.UnobserveState(ctx)
	if h, ok := p.hooks(); ok {
		err = errors.Join(err, h.OnDigitalTwinStop(ctx))
	}
	return err
}

func (p *DigitalPort) OnDestroy(ctx context.Context) error {
	if h, ok := p.hooks(); ok {
		return h.OnDigitalTwinDestroy(ctx)
	}
	return nil
}
