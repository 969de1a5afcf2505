/*
Package lifecycle implements the lifecycle state machine of a twin.

A twin is created, started, bound once all of its physical adapters reported a
binding, synchronized once its shadowing function declared the twin state in
sync with the physical world, and eventually stopped and destroyed:

	NONE → CREATED → STARTED → BOUND ⇄ UN_BOUND
	                           BOUND → SYNCHRONIZED ⇄ NOT_SYNCHRONIZED
	any live state → STOPPED → DESTROYED

A Machine validates every transition against this table, records the history
of the states it went through, publishes each transition as a bus event and
fans it out to its Listeners.
*/
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/internal/dispatch"
	"github.com/go-digitaltwin/twinsync/state"
)

// State is the lifecycle state of a twin.
type State int

const (
	None State = iota
	Created
	Started
	Bound
	UnBound
	Synchronized
	NotSynchronized
	Stopped
	Destroyed
)

var stateNames = [...]string{
	None:            "dt_none",
	Created:         "dt_created",
	Started:         "dt_started",
	Bound:           "dt_bound",
	UnBound:         "dt_un_bound",
	Synchronized:    "dt_synchronized",
	NotSynchronized: "dt_not_synchronized",
	Stopped:         "dt_stopped",
	Destroyed:       "dt_destroyed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState returns the State with the given name.
func ParseState(name string) (State, bool) {
	i := slices.Index(stateNames[:], name)
	return State(i), i >= 0
}

// Variation records that a twin entered a state at a given time.
type Variation struct {
	State     State
	Timestamp time.Time
}

// A Publisher publishes events on behalf of a twin. *eventbus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, twinID, publisherID string, ev event.Event) error
}

// PublisherID identifies the Machine as the publisher of lifecycle events.
const PublisherID = "dt.lifecycle.machine"

// Option configures a Machine.
type Option func(*Machine)

// WithPublisher publishes every transition on p as an event.Lifecycle event
// whose body is the name of the new state.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithListener registers a Listener at construction time.
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listeners = append(m.listeners, l) }
}

// WithClock replaces the clock that timestamps variations.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine holds the lifecycle state of a single twin. It is safe for concurrent
// use.
type Machine struct {
	twinID    string
	now       func() time.Time
	publisher Publisher
	queue     dispatch.Queue

	mu        sync.Mutex // Guards the fields below.
	current   State
	history   []Variation
	listeners []Listener
}

// NewMachine returns a Machine of the given twin in the None state.
func NewMachine(twinID string, opts ...Option) *Machine {
	m := &Machine{twinID: twinID, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers l for every subsequent transition.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns the states the Machine went through, oldest first.
func (m *Machine) History() []Variation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// Create moves a new twin to Created.
func (m *Machine) Create(ctx context.Context) error {
	return m.transition(ctx, "create", Created, []State{None}, func(ctx context.Context, l Listener) error {
		return l.OnCreate(ctx)
	})
}

// Start moves a created twin to Started.
func (m *Machine) Start(ctx context.Context) error {
	return m.transition(ctx, "start", Started, []State{Created}, func(ctx context.Context, l Listener) error {
		return l.OnStart(ctx)
	})
}

// Bind moves the twin to Bound once all of its physical adapters are bound.
// Binding a bound twin again tells Listeners about the refreshed descriptions.
func (m *Machine) Bind(ctx context.Context, descriptions map[string]asset.Description) error {
	from := []State{Started, UnBound, Bound, NotSynchronized}
	return m.transition(ctx, "bind", Bound, from, func(ctx context.Context, l Listener) error {
		return l.OnDigitalTwinBound(ctx, cloneDescriptions(descriptions))
	})
}

// UnBind moves the twin to UnBound after one of its physical adapters lost its
// binding. The cause is nil for an orderly unbind.
func (m *Machine) UnBind(ctx context.Context, descriptions map[string]asset.Description, cause error) error {
	from := []State{Started, Bound, Synchronized, NotSynchronized, UnBound}
	return m.transition(ctx, "unbind", UnBound, from, func(ctx context.Context, l Listener) error {
		return l.OnDigitalTwinUnBound(ctx, cloneDescriptions(descriptions), cause)
	})
}

// Sync moves a bound twin to Synchronized.
func (m *Machine) Sync(ctx context.Context, s state.State) error {
	return m.transition(ctx, "sync", Synchronized, []State{Bound, NotSynchronized}, func(ctx context.Context, l Listener) error {
		return l.OnSync(ctx, s.Clone())
	})
}

// UnSync moves a synchronized twin to NotSynchronized.
func (m *Machine) UnSync(ctx context.Context, s state.State) error {
	return m.transition(ctx, "unsync", NotSynchronized, []State{Synchronized}, func(ctx context.Context, l Listener) error {
		return l.OnUnSync(ctx, s.Clone())
	})
}

// Stop moves a live twin to Stopped.
func (m *Machine) Stop(ctx context.Context) error {
	from := []State{Created, Started, Bound, UnBound, Synchronized, NotSynchronized}
	return m.transition(ctx, "stop", Stopped, from, func(ctx context.Context, l Listener) error {
		return l.OnStop(ctx)
	})
}

// Destroy moves a stopped twin to the terminal Destroyed state.
func (m *Machine) Destroy(ctx context.Context) error {
	return m.transition(ctx, "destroy", Destroyed, []State{Stopped}, func(ctx context.Context, l Listener) error {
		return l.OnDestroy(ctx)
	})
}

// PhysicalAdapterBound tells Listeners that a physical adapter bound with the
// given description. It does not change the state.
func (m *Machine) PhysicalAdapterBound(ctx context.Context, adapterID string, d asset.Description) {
	m.announce(ctx, "OnPhysicalAdapterBound", func(ctx context.Context, l Listener) error {
		return l.OnPhysicalAdapterBound(ctx, adapterID, d.Clone())
	})
}

// PhysicalAdapterBindingUpdate tells Listeners that a bound physical adapter
// replaced its description. It does not change the state.
func (m *Machine) PhysicalAdapterBindingUpdate(ctx context.Context, adapterID string, d asset.Description) {
	m.announce(ctx, "OnPhysicalAdapterBindingUpdate", func(ctx context.Context, l Listener) error {
		return l.OnPhysicalAdapterBindingUpdate(ctx, adapterID, d.Clone())
	})
}

// PhysicalAdapterUnBound tells Listeners that a physical adapter lost its
// binding. It does not change the state.
func (m *Machine) PhysicalAdapterUnBound(ctx context.Context, adapterID string, d asset.Description, cause error) {
	m.announce(ctx, "OnPhysicalAdapterUnBound", func(ctx context.Context, l Listener) error {
		return l.OnPhysicalAdapterUnBound(ctx, adapterID, d.Clone(), cause)
	})
}

// DigitalAdapterBound tells Listeners that a digital adapter started. It does
// not change the state.
func (m *Machine) DigitalAdapterBound(ctx context.Context, adapterID string) {
	m.announce(ctx, "OnDigitalAdapterBound", func(ctx context.Context, l Listener) error {
		return l.OnDigitalAdapterBound(ctx, adapterID)
	})
}

// DigitalAdapterUnBound tells Listeners that a digital adapter stopped. It does
// not change the state.
func (m *Machine) DigitalAdapterUnBound(ctx context.Context, adapterID string, cause error) {
	m.announce(ctx, "OnDigitalAdapterUnBound", func(ctx context.Context, l Listener) error {
		return l.OnDigitalAdapterUnBound(ctx, adapterID, cause)
	})
}

// announce calls fn on every Listener, after the notifications queued before.
func (m *Machine) announce(ctx context.Context, callback string, fn func(context.Context, Listener) error) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	t := m.queue.Push(ctx, func(ctx context.Context) {
		m.notify(ctx, callback, listeners, fn)
	})
	m.mu.Unlock()
	m.queue.Flush(ctx, t)
}

// transition moves the Machine to the target state if its current state is one
// of from, then publishes the variation and calls fn on every Listener.
//
// Variations are published and delivered in the order the transitions took
// place. A transition triggered by a Listener is delivered once the one being
// delivered reached every Listener.
func (m *Machine) transition(ctx context.Context, op string, to State, from []State, fn func(context.Context, Listener) error) error {
	ctx, span := tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("twin.id", m.twinID),
		attribute.String("lifecycle.state", to.String()),
	))
	defer span.End()

	m.mu.Lock()
	current := m.current
	if !slices.Contains(from, current) {
		m.mu.Unlock()
		return &Error{TwinID: m.twinID, Op: op, From: current, To: to}
	}
	v := Variation{State: to, Timestamp: m.now()}
	m.current = to
	m.history = append(m.history, v)
	listeners := slices.Clone(m.listeners)
	t := m.queue.Push(ctx, func(ctx context.Context) {
		m.publish(ctx, v)
		m.notify(ctx, op, listeners, fn)
	})
	m.mu.Unlock()

	countTransition(ctx, m.twinID, to)
	component.Logger(ctx).Info("Twin lifecycle changed",
		slog.String("twin-id", m.twinID),
		slog.String("from", current.String()),
		slog.String("to", to.String()),
	)
	m.queue.Flush(ctx, t)
	return nil
}

func (m *Machine) publish(ctx context.Context, v Variation) {
	if m.publisher == nil {
		return
	}
	ev, err := event.New(event.MustType(event.Lifecycle, ""), v.State.String(), event.WithCreated(v.Timestamp))
	if err == nil {
		err = m.publisher.Publish(ctx, m.twinID, PublisherID, ev)
	}
	if err != nil {
		component.Logger(ctx).Error("Couldn't publish lifecycle event",
			slog.String("twin-id", m.twinID),
			slog.String("state", v.State.String()),
			slog.Any("error", err),
		)
	}
}

func (m *Machine) notify(ctx context.Context, callback string, listeners []Listener, fn func(context.Context, Listener) error) {
	for i, l := range listeners {
		if err := safeCall(ctx, l, fn); err != nil {
			countListenerFailure(ctx, m.twinID, callback)
			component.Logger(ctx).Error("Lifecycle listener failed",
				slog.String("twin-id", m.twinID),
				slog.String("callback", callback),
				slog.Int("listener", i),
				slog.Any("error", err),
			)
		}
	}
}

func safeCall(ctx context.Context, l Listener, fn func(context.Context, Listener) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn(ctx, l)
}

func cloneDescriptions(descriptions map[string]asset.Description) map[string]asset.Description {
	c := maps.Clone(descriptions)
	for id, d := range c {
		c[id] = d.Clone()
	}
	return c
}
