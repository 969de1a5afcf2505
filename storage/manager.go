package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
)

// ObserverID identifies a Manager among the subscribers of a twin's bus.
const ObserverID = "dt.storage.manager"

var (
	// ErrDuplicateSink is returned when putting a sink under an id that is taken.
	ErrDuplicateSink = errors.New("duplicate sink id")
	// ErrUnknownSink is returned when removing a sink the Manager does not hold.
	ErrUnknownSink = errors.New("unknown sink")
	// ErrStarted is returned when starting a Manager twice.
	ErrStarted = errors.New("storage manager already started")
)

// Observed lists the event categories a Manager records.
var Observed = []event.Category{
	event.Lifecycle,
	event.StateUpdate,
	event.StateEventNotification,
	event.PhysicalProperty,
	event.PhysicalEvent,
	event.PhysicalRelationshipCreated,
	event.PhysicalRelationshipDeleted,
	event.PhysicalDescriptionAvailable,
	event.PhysicalDescriptionUpdated,
	event.PhysicalAction,
	event.DigitalAction,
}

// An Observer lets a Manager see every event of a twin by category.
// *eventbus.Bus implements it.
type Observer interface {
	Observe(twinID, observerID string, categories []event.Category, h eventbus.Handler) (cancel func() error, err error)
}

// Manager records the events of a single twin into its sinks. It runs as a
// worker of the twin: Start observes the twin's bus, Stop cancels the
// observation.
//
// Every record goes to every sink. A sink that fails does not prevent the
// others from receiving the record.
type Manager struct {
	twinID string
	bus    Observer

	mu     sync.Mutex // Guards the fields below.
	ids    []string   // Sink ids, in the order they were put.
	sinks  map[string]Sink
	cancel func() error
}

// NewManager returns a Manager recording the events the given bus carries for
// the twin.
func NewManager(twinID string, bus Observer) *Manager {
	return &Manager{
		twinID: twinID,
		bus:    bus,
		sinks:  make(map[string]Sink),
	}
}

// PutSink adds a sink under the given id.
func (m *Manager) PutSink(id string, s Sink) error {
	if id == "" || s == nil {
		return fmt.Errorf("put sink %q: empty id or nil sink", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sinks[id]; ok {
		return fmt.Errorf("put sink %q: %w", id, ErrDuplicateSink)
	}
	m.ids = append(m.ids, id)
	m.sinks[id] = s
	return nil
}

// Sink returns the sink with the given id.
func (m *Manager) Sink(id string) (Sink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sinks[id]
	return s, ok
}

// RemoveSink removes the sink with the given id.
func (m *Manager) RemoveSink(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sinks[id]; !ok {
		return fmt.Errorf("remove sink %q: %w", id, ErrUnknownSink)
	}
	delete(m.sinks, id)
	m.ids = slices.DeleteFunc(m.ids, func(s string) bool { return s == id })
	return nil
}

// Start observes the twin's bus.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("start storage of twin %q: %w", m.twinID, ErrStarted)
	}
	cancel, err := m.bus.Observe(m.twinID, ObserverID, Observed, eventbus.HandlerFunc(m.HandleEvent))
	if err != nil {
		return fmt.Errorf("start storage of twin %q: %w", m.twinID, err)
	}
	m.cancel = cancel
	component.Logger(ctx).Info("Storage manager started",
		slog.String("twin-id", m.twinID),
		slog.Int("sinks", len(m.ids)),
	)
	return nil
}

// Stop cancels the observation of the twin's bus. Stopping a Manager that is
// not started does nothing.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if err := cancel(); err != nil {
		return fmt.Errorf("stop storage of twin %q: %w", m.twinID, err)
	}
	component.Logger(ctx).Info("Storage manager stopped", slog.String("twin-id", m.twinID))
	return nil
}

// HandleEvent records an event of the twin.
func (m *Manager) HandleEvent(ctx context.Context, ev event.Event) error {
	r, err := FromEvent(m.twinID, ev)
	if err != nil {
		return err
	}
	return m.Write(ctx, r)
}

// Write writes a record to every sink of the Manager, returning their failures
// joined. Failures are logged and counted.
func (m *Manager) Write(ctx context.Context, r Record) error {
	m.mu.Lock()
	ids := slices.Clone(m.ids)
	sinks := make([]Sink, len(ids))
	for i, id := range ids {
		sinks[i] = m.sinks[id]
	}
	m.mu.Unlock()

	logger := component.Logger(ctx)
	var errs []error
	for i, s := range sinks {
		start := time.Now()
		err := s.Write(ctx, r)
		measureWrite(ctx, ids[i], r.Kind, err == nil, time.Since(start))
		if err != nil {
			logger.Error("Couldn't write record",
				slog.String("twin-id", m.twinID),
				slog.String("sink-id", ids[i]),
				slog.String("record-kind", string(r.Kind)),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("sink %q: %w", ids[i], err))
		}
	}
	return errors.Join(errs...)
}
