/*
Package event defines the envelopes routed between adapters, the shadowing
function and the twin itself.

An Event carries a Type, an opaque body and a metadata map. Types are
structured values (a Category and a Key) and are rendered into dotted
hierarchical strings only where the event bus matches subscriptions, e.g.

	dt.physical.event.property.temperature

Events are immutable once constructed: their fields are unexported and the
accessors return copies of the metadata.
*/
package event

import (
	"encoding/gob"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Metadata keys attached by the twin to the events it publishes.
const (
	MetaPreviousState = "dt.state.update.previous"
	MetaChanges       = "dt.state.update.changes"
	MetaAdapterID     = "dt.adapter.id"
)

func init() {
	gob.Register(ActionRequest{})
	gob.Register(RelationshipInstance{})
}

// Event is an immutable envelope with a routable Type.
type Event struct {
	id       uuid.UUID
	typ      Type
	body     any
	metadata map[string]any
	created  time.Time
}

// An Option customises an Event during construction.
type Option func(*Event)

// WithMetadata attaches a single metadata entry.
func WithMetadata(key string, value any) Option {
	return func(e *Event) {
		if e.metadata == nil {
			e.metadata = make(map[string]any)
		}
		e.metadata[key] = value
	}
}

// WithCreated overrides the creation timestamp, which defaults to the time of
// construction.
func WithCreated(t time.Time) Option {
	return func(e *Event) { e.created = t }
}

// WithID overrides the generated identifier. It is used when an event is
// reconstructed from its wire form.
func WithID(id uuid.UUID) Option {
	return func(e *Event) { e.id = id }
}

// New constructs an event of type t. It fails when t is not routable.
func New(t Type, body any, opts ...Option) (Event, error) {
	if err := t.Validate(); err != nil {
		return Event{}, fmt.Errorf("new event: %w", err)
	}
	e := Event{
		id:      uuid.New(),
		typ:     t,
		body:    body,
		created: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	// Options may hand us a map the caller keeps a reference to.
	e.metadata = maps.Clone(e.metadata)
	return e, nil
}

// ID uniquely identifies the event.
func (e Event) ID() uuid.UUID { return e.id }

// Type returns the routable type of the event.
func (e Event) Type() Type { return e.typ }

// Key is shorthand for e.Type().Key.
func (e Event) Key() string { return e.typ.Key }

// Body returns the opaque payload of the event.
func (e Event) Body() any { return e.body }

// Created returns the time, in UTC, the event was constructed.
func (e Event) Created() time.Time { return e.created }

// Metadata looks up a single metadata entry.
func (e Event) Metadata(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// MetadataMap returns a copy of all metadata entries.
func (e Event) MetadataMap() map[string]any {
	return maps.Clone(e.metadata)
}

// WithBody returns a copy of e carrying a different body. The copy keeps the
// identity, type, metadata and creation time of e.
func (e Event) WithBody(body any) Event {
	e.body = body
	return e
}

// IsZero reports whether e was never constructed.
func (e Event) IsZero() bool {
	return e.typ == Type{}
}

func (e Event) String() string {
	return fmt.Sprintf("event(%s %s)", e.typ, e.id)
}

// ActionRequest is the body of physical and digital action events.
type ActionRequest struct {
	Key  string
	Body any
}

// RelationshipInstance is the body of relationship created/deleted events. It
// describes a single instance of a named relationship.
type RelationshipInstance struct {
	Relationship string
	TargetID     string
	// Key uniquely identifies the instance within its relationship. Left empty,
	// InstanceKey derives one.
	Key      string
	Metadata map[string]any
}

// InstanceKey returns the instance key, deriving it from the relationship name
// and target when none was given.
func (r RelationshipInstance) InstanceKey() string {
	if r.Key != "" {
		return r.Key
	}
	return fmt.Sprintf("physical.asset.relationship.%s.%s", r.Relationship, r.TargetID)
}

// NewPhysicalProperty returns a property variation of the physical asset.
func NewPhysicalProperty(key string, value any, opts ...Option) (Event, error) {
	return newKeyed(PhysicalProperty, key, value, opts)
}

// NewPhysicalEvent returns an event notification of the physical asset.
func NewPhysicalEvent(key string, body any, opts ...Option) (Event, error) {
	return newKeyed(PhysicalEvent, key, body, opts)
}

// NewPhysicalAction returns a request for the physical asset to execute the
// given action.
func NewPhysicalAction(key string, body any, opts ...Option) (Event, error) {
	return newKeyed(PhysicalAction, key, ActionRequest{Key: key, Body: body}, opts)
}

// NewPhysicalRelationshipCreated announces a new relationship instance
// observed on the physical asset. The event key is the relationship name.
func NewPhysicalRelationshipCreated(r RelationshipInstance, opts ...Option) (Event, error) {
	return newKeyed(PhysicalRelationshipCreated, r.Relationship, r, opts)
}

// NewPhysicalRelationshipDeleted announces the removal of a relationship
// instance from the physical asset.
func NewPhysicalRelationshipDeleted(r RelationshipInstance, opts ...Option) (Event, error) {
	return newKeyed(PhysicalRelationshipDeleted, r.Relationship, r, opts)
}

// NewDigitalAction returns an action request issued by a digital adapter.
func NewDigitalAction(key string, body any, opts ...Option) (Event, error) {
	return newKeyed(DigitalAction, key, ActionRequest{Key: key, Body: body}, opts)
}

func newKeyed(c Category, key string, body any, opts []Option) (Event, error) {
	t, err := NewType(c, key)
	if err != nil {
		return Event{}, fmt.Errorf("new event: %w", err)
	}
	return New(t, body, opts...)
}
