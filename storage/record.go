/*
Package storage records what happens to a twin into write-only sinks.

A Manager observes the bus of a twin and turns every lifecycle variation, state
commit, event notification, physical asset variation and action request into a
Record, which it writes to each of its sinks. Records are immutable snapshots:
nothing in the twin reads them back, so a sink is free to project them into
whatever shape suits its consumers (see the neo4jstore package for a graph
projection).
*/
package storage

import (
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/state"
)

func init() {
	gob.Register(Record{})
}

// Kind tells what a Record is a snapshot of.
type Kind string

const (
	KindLifecycle             Kind = "lifecycle"
	KindState                 Kind = "state"
	KindEventNotification     Kind = "state.event.notification"
	KindPhysicalProperty      Kind = "physical.property"
	KindPhysicalEvent         Kind = "physical.event"
	KindRelationshipCreated   Kind = "physical.relationship.created"
	KindRelationshipDeleted   Kind = "physical.relationship.deleted"
	KindPhysicalDescription   Kind = "physical.description"
	KindPhysicalActionRequest Kind = "physical.action"
	KindDigitalActionRequest  Kind = "digital.action"
)

// Kinds lists every Kind.
var Kinds = []Kind{
	KindLifecycle,
	KindState,
	KindEventNotification,
	KindPhysicalProperty,
	KindPhysicalEvent,
	KindRelationshipCreated,
	KindRelationshipDeleted,
	KindPhysicalDescription,
	KindPhysicalActionRequest,
	KindDigitalActionRequest,
}

// ErrUnrecorded is returned by FromEvent for events that have no record.
var ErrUnrecorded = errors.New("event is not recorded")

// Record is an immutable snapshot of something that happened to a twin.
//
// Only the fields relevant to the Kind are set:
//   - KindLifecycle: Lifecycle.
//   - KindState: State and Changes.
//   - KindPhysicalDescription: Key holds the adapter id, Description its
//     description.
//   - Every other kind: Key and Body, plus the Metadata of the originating
//     event. Relationship records carry an event.RelationshipInstance body;
//     action records carry the body of the request.
type Record struct {
	ID        uuid.UUID
	TwinID    string
	Kind      Kind
	Timestamp time.Time

	Lifecycle   lifecycle.State
	State       state.State
	Changes     []state.Change
	Description asset.Description

	Key      string
	Body     any
	Metadata map[string]any
}

func (r Record) String() string {
	switch r.Kind {
	case KindLifecycle:
		return fmt.Sprintf("%s %s %s", r.TwinID, r.Kind, r.Lifecycle)
	case KindState:
		return fmt.Sprintf("%s %s (%d changes)", r.TwinID, r.Kind, len(r.Changes))
	}
	return fmt.Sprintf("%s %s %s", r.TwinID, r.Kind, r.Key)
}

// NewLifecycleRecord returns the record of a lifecycle variation.
func NewLifecycleRecord(twinID string, v lifecycle.Variation) Record {
	return Record{
		ID:        uuid.New(),
		TwinID:    twinID,
		Kind:      KindLifecycle,
		Timestamp: v.Timestamp,
		Lifecycle: v.State,
	}
}

// NewStateRecord returns the record of a committed state and the changes that
// produced it.
func NewStateRecord(twinID string, s state.State, changes []state.Change) Record {
	return Record{
		ID:        uuid.New(),
		TwinID:    twinID,
		Kind:      KindState,
		Timestamp: s.Evaluated,
		State:     s.Clone(),
		Changes:   append([]state.Change(nil), changes...),
	}
}

// NewNotificationRecord returns the record of an event notification.
func NewNotificationRecord(twinID string, n state.EventNotification) Record {
	return Record{
		ID:        uuid.New(),
		TwinID:    twinID,
		Kind:      KindEventNotification,
		Timestamp: n.Timestamp,
		Key:       n.Key,
		Body:      n.Body,
	}
}

// FromEvent returns the record of an event published on the bus of a twin. It
// fails with ErrUnrecorded for categories nothing records, and with
// state.ErrMalformedEvent, or a parse error, for events whose body does not
// match their category.
func FromEvent(twinID string, ev event.Event) (Record, error) {
	r := Record{
		ID:        uuid.New(),
		TwinID:    twinID,
		Timestamp: ev.Created(),
		Key:       ev.Key(),
		Body:      ev.Body(),
		Metadata:  ev.MetadataMap(),
	}
	switch c := ev.Type().Category; c {
	case event.Lifecycle:
		name, _ := ev.Body().(string)
		s, ok := lifecycle.ParseState(name)
		if !ok {
			return Record{}, fmt.Errorf("record %s: unknown lifecycle state %q", ev.Type(), name)
		}
		return NewLifecycleRecord(twinID, lifecycle.Variation{State: s, Timestamp: ev.Created()}), nil
	case event.StateUpdate:
		u, err := state.ParseUpdateEvent(ev)
		if err != nil {
			return Record{}, fmt.Errorf("record %s: %w", ev.Type(), err)
		}
		return NewStateRecord(twinID, u.Next, u.Changes), nil
	case event.StateEventNotification:
		n, err := state.ParseNotificationEvent(ev)
		if err != nil {
			return Record{}, fmt.Errorf("record %s: %w", ev.Type(), err)
		}
		return NewNotificationRecord(twinID, n), nil
	case event.PhysicalDescriptionAvailable, event.PhysicalDescriptionUpdated:
		d, ok := ev.Body().(asset.Description)
		if !ok {
			return Record{}, fmt.Errorf("record %s: unexpected body %T", ev.Type(), ev.Body())
		}
		adapterID, _ := ev.Metadata(event.MetaAdapterID)
		r.Kind = KindPhysicalDescription
		r.Key, _ = adapterID.(string)
		r.Description = d.Clone()
		r.Body = nil
		return r, nil
	case event.PhysicalRelationshipCreated, event.PhysicalRelationshipDeleted:
		if _, ok := ev.Body().(event.RelationshipInstance); !ok {
			return Record{}, fmt.Errorf("record %s: unexpected body %T", ev.Type(), ev.Body())
		}
		r.Kind = KindRelationshipCreated
		if c == event.PhysicalRelationshipDeleted {
			r.Kind = KindRelationshipDeleted
		}
		return r, nil
	case event.PhysicalProperty:
		r.Kind = KindPhysicalProperty
		return r, nil
	case event.PhysicalEvent:
		r.Kind = KindPhysicalEvent
		return r, nil
	case event.PhysicalAction, event.DigitalAction:
		req, ok := ev.Body().(event.ActionRequest)
		if !ok {
			return Record{}, fmt.Errorf("record %s: unexpected body %T", ev.Type(), ev.Body())
		}
		r.Kind = KindPhysicalActionRequest
		if c == event.DigitalAction {
			r.Kind = KindDigitalActionRequest
		}
		r.Body = req.Body
		return r, nil
	}
	return Record{}, fmt.Errorf("record %s: %w", ev.Type(), ErrUnrecorded)
}
