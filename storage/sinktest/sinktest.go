/*
Package sinktest provides a suite of tests designed to assess storage sinks
(e.g. in-memory, neo4j).

The tests write records to the sink under test and consult a Viewer, which
reads back what the sink projected for the twin, to check that records are
folded into the same View regardless of the underlying storage.

Call sinktest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		store := NewStore(...) // Create the sink under test.
		// Call sinktest.Run, passing the sink and a Viewer reading back from it.
		sinktest.Run(t, store, viewer{store})
	}

The test cases in this suite focus on the projection every sink shares:

  - The latest lifecycle state of the twin.
  - The properties and relationships of the latest committed state, ignoring
    state records older than the latest one written.
  - The number of records written per kind.

Sinks are encouraged to perform additional tests specific to their storage.
*/
package sinktest

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/state"
	"github.com/go-digitaltwin/twinsync/storage"
)

// TwinID is the id of the twin every record of the suite belongs to.
const TwinID = "sinktest"

// View is what a sink projected for a twin out of the records written to it.
type View struct {
	// Lifecycle is the state of the latest lifecycle record.
	Lifecycle lifecycle.State
	// Properties maps the property keys of the latest state record to their
	// values.
	Properties map[string]any
	// Relationships maps the relationship names of the latest state record to
	// the sorted ids of their targets.
	Relationships map[string][]string
	// Records counts the records written, by kind.
	Records map[storage.Kind]int
}

// A Viewer reads back the View a sink projected for a twin.
type Viewer interface {
	View(ctx context.Context, twinID string) (View, error)
}

// Fold projects records into a View the way every sink must. Use it to
// implement a Viewer for sinks that keep records as they are.
func Fold(records []storage.Record) View {
	v := View{
		Properties:    make(map[string]any),
		Relationships: make(map[string][]string),
		Records:       make(map[storage.Kind]int),
	}
	var lifecycleAt, evaluated time.Time
	for _, r := range records {
		v.Records[r.Kind]++
		switch r.Kind {
		case storage.KindLifecycle:
			if r.Timestamp.Before(lifecycleAt) {
				continue
			}
			lifecycleAt, v.Lifecycle = r.Timestamp, r.Lifecycle
		case storage.KindState:
			if !r.State.Evaluated.After(evaluated) {
				continue
			}
			evaluated = r.State.Evaluated
			clear(v.Properties)
			for k, p := range r.State.Properties {
				v.Properties[k] = p.Value
			}
			clear(v.Relationships)
			for name, rel := range r.State.Relationships {
				var targets []string
				for _, inst := range rel.Instances {
					targets = append(targets, inst.TargetID)
				}
				slices.Sort(targets)
				v.Relationships[name] = targets
			}
		}
	}
	return v
}

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// The records to write, in order.
	records []storage.Record
	// The View expected once the records were written. It takes into account the
	// records of the previous test-cases.
	view View
}

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return t0.Add(d) }

func lifecycleRecord(s lifecycle.State, d time.Duration) storage.Record {
	return storage.NewLifecycleRecord(TwinID, lifecycle.Variation{State: s, Timestamp: at(d)})
}

func stateRecord(d time.Duration, props map[string]any, rels map[string][]string, changes ...state.Change) storage.Record {
	s := state.State{Evaluated: at(d)}
	for k, v := range props {
		if s.Properties == nil {
			s.Properties = make(map[string]state.Property)
		}
		s.Properties[k] = state.Property{Key: k, Value: v, Readable: true}
	}
	for name, targets := range rels {
		if s.Relationships == nil {
			s.Relationships = make(map[string]state.Relationship)
		}
		rel := state.Relationship{Name: name, Instances: make(map[string]state.RelationshipInstance)}
		for _, target := range targets {
			key := name + "." + target
			rel.Instances[key] = state.RelationshipInstance{Relationship: name, TargetID: target, Key: key}
		}
		s.Relationships[name] = rel
	}
	return storage.NewStateRecord(TwinID, s, changes)
}

func eventRecord(ev event.Event, err error) storage.Record {
	if err != nil {
		panic(fmt.Sprintf("sinktest: %v", err))
	}
	r, err := storage.FromEvent(TwinID, ev)
	if err != nil {
		panic(fmt.Sprintf("sinktest: %v", err))
	}
	return r
}

var cases = []testCase{
	{
		name:     "lifecycle-created",
		location: locateSource(),
		records:  []storage.Record{lifecycleRecord(lifecycle.Created, 0)},
		view: View{
			Lifecycle: lifecycle.Created,
			Records:   map[storage.Kind]int{storage.KindLifecycle: 1},
		},
	},
	{
		name:     "lifecycle-started-and-bound",
		location: locateSource(),
		records: []storage.Record{
			lifecycleRecord(lifecycle.Started, time.Second),
			eventRecord(event.New(event.MustType(event.PhysicalDescriptionAvailable, ""), asset.Description{
				Properties: []asset.Property{{Key: "energy", Type: "float", Initial: 0.0, Readable: true}},
			}, event.WithCreated(at(2*time.Second)), event.WithMetadata(event.MetaAdapterID, "lamp-adapter"))),
			lifecycleRecord(lifecycle.Bound, 2*time.Second),
		},
		view: View{
			Lifecycle: lifecycle.Bound,
			Records: map[storage.Kind]int{
				storage.KindLifecycle:           3,
				storage.KindPhysicalDescription: 1,
			},
		},
	},
	{
		name:     "initial-state",
		location: locateSource(),
		records: []storage.Record{
			stateRecord(3*time.Second, map[string]any{"energy": 0.0}, nil,
				state.Change{Operation: state.OperationAdd, ResourceType: state.ResourceProperty, Resource: state.Property{Key: "energy"}}),
			lifecycleRecord(lifecycle.Synchronized, 3*time.Second),
		},
		view: View{
			Lifecycle:  lifecycle.Synchronized,
			Properties: map[string]any{"energy": 0.0},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:           4,
				storage.KindPhysicalDescription: 1,
				storage.KindState:               1,
			},
		},
	},
	{
		name:     "property-variation",
		location: locateSource(),
		records: []storage.Record{
			eventRecord(event.NewPhysicalProperty("energy", 4.2, event.WithCreated(at(4*time.Second)))),
			stateRecord(4*time.Second, map[string]any{"energy": 4.2, "status": "on"}, nil,
				state.Change{Operation: state.OperationUpdateValue, ResourceType: state.ResourcePropertyValue, Resource: state.Property{Key: "energy"}},
				state.Change{Operation: state.OperationAdd, ResourceType: state.ResourceProperty, Resource: state.Property{Key: "status"}}),
		},
		view: View{
			Lifecycle:  lifecycle.Synchronized,
			Properties: map[string]any{"energy": 4.2, "status": "on"},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:           4,
				storage.KindPhysicalDescription: 1,
				storage.KindState:               2,
				storage.KindPhysicalProperty:    1,
			},
		},
	},
	{
		name:     "relationships",
		location: locateSource(),
		records: []storage.Record{
			eventRecord(event.NewPhysicalRelationshipCreated(event.RelationshipInstance{Relationship: "connected_to", TargetID: "socket-1"},
				event.WithCreated(at(5*time.Second)))),
			eventRecord(event.NewPhysicalRelationshipCreated(event.RelationshipInstance{Relationship: "connected_to", TargetID: "socket-2"},
				event.WithCreated(at(5*time.Second)))),
			stateRecord(5*time.Second, map[string]any{"energy": 4.2, "status": "on"},
				map[string][]string{"connected_to": {"socket-2", "socket-1"}},
				state.Change{Operation: state.OperationAdd, ResourceType: state.ResourceRelationship, Resource: state.Relationship{Name: "connected_to"}}),
		},
		view: View{
			Lifecycle:     lifecycle.Synchronized,
			Properties:    map[string]any{"energy": 4.2, "status": "on"},
			Relationships: map[string][]string{"connected_to": {"socket-1", "socket-2"}},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:           4,
				storage.KindPhysicalDescription: 1,
				storage.KindState:               3,
				storage.KindPhysicalProperty:    1,
				storage.KindRelationshipCreated: 2,
			},
		},
	},
	{
		// A sink may receive records out of order, e.g. through a broker. The
		// record still counts, but it must not roll the projected state back.
		name:     "stale-state-is-not-projected",
		location: locateSource(),
		records: []storage.Record{
			stateRecord(4500*time.Millisecond, map[string]any{"energy": 1.0}, nil),
		},
		view: View{
			Lifecycle:     lifecycle.Synchronized,
			Properties:    map[string]any{"energy": 4.2, "status": "on"},
			Relationships: map[string][]string{"connected_to": {"socket-1", "socket-2"}},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:           4,
				storage.KindPhysicalDescription: 1,
				storage.KindState:               4,
				storage.KindPhysicalProperty:    1,
				storage.KindRelationshipCreated: 2,
			},
		},
	},
	{
		name:     "notifications-and-actions",
		location: locateSource(),
		records: []storage.Record{
			eventRecord(event.NewPhysicalEvent("overheating", "overheating-low", event.WithCreated(at(6*time.Second)))),
			storage.NewNotificationRecord(TwinID, state.EventNotification{Key: "overheating", Body: "overheating-low", Timestamp: at(6 * time.Second)}),
			eventRecord(event.NewDigitalAction("switch_off", "now", event.WithCreated(at(7*time.Second)))),
			eventRecord(event.NewPhysicalAction("switch_off", "now", event.WithCreated(at(7*time.Second)))),
		},
		view: View{
			Lifecycle:     lifecycle.Synchronized,
			Properties:    map[string]any{"energy": 4.2, "status": "on"},
			Relationships: map[string][]string{"connected_to": {"socket-1", "socket-2"}},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:             4,
				storage.KindPhysicalDescription:   1,
				storage.KindState:                 4,
				storage.KindPhysicalProperty:      1,
				storage.KindRelationshipCreated:   2,
				storage.KindPhysicalEvent:         1,
				storage.KindEventNotification:     1,
				storage.KindDigitalActionRequest:  1,
				storage.KindPhysicalActionRequest: 1,
			},
		},
	},
	{
		name:     "removals",
		location: locateSource(),
		records: []storage.Record{
			eventRecord(event.NewPhysicalRelationshipDeleted(event.RelationshipInstance{Relationship: "connected_to", TargetID: "socket-1"},
				event.WithCreated(at(8*time.Second)))),
			stateRecord(8*time.Second, map[string]any{"energy": 0.0},
				map[string][]string{"connected_to": {"socket-2"}},
				state.Change{Operation: state.OperationRemove, ResourceType: state.ResourceProperty, Resource: state.Property{Key: "status"}}),
		},
		view: View{
			Lifecycle:     lifecycle.Synchronized,
			Properties:    map[string]any{"energy": 0.0},
			Relationships: map[string][]string{"connected_to": {"socket-2"}},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:             4,
				storage.KindPhysicalDescription:   1,
				storage.KindState:                 5,
				storage.KindPhysicalProperty:      1,
				storage.KindRelationshipCreated:   2,
				storage.KindRelationshipDeleted:   1,
				storage.KindPhysicalEvent:         1,
				storage.KindEventNotification:     1,
				storage.KindDigitalActionRequest:  1,
				storage.KindPhysicalActionRequest: 1,
			},
		},
	},
	{
		name:     "teardown",
		location: locateSource(),
		records: []storage.Record{
			lifecycleRecord(lifecycle.UnBound, 9*time.Second),
			lifecycleRecord(lifecycle.Stopped, 10*time.Second),
			lifecycleRecord(lifecycle.Destroyed, 11*time.Second),
		},
		view: View{
			Lifecycle:     lifecycle.Destroyed,
			Properties:    map[string]any{"energy": 0.0},
			Relationships: map[string][]string{"connected_to": {"socket-2"}},
			Records: map[storage.Kind]int{
				storage.KindLifecycle:             7,
				storage.KindPhysicalDescription:   1,
				storage.KindState:                 5,
				storage.KindPhysicalProperty:      1,
				storage.KindRelationshipCreated:   2,
				storage.KindRelationshipDeleted:   1,
				storage.KindPhysicalEvent:         1,
				storage.KindEventNotification:     1,
				storage.KindDigitalActionRequest:  1,
				storage.KindPhysicalActionRequest: 1,
			},
		},
	},
}

// Run runs the test-suite against the given sink, reading back its projection
// with the given viewer. The sink must hold no records of TwinID beforehand.
//
// All test-cases run in-order, on the same sink, because each case's view
// depends on the records of the previous cases. That is, a test case cannot run
// if the previous case had failed.
func Run(t *testing.T, sink storage.Sink, viewer Viewer) {
	t.Helper()

	// Sinks should not depend on specific context values.
	ctx := context.Background()

	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		for _, r := range c.records {
			if err := sink.Write(ctx, r); err != nil {
				t.Fatalf("Write(%v) of %v failed: %v", r, c.name, err)
			}
		}
		got, err := viewer.View(ctx, TwinID)
		if err != nil {
			t.Fatalf("View(%v) failed: %v", c.name, err)
		}
		if diff := cmp.Diff(c.view, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("View of %v mismatch (-want +got):\n%s", c.name, diff)
		}
	}
}

// MemoryViewer returns a Viewer folding the records held by m.
func MemoryViewer(m *storage.Memory) Viewer {
	return memoryViewer{m}
}

type memoryViewer struct {
	m *storage.Memory
}

func (v memoryViewer) View(_ context.Context, twinID string) (View, error) {
	var records []storage.Record
	for _, r := range v.m.Records() {
		if r.TwinID == twinID {
			records = append(records, r)
		}
	}
	return Fold(records), nil
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of sinks to the appropriate
// test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
