package shadowing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/pipeline"
	"github.com/go-digitaltwin/twinsync/state"
)

const twinID = "lamp"

var lamp = asset.Description{
	Properties:    []asset.Property{{Key: "energy", Type: "float", Initial: 0.0, Readable: true}},
	Actions:       []asset.Action{{Key: "switch_on", Type: "switch", ContentType: "text/plain"}},
	Events:        []asset.Event{{Key: "overheating", Type: "alarm"}},
	Relationships: []asset.Relationship{{Name: "inside", Type: "room"}},
}

type fixture struct {
	bus     *eventbus.Bus
	state   *state.Manager
	machine *lifecycle.Machine
	engine  *Engine
	commits *commits
}

// commits counts the commits of a state manager.
type commits struct {
	mu      sync.Mutex
	changes [][]state.Change
}

func (c *commits) OnStateUpdate(_ context.Context, _, _ state.State, changes []state.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changes)
	return nil
}

func (c *commits) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

// newFixture wires an Engine running fn to a started twin.
func newFixture(t *testing.T, fn Function, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		bus:     eventbus.New(),
		machine: lifecycle.NewMachine(twinID),
		commits: new(commits),
	}
	f.state = state.NewManager(twinID, state.WithListener(f.commits))
	f.engine = New(twinID, fn, f.bus, f.state, f.machine, opts...)
	f.machine.AddListener(f.engine)
	if err := f.machine.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.machine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) bind(t *testing.T) {
	t.Helper()
	if err := f.machine.Bind(context.Background(), map[string]asset.Description{"lamp-adapter": lamp}); err != nil {
		t.Fatal(err)
	}
}

// publish returns a function publishing the event it is given on the bus, to
// be called with the results of an event constructor.
func (f *fixture) publish(t *testing.T) func(event.Event, error) {
	t.Helper()
	return func(ev event.Event, err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		if err := f.bus.Publish(context.Background(), twinID, "test", ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMirrorShadowsDescriptions(t *testing.T) {
	f := newFixture(t, Mirror{})
	f.bind(t)

	if got := f.machine.Current(); got != lifecycle.Synchronized {
		t.Errorf("lifecycle state = %s, want %s", got, lifecycle.Synchronized)
	}
	if !f.engine.Shadowed() {
		t.Error("Shadowed() = false after binding")
	}
	want := state.State{
		Properties: map[string]state.Property{
			"energy": {Key: "energy", Type: "float", Value: 0.0, Readable: true, Exposed: true},
		},
		Actions: map[string]state.Action{
			"switch_on": {Key: "switch_on", Type: "switch", ContentType: "text/plain"},
		},
		Events: map[string]state.EventDecl{
			"overheating": {Key: "overheating", Type: "alarm"},
		},
		Relationships: map[string]state.Relationship{
			"inside": {Name: "inside", Type: "room"},
		},
	}
	opts := cmp.Options{cmpopts.IgnoreFields(state.State{}, "Evaluated"), cmpopts.EquateEmpty()}
	if diff := cmp.Diff(want, f.state.State(context.Background()), opts); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	wantObserved := []string{
		"dt.digital.event.action.*",
		"dt.physical.event.event.overheating",
		"dt.physical.event.property.energy",
		"dt.physical.event.relationship.created.inside",
		"dt.physical.event.relationship.deleted.inside",
	}
	if diff := cmp.Diff(wantObserved, f.engine.Observed()); diff != "" {
		t.Errorf("observed filters mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorRebindingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Mirror{})
	f.bind(t)
	if err := f.machine.UnBind(ctx, nil, errors.New("link down")); err != nil {
		t.Fatal(err)
	}
	f.bind(t)

	if got := f.commits.count(); got != 1 {
		t.Errorf("state committed %d times, want 1 (the initial shadowing only)", got)
	}
	if got := f.machine.Current(); got != lifecycle.Synchronized {
		t.Errorf("lifecycle state = %s, want %s", got, lifecycle.Synchronized)
	}
}

func TestPhysicalEventsAreGatedUntilBound(t *testing.T) {
	ctx := context.Background()
	var calls []string
	fn := &recordingFunction{calls: &calls}
	f := newFixture(t, fn)
	if err := f.engine.ObservePhysicalAssetProperties(ctx, []string{"energy"}); err != nil {
		t.Fatal(err)
	}

	f.publish(t)(event.NewPhysicalProperty("energy", 1.0))
	f.bind(t)
	f.publish(t)(event.NewPhysicalProperty("energy", 2.0))
	if err := f.machine.UnBind(ctx, nil, nil); err != nil {
		t.Fatal(err)
	}
	f.publish(t)(event.NewPhysicalProperty("energy", 3.0))

	if diff := cmp.Diff([]string{"bound", "property energy=2", "unbound"}, calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestObservationIsExact(t *testing.T) {
	ctx := context.Background()
	var calls []string
	f := newFixture(t, &recordingFunction{calls: &calls})
	f.bind(t)
	if err := f.engine.ObservePhysicalAssetProperties(ctx, []string{"energy"}); err != nil {
		t.Fatal(err)
	}
	f.publish(t)(event.NewPhysicalProperty("energy", 1.0))
	f.publish(t)(event.NewPhysicalProperty("voltage", 230.0))
	if err := f.engine.UnobservePhysicalAssetProperties(ctx, []string{"energy"}); err != nil {
		t.Fatal(err)
	}
	f.publish(t)(event.NewPhysicalProperty("energy", 2.0))

	if diff := cmp.Diff([]string{"bound", "property energy=1"}, calls); diff != "" {
		t.Errorf("hook calls mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorPropertyVariation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Mirror{})
	f.bind(t)
	f.publish(t)(event.NewPhysicalProperty("energy", 4.2))

	p, ok := f.state.State(ctx).Property("energy")
	if !ok || p.Value != 4.2 {
		t.Errorf("Property(energy) = %+v, %v, want value 4.2", p, ok)
	}
	f.commits.mu.Lock()
	defer f.commits.mu.Unlock()
	var got []string
	for _, c := range f.commits.changes[len(f.commits.changes)-1] {
		got = append(got, c.String())
	}
	if diff := cmp.Diff([]string{"UPDATE PROPERTY energy"}, got); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorEventNotification(t *testing.T) {
	f := newFixture(t, Mirror{})
	var got []state.EventNotification
	f.state.AddNotifier(state.NotifierFunc(func(_ context.Context, n state.EventNotification) error {
		got = append(got, n)
		return nil
	}))
	f.bind(t)
	f.publish(t)(event.NewPhysicalEvent("overheating", "overheating-low"))

	want := []state.EventNotification{{Key: "overheating", Body: "overheating-low"}}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(state.EventNotification{}, "Timestamp")); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorRelationships(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Mirror{})
	f.bind(t)
	r := event.RelationshipInstance{Relationship: "inside", TargetID: "kitchen"}
	f.publish(t)(event.NewPhysicalRelationshipCreated(r))

	rel, _ := f.state.State(ctx).Relationship("inside")
	if _, ok := rel.Instances[r.InstanceKey()]; !ok {
		t.Fatalf("relationship instances = %v, want %q", rel.Instances, r.InstanceKey())
	}

	f.publish(t)(event.NewPhysicalRelationshipDeleted(r))
	rel, _ = f.state.State(ctx).Relationship("inside")
	if len(rel.Instances) != 0 {
		t.Errorf("relationship instances = %v, want none", rel.Instances)
	}
}

func TestMirrorForwardsDigitalActions(t *testing.T) {
	f := newFixture(t, Mirror{})
	f.bind(t)

	var got []event.ActionRequest
	err := f.bus.Subscribe(twinID, "physical-adapter", []string{event.PhysicalAction.Any()}, eventbus.HandlerFunc(func(_ context.Context, ev event.Event) error {
		got = append(got, ev.Body().(event.ActionRequest))
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	f.publish(t)(event.NewDigitalAction("switch_on", "now"))

	want := []event.ActionRequest{{Key: "switch_on", Body: "now"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("physical actions mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineFiltersEvents(t *testing.T) {
	ctx := context.Background()
	filter, err := pipeline.NewFilter("significant", "double(body) >= 1.0")
	if err != nil {
		t.Fatal(err)
	}
	scale, err := pipeline.NewTransform("double", "body * 2")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Mirror{}, WithPipeline(event.PhysicalProperty, pipeline.New(filter, scale)))
	f.bind(t)

	f.publish(t)(event.NewPhysicalProperty("energy", 0.5))
	if p, _ := f.state.State(ctx).Property("energy"); p.Value != 0.0 {
		t.Errorf("energy = %v after a filtered variation, want 0", p.Value)
	}
	f.publish(t)(event.NewPhysicalProperty("energy", 1.5))
	if p, _ := f.state.State(ctx).Property("energy"); p.Value != 3.0 {
		t.Errorf("energy = %v after a transformed variation, want 3", p.Value)
	}
}

func TestStopDropsSubscriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Mirror{})
	f.bind(t)
	if err := f.machine.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.engine.Observed(); len(got) != 0 {
		t.Errorf("Observed() = %v after stop, want none", got)
	}
	if got := f.bus.Subscriptions(twinID); len(got) != 0 {
		t.Errorf("bus subscriptions = %v after stop, want none", got)
	}
}

func TestPublishPhysicalAssetActionRejectsEmptyKey(t *testing.T) {
	f := newFixture(t, Base{})
	if err := f.engine.PublishPhysicalAssetAction(context.Background(), "", nil); !errors.Is(err, event.ErrEmptyKey) {
		t.Errorf("PublishPhysicalAssetAction(\"\") = %v, want %v", err, event.ErrEmptyKey)
	}
}

// recordingFunction writes down the hooks it receives.
type recordingFunction struct {
	Base
	calls *[]string
}

func (r *recordingFunction) OnDigitalTwinBound(context.Context, *Engine, map[string]asset.Description) error {
	*r.calls = append(*r.calls, "bound")
	return nil
}

func (r *recordingFunction) OnDigitalTwinUnBound(context.Context, *Engine, map[string]asset.Description, error) error {
	*r.calls = append(*r.calls, "unbound")
	return nil
}

func (r *recordingFunction) OnPhysicalAssetPropertyVariation(_ context.Context, _ *Engine, ev event.Event) error {
	*r.calls = append(*r.calls, fmt.Sprintf("property %s=%v", ev.Key(), ev.Body()))
	return nil
}
