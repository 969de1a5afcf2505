package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/state"
)

// journal is a Listener writing down the callbacks it receives.
type journal struct {
	NopListener
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, s)
	return nil
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) OnCreate(context.Context) error { return j.add("create") }
func (j *journal) OnStart(context.Context) error { return j.add("start") }
func (j *journal) OnStop(context.Context) error { return j.add("stop") }
func (j *journal) OnDestroy(context.Context) error { return j.add("destroy") }

func (j *journal) OnDigitalTwinBound(context.Context, map[string]asset.Description) error {
	return j.add("bound")
}

func (j *journal) OnDigitalTwinUnBound(_ context.Context, _ map[string]asset.Description, cause error) error {
	if cause != nil {
		return j.add("unbound: " + cause.Error())
	}
	return j.add("unbound")
}

func (j *journal) OnSync(context.Context, state.State) error { return j.add("sync") }
func (j *journal) OnUnSync(context.Context, state.State) error { return j.add("unsync") }

func (j *journal) OnPhysicalAdapterBound(_ context.Context, id string, _ asset.Description) error {
	return j.add("physical bound " + id)
}

func (j *journal) OnDigitalAdapterUnBound(_ context.Context, id string, _ error) error {
	return j.add("digital unbound " + id)
}

func TestMachineHappyPath(t *testing.T) {
	ctx := context.Background()
	var j journal
	m := NewMachine("twin", WithListener(&j))

	steps := []struct {
		name string
		fn   func() error
		want State
	}{
		{"create", func() error { return m.Create(ctx) }, Created},
		{"start", func() error { return m.Start(ctx) }, Started},
		{"bind", func() error { return m.Bind(ctx, nil) }, Bound},
		{"sync", func() error { return m.Sync(ctx, state.State{}) }, Synchronized},
		{"unsync", func() error { return m.UnSync(ctx, state.State{}) }, NotSynchronized},
		{"resync", func() error { return m.Sync(ctx, state.State{}) }, Synchronized},
		{"unbind", func() error { return m.UnBind(ctx, nil, errors.New("link down")) }, UnBound},
		{"rebind", func() error { return m.Bind(ctx, nil) }, Bound},
		{"stop", func() error { return m.Stop(ctx) }, Stopped},
		{"destroy", func() error { return m.Destroy(ctx) }, Destroyed},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := m.Current(); got != step.want {
			t.Fatalf("%s: Current() = %s, want %s", step.name, got, step.want)
		}
	}

	want := []string{"create", "start", "bound", "sync", "unsync", "sync", "unbound: link down", "bound", "stop", "destroy"}
	if diff := cmp.Diff(want, j.get()); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}

	var history []State
	for _, v := range m.History() {
		history = append(history, v.State)
	}
	var wantHistory []State
	for _, step := range steps {
		wantHistory = append(wantHistory, step.want)
	}
	if diff := cmp.Diff(wantHistory, history); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestMachineIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		setup []func(m *Machine) error
		try   func(m *Machine) error
		from  State
	}{
		{
			name: "destroy new twin",
			try:  func(m *Machine) error { return m.Destroy(ctx) },
			from: None,
		},
		{
			name: "stop new twin",
			try:  func(m *Machine) error { return m.Stop(ctx) },
			from: None,
		},
		{
			name:  "create twice",
			setup: []func(m *Machine) error{func(m *Machine) error { return m.Create(ctx) }},
			try:   func(m *Machine) error { return m.Create(ctx) },
			from:  Created,
		},
		{
			name:  "bind before start",
			setup: []func(m *Machine) error{func(m *Machine) error { return m.Create(ctx) }},
			try:   func(m *Machine) error { return m.Bind(ctx, nil) },
			from:  Created,
		},
		{
			name: "sync before bind",
			setup: []func(m *Machine) error{
				func(m *Machine) error { return m.Create(ctx) },
				func(m *Machine) error { return m.Start(ctx) },
			},
			try:  func(m *Machine) error { return m.Sync(ctx, state.State{}) },
			from: Started,
		},
		{
			name: "unsync when not synchronized",
			setup: []func(m *Machine) error{
				func(m *Machine) error { return m.Create(ctx) },
				func(m *Machine) error { return m.Start(ctx) },
				func(m *Machine) error { return m.Bind(ctx, nil) },
			},
			try:  func(m *Machine) error { return m.UnSync(ctx, state.State{}) },
			from: Bound,
		},
		{
			name: "restart destroyed twin",
			setup: []func(m *Machine) error{
				func(m *Machine) error { return m.Create(ctx) },
				func(m *Machine) error { return m.Stop(ctx) },
				func(m *Machine) error { return m.Destroy(ctx) },
			},
			try:  func(m *Machine) error { return m.Stop(ctx) },
			from: Destroyed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var j journal
			m := NewMachine("twin")
			for _, fn := range tt.setup {
				if err := fn(m); err != nil {
					t.Fatal(err)
				}
			}
			m.AddListener(&j)
			before := m.History()

			err := tt.try(m)
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("got error %v, want %v", err, ErrIllegalTransition)
			}
			var lerr *Error
			if !errors.As(err, &lerr) || lerr.From != tt.from {
				t.Errorf("got %#v, want *Error from %s", err, tt.from)
			}
			if got := m.Current(); got != tt.from {
				t.Errorf("Current() = %s, want unchanged %s", got, tt.from)
			}
			if diff := cmp.Diff(before, m.History()); diff != "" {
				t.Errorf("history changed (-before +after):\n%s", diff)
			}
			if got := j.get(); len(got) != 0 {
				t.Errorf("listener called %v on an illegal transition", got)
			}
		})
	}
}

// faulty fails every callback, one way or another.
type faulty struct{ NopListener }

func (faulty) OnCreate(context.Context) error { panic("broken listener") }
func (faulty) OnStart(context.Context) error { return errors.New("failing listener") }

func TestMachineIsolatesListeners(t *testing.T) {
	ctx := context.Background()
	var j journal
	m := NewMachine("twin", WithListener(faulty{}), WithListener(&j))
	if err := m.Create(ctx); err != nil {
		t.Fatalf("Create() = %v, want nil despite a panicking listener", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() = %v, want nil despite a failing listener", err)
	}
	if diff := cmp.Diff([]string{"create", "start"}, j.get()); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}
	if got := m.Current(); got != Started {
		t.Errorf("Current() = %s, want %s", got, Started)
	}
}

func TestMachineNotifications(t *testing.T) {
	ctx := context.Background()
	var j journal
	m := NewMachine("twin", WithListener(&j))
	m.PhysicalAdapterBound(ctx, "pa-1", asset.Description{})
	m.DigitalAdapterUnBound(ctx, "da-1", nil)

	want := []string{"physical bound pa-1", "digital unbound da-1"}
	if diff := cmp.Diff(want, j.get()); diff != "" {
		t.Errorf("callbacks mismatch (-want +got):\n%s", diff)
	}
	if got := m.Current(); got != None {
		t.Errorf("Current() = %s, want %s", got, None)
	}
}

// reentrant starts the twin from within its OnCreate callback.
type reentrant struct {
	NopListener
	m   *Machine
	err error
}

func (r *reentrant) OnCreate(ctx context.Context) error {
	r.err = r.m.Start(ctx)
	return nil
}

func TestMachineReentrantListener(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("twin")
	r := &reentrant{m: m}
	m.AddListener(r)
	if err := m.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if r.err != nil {
		t.Fatalf("Start() from a listener = %v", r.err)
	}
	if got := m.Current(); got != Started {
		t.Errorf("Current() = %s, want %s", got, Started)
	}
}

// syncer declares the twin synchronized as soon as it is bound.
type syncer struct {
	NopListener
	m *Machine
}

func (s syncer) OnDigitalTwinBound(ctx context.Context, _ map[string]asset.Description) error {
	return s.m.Sync(ctx, state.State{})
}

func TestMachineDeliversNestedTransitionsInOrder(t *testing.T) {
	ctx := context.Background()
	var published []string
	p := publisherFunc(func(_ context.Context, _, _ string, ev event.Event) error {
		published = append(published, ev.Body().(string))
		return nil
	})
	m := NewMachine("twin", WithPublisher(p))
	var j journal
	m.AddListener(syncer{m: m})
	m.AddListener(&j)

	for _, step := range []func(context.Context) error{m.Create, m.Start} {
		if err := step(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Bind(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Current(); got != Synchronized {
		t.Errorf("Current() = %s, want %s", got, Synchronized)
	}
	if diff := cmp.Diff([]string{"create", "start", "bound", "sync"}, j.get()); diff != "" {
		t.Errorf("listener calls mismatch (-want +got):\n%s", diff)
	}
	want := []string{"dt_created", "dt_started", "dt_bound", "dt_synchronized"}
	if diff := cmp.Diff(want, published); diff != "" {
		t.Errorf("published states mismatch (-want +got):\n%s", diff)
	}
}

func TestMachineSerializesConcurrentNotifications(t *testing.T) {
	ctx := context.Background()
	m := NewMachine("twin")
	var mu sync.Mutex
	inside, overlapped := 0, false
	m.AddListener(&overlapDetector{mu: &mu, inside: &inside, overlapped: &overlapped})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				m.PhysicalAdapterBound(ctx, fmt.Sprint("adapter-", i), asset.Description{})
			}
		}()
	}
	wg.Wait()
	if overlapped {
		t.Error("two notifications were delivered at the same time")
	}
}

// overlapDetector records whether two callbacks ever ran at the same time.
type overlapDetector struct {
	NopListener
	mu         *sync.Mutex
	inside     *int
	overlapped *bool
}

func (d *overlapDetector) OnPhysicalAdapterBound(context.Context, string, asset.Description) error {
	d.mu.Lock()
	*d.inside++
	if *d.inside > 1 {
		*d.overlapped = true
	}
	d.mu.Unlock()
	time.Sleep(10 * time.Microsecond)
	d.mu.Lock()
	*d.inside--
	d.mu.Unlock()
	return nil
}

type publisherFunc func(ctx context.Context, twinID, publisherID string, ev event.Event) error

func (f publisherFunc) Publish(ctx context.Context, twinID, publisherID string, ev event.Event) error {
	return f(ctx, twinID, publisherID, ev)
}

func TestMachinePublishesTransitions(t *testing.T) {
	ctx := context.Background()
	var got []string
	p := publisherFunc(func(_ context.Context, twinID, publisherID string, ev event.Event) error {
		if twinID != "twin" || publisherID != PublisherID {
			t.Errorf("Publish(%q, %q, ...), want (%q, %q, ...)", twinID, publisherID, "twin", PublisherID)
		}
		if ev.Type().Category != event.Lifecycle {
			t.Errorf("published %s, want category %s", ev.Type(), event.Lifecycle)
		}
		got = append(got, ev.Body().(string))
		return nil
	})
	m := NewMachine("twin", WithPublisher(p))
	if err := m.Create(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"dt_created", "dt_started"}, got); diff != "" {
		t.Errorf("published states mismatch (-want +got):\n%s", diff)
	}
}

func TestParseState(t *testing.T) {
	for s := None; s <= Destroyed; s++ {
		got, ok := ParseState(s.String())
		if !ok || got != s {
			t.Errorf("ParseState(%q) = %v, %v, want %v, true", s.String(), got, ok, s)
		}
	}
	if _, ok := ParseState("dt_unknown"); ok {
		t.Errorf("ParseState(%q) succeeded", "dt_unknown")
	}
}
