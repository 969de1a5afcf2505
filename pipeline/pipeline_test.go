package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync/event"
)

// outcomes is a Listener remembering how runs ended.
type outcomes struct {
	mu   sync.Mutex
	done []any
	errs []error
}

func (o *outcomes) OnPipelineDone(_ context.Context, result any, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !ok {
		result = "<skipped>"
	}
	o.done = append(o.done, result)
}

func (o *outcomes) OnPipelineError(_ context.Context, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func appender(name, suffix string) Func {
	return Func{StepName: name, Fn: func(_ context.Context, data any) (any, bool, error) {
		return data.(string) + suffix, true, nil
	}}
}

func TestPipelineRunsStepsInOrder(t *testing.T) {
	p := New(appender("a", "-a"), Identity{}, appender("b", "-b"))
	var o outcomes
	if err := p.Start(context.Background(), "x", &o); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"x-a-b"}, o.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineWithoutSteps(t *testing.T) {
	var p Pipeline
	var o outcomes
	if err := p.Start(context.Background(), 42, &o); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{42}, o.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineSkip(t *testing.T) {
	var reached bool
	p := New(
		Func{StepName: "drop", Fn: func(context.Context, any) (any, bool, error) { return nil, false, nil }},
		Func{StepName: "after", Fn: func(_ context.Context, data any) (any, bool, error) {
			reached = true
			return data, true, nil
		}},
	)
	var o outcomes
	if err := p.Start(context.Background(), "x", &o); err != nil {
		t.Fatal(err)
	}
	if reached {
		t.Error("a step after a skip was executed")
	}
	if diff := cmp.Diff([]any{"<skipped>"}, o.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineFailure(t *testing.T) {
	boom := errors.New("boom")
	p := New(
		Identity{},
		Func{StepName: "broken", Fn: func(context.Context, any) (any, bool, error) { return nil, false, boom }},
		appender("after", "-after"),
	)
	var o outcomes
	err := p.Start(context.Background(), "x", &o)
	if !errors.Is(err, boom) {
		t.Fatalf("Start() = %v, want %v", err, boom)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Step != "broken" || perr.Index != 1 {
		t.Errorf("Start() = %#v, want *Error of step #1 \"broken\"", err)
	}
	if len(o.done) != 0 || len(o.errs) != 1 {
		t.Errorf("listener got %d results and %d errors, want 0 and 1", len(o.done), len(o.errs))
	}
}

// panicky panics in the middle of its execution.
type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Execute(context.Context, *Cache, any, Reporter) { panic("oops") }

func TestPipelineRecoversPanickingStep(t *testing.T) {
	err := New(panicky{}).Start(context.Background(), "x", nil)
	var perr *Error
	if !errors.As(err, &perr) || perr.Step != "panicky" {
		t.Errorf("Start() = %v, want *Error of step \"panicky\"", err)
	}
}

// async reports from another goroutine, twice.
type async struct{}

func (async) Name() string { return "async" }

func (async) Execute(_ context.Context, _ *Cache, data any, r Reporter) {
	go func() {
		time.Sleep(time.Millisecond)
		r.Done(data.(string) + "-async")
		r.Fail(errors.New("late report"))
	}()
}

func TestPipelineAsyncStep(t *testing.T) {
	p := New(async{}, appender("b", "-b"))
	var o outcomes
	if err := p.Start(context.Background(), "x", &o); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"x-async-b"}, o.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

// silent never reports.
type silent struct{}

func (silent) Name() string { return "silent" }
func (silent) Execute(context.Context, *Cache, any, Reporter) {}

func TestPipelineSilentStepWaitsForContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := New(silent{}).Start(ctx, "x", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start() = %v, want %v", err, context.DeadlineExceeded)
	}
}

// counter counts its executions in its cache.
type counter struct{ name string }

func (c counter) Name() string { return c.name }

func (c counter) Execute(_ context.Context, cache *Cache, data any, r Reporter) {
	n, _ := cache.Get("n")
	count, _ := n.(int)
	cache.Put("n", count+1)
	r.Done(data.(int) + count)
}

func TestPipelineCacheIsScopedToRunAndStep(t *testing.T) {
	// Both "shared" steps see the same cache; "other" has its own.
	p := New(counter{"shared"}, counter{"shared"}, counter{"other"})
	for range 2 {
		var o outcomes
		if err := p.Start(context.Background(), 0, &o); err != nil {
			t.Fatal(err)
		}
		// 0 + 0 (shared, first) + 1 (shared, second) + 0 (other).
		if diff := cmp.Diff([]any{1}, o.done); diff != "" {
			t.Errorf("results mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestPipelineAddRemoveStep(t *testing.T) {
	p := New()
	p.AddStep(appender("a", "-a"))
	p.AddStep(appender("b", "-b"))
	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if !p.RemoveStep(appender("a", "")) {
		t.Fatal("RemoveStep(a) = false, want true")
	}
	if p.RemoveStep(appender("missing", "")) {
		t.Error("RemoveStep(missing) = true, want false")
	}
	var o outcomes
	if err := p.Start(context.Background(), "x", &o); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"x-b"}, o.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestTransform(t *testing.T) {
	kw, err := NewTransform("kw-to-w", "body * 1000")
	if err != nil {
		t.Fatal(err)
	}
	ev, err := event.NewPhysicalProperty("power", 1.5)
	if err != nil {
		t.Fatal(err)
	}
	var o outcomes
	if err := New(kw).Start(context.Background(), ev, &o); err != nil {
		t.Fatal(err)
	}
	if len(o.done) != 1 {
		t.Fatalf("got %d results, want 1", len(o.done))
	}
	got, ok := o.done[0].(event.Event)
	if !ok {
		t.Fatalf("got %T, want event.Event", o.done[0])
	}
	if got.Body() != 1500.0 || got.ID() != ev.ID() || got.Type() != ev.Type() {
		t.Errorf("transformed event = %s with body %v, want %s with body 1500", got, got.Body(), ev)
	}

	upper, err := NewTransform("upper", `upper(data)`)
	if err != nil {
		t.Fatal(err)
	}
	var up outcomes
	if err := New(upper).Start(context.Background(), "on", &up); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"ON"}, up.done); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestNewTransformRejectsBadExpressions(t *testing.T) {
	for _, src := range []string{"", "body *"} {
		if _, err := NewTransform("bad", src); err == nil {
			t.Errorf("NewTransform(%q) succeeded", src)
		}
	}
}

func TestFilter(t *testing.T) {
	f, err := NewFilter("significant", `key == "power" && double(body) > 0.5`)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		key  string
		body any
		want any
	}{
		{"power", 1.5, 1.5},
		{"power", 0.1, "<skipped>"},
		{"energy", 2.0, "<skipped>"},
	}
	for _, tt := range tests {
		ev, err := event.NewPhysicalProperty(tt.key, tt.body)
		if err != nil {
			t.Fatal(err)
		}
		var o outcomes
		if err := New(f).Start(context.Background(), ev, &o); err != nil {
			t.Fatalf("%s=%v: %v", tt.key, tt.body, err)
		}
		if len(o.done) != 1 {
			t.Fatalf("%s=%v: got %d results, want 1", tt.key, tt.body, len(o.done))
		}
		got := o.done[0]
		if ev, ok := got.(event.Event); ok {
			got = ev.Body()
		}
		if got != tt.want {
			t.Errorf("%s=%v: got %v, want %v", tt.key, tt.body, got, tt.want)
		}
	}
}

func TestFilterFailsOnNonBoolean(t *testing.T) {
	if _, err := NewFilter("sum", `1 + 2`); err == nil || !strings.Contains(err.Error(), "not bool") {
		t.Errorf("NewFilter(1 + 2) = %v, want a non-bool error", err)
	}
	// The dynamic body hides the result type from the checker.
	f, err := NewFilter("dynamic", `body`)
	if err != nil {
		t.Fatal(err)
	}
	err = New(f).Start(context.Background(), "not a bool", nil)
	var perr *Error
	if !errors.As(err, &perr) {
		t.Errorf("Start() = %v, want *Error", err)
	}
}
