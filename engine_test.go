package twinsync_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/shadowing"
)

func newTwin(t *testing.T, id string) *twinsync.DigitalTwin {
	t.Helper()
	twin, err := twinsync.New(id, shadowing.Base{})
	if err != nil {
		t.Fatal(err)
	}
	return twin
}

func TestEngine(t *testing.T) {
	ctx := context.Background()
	e := twinsync.NewEngine()
	for _, id := range []string{"pump", "lamp"} {
		if err := e.Add(newTwin(t, id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Add(newTwin(t, "lamp")); !errors.Is(err, twinsync.ErrDuplicateTwin) {
		t.Errorf("Add(duplicate) = %v, want %v", err, twinsync.ErrDuplicateTwin)
	}
	if got := e.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"lamp", "pump"}, e.Twins()); diff != "" {
		t.Errorf("Twins() mismatch (-want +got):\n%s", diff)
	}

	if err := e.Start(ctx, "lamp"); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx, "lamp"); !errors.Is(err, twinsync.ErrRunning) {
		t.Errorf("Start(running) = %v, want %v", err, twinsync.ErrRunning)
	}
	if err := e.StartAll(ctx); err != nil {
		t.Errorf("StartAll() = %v, want nil", err)
	}
	for _, id := range e.Twins() {
		twin, _ := e.Twin(id)
		if got := twin.Lifecycle().Current(); got != lifecycle.Started {
			t.Errorf("twin %q lifecycle = %s, want %s", id, got, lifecycle.Started)
		}
	}

	if err := e.Stop(ctx, "pump"); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(ctx, "pump"); !errors.Is(err, twinsync.ErrNotRunning) {
		t.Errorf("Stop(stopped) = %v, want %v", err, twinsync.ErrNotRunning)
	}
	if err := e.StopAll(ctx); err != nil {
		t.Errorf("StopAll() = %v, want nil", err)
	}
	lamp, _ := e.Twin("lamp")
	if got := lamp.Lifecycle().Current(); got != lifecycle.Destroyed {
		t.Errorf("lamp lifecycle after StopAll = %s, want %s", got, lifecycle.Destroyed)
	}
	if err := e.StartAll(ctx); err != nil {
		t.Errorf("StartAll() over destroyed twins = %v, want nil", err)
	}
	if lamp.Running() {
		t.Error("StartAll restarted a destroyed twin")
	}

	if err := e.Remove(ctx, "lamp"); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(ctx, "lamp"); !errors.Is(err, twinsync.ErrUnknownTwin) {
		t.Errorf("Remove(unknown) = %v, want %v", err, twinsync.ErrUnknownTwin)
	}
	if err := e.Start(ctx, "lamp"); !errors.Is(err, twinsync.ErrUnknownTwin) {
		t.Errorf("Start(unknown) = %v, want %v", err, twinsync.ErrUnknownTwin)
	}
}

func TestEngineRemoveStopsRunningTwin(t *testing.T) {
	ctx := context.Background()
	e := twinsync.NewEngine()
	twin := newTwin(t, "lamp")
	if err := e.Add(twin); err != nil {
		t.Fatal(err)
	}
	if err := e.Worker().Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove(ctx, "lamp"); err != nil {
		t.Fatal(err)
	}
	if twin.Running() {
		t.Error("removed twin is still running")
	}
	if got := e.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}
