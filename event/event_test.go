package event

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNewType(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		key      string
		want     string
		wantErr  error
	}{
		{name: "property", category: PhysicalProperty, key: "temperature", want: "dt.physical.event.property.temperature"},
		{name: "digital-action", category: DigitalAction, key: "switch_on", want: "dt.digital.event.action.switch_on"},
		{name: "dotted-key", category: PhysicalEvent, key: "engine.overheating", want: "dt.physical.event.event.engine.overheating"},
		{name: "keyless", category: StateUpdate, want: "dt.state.update"},
		{name: "empty-key", category: PhysicalProperty, wantErr: ErrEmptyKey},
		{name: "whitespace-key", category: PhysicalProperty, key: "tem perature", wantErr: ErrMalformedKey},
		{name: "wildcard-key", category: PhysicalProperty, key: "*", wantErr: ErrMalformedKey},
		{name: "keyless-with-key", category: Lifecycle, key: "x", wantErr: ErrMalformedKey},
		{name: "digital-key-shadowing-actions", category: Digital, key: "action", wantErr: ErrMalformedKey},
		{name: "digital-dotted-key-shadowing-actions", category: Digital, key: "action.switch_on", wantErr: ErrMalformedKey},
		{name: "digital-key", category: Digital, key: "actions", want: "dt.digital.event.actions"},
		{name: "unknown-category", category: "dt.nope", key: "x", wantErr: ErrUnknownCategory},
		{name: "zero", wantErr: ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewType(tt.category, tt.key)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewType(%q, %q) error = %v, want %v", tt.category, tt.key, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.String() != tt.want {
				t.Errorf("NewType(%q, %q) = %q, want %q", tt.category, tt.key, got, tt.want)
			}
			if parsed, err := ParseType(got.String()); err != nil || parsed != got {
				t.Errorf("ParseType(%q) = %v, %v; want %v", got, parsed, err, got)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{in: "dt.physical.event.property.energy", want: Type{PhysicalProperty, "energy"}},
		{in: "dt.digital.event.action.switch", want: Type{DigitalAction, "switch"}},
		{in: "dt.digital.event.status", want: Type{Digital, "status"}},
		{in: "dt.physical.event.relationship.created.insideIn", want: Type{PhysicalRelationshipCreated, "insideIn"}},
		{in: "dt.state.event.notification.overheating", want: Type{StateEventNotification, "overheating"}},
		{in: "dt.lifecycle", want: Type{Category: Lifecycle}},
		{in: "dt.physical.event.property", wantErr: true},
		{in: "something.else", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseType(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestParseFilter(t *testing.T) {
	typ, wildcard, err := ParseFilter(DigitalAction.Any())
	if err != nil {
		t.Fatal(err)
	}
	if !wildcard || typ.Category != DigitalAction {
		t.Errorf("ParseFilter(%q) = %v, %t; want wildcard of %s", DigitalAction.Any(), typ, wildcard, DigitalAction)
	}

	if _, _, err := ParseFilter("dt.unknown.*"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("ParseFilter(unknown wildcard) error = %v, want %v", err, ErrUnknownCategory)
	}
}

func TestEventImmutability(t *testing.T) {
	meta := map[string]any{"origin": "sensor-1"}
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ev, err := New(MustType(PhysicalProperty, "switch"), "ON", WithCreated(created), func(e *Event) {
		e.metadata = meta
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's map must not leak into the event.
	meta["origin"] = "tampered"
	if v, _ := ev.Metadata("origin"); v != "sensor-1" {
		t.Errorf("Metadata(origin) = %v, want sensor-1", v)
	}
	// Neither must mutating the returned copy.
	m := ev.MetadataMap()
	m["origin"] = "tampered"
	if v, _ := ev.Metadata("origin"); v != "sensor-1" {
		t.Errorf("Metadata(origin) after copy mutation = %v, want sensor-1", v)
	}

	if ev.Key() != "switch" || ev.Body() != "ON" || !ev.Created().Equal(created) {
		t.Errorf("unexpected event fields: key=%q body=%v created=%v", ev.Key(), ev.Body(), ev.Created())
	}
}

func TestEventWithBody(t *testing.T) {
	ev, err := New(MustType(PhysicalProperty, "switch"), "ON", WithMetadata("origin", "sensor-1"))
	if err != nil {
		t.Fatal(err)
	}
	c := ev.WithBody("OFF")
	if c.Body() != "OFF" || ev.Body() != "ON" {
		t.Errorf("WithBody(OFF): body = %v, original body = %v", c.Body(), ev.Body())
	}
	if c.ID() != ev.ID() || c.Type() != ev.Type() || !c.Created().Equal(ev.Created()) {
		t.Errorf("WithBody() changed the identity of %s into %s", ev, c)
	}
	if v, _ := c.Metadata("origin"); v != "sensor-1" {
		t.Errorf("WithBody() dropped metadata: origin = %v", v)
	}
}

func TestNewRejectsUnroutable(t *testing.T) {
	if _, err := NewPhysicalProperty("", 1); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewPhysicalProperty(empty key) error = %v, want %v", err, ErrEmptyKey)
	}
	if _, err := New(Type{}, nil); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("New(zero type) error = %v, want %v", err, ErrUnknownCategory)
	}
}

func TestRelationshipInstanceKey(t *testing.T) {
	r := RelationshipInstance{Relationship: "insideIn", TargetID: "room-1"}
	if got, want := r.InstanceKey(), "physical.asset.relationship.insideIn.room-1"; got != want {
		t.Errorf("InstanceKey() = %q, want %q", got, want)
	}
	r.Key = "custom"
	if got := r.InstanceKey(); got != "custom" {
		t.Errorf("InstanceKey() = %q, want custom", got)
	}
}
