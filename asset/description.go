// Package asset describes physical assets the way physical adapters report them
// when they bind to a twin.
package asset

import (
	"encoding/gob"
	"slices"
)

func init() {
	gob.Register(Description{})
	gob.Register(map[string]Description{})
}

// Description is the snapshot of a physical asset a physical adapter reports on
// binding. A binding update replaces it wholesale.
type Description struct {
	Properties    []Property
	Actions       []Action
	Events        []Event
	Relationships []Relationship
}

// Property describes a property of the asset and its initial value.
type Property struct {
	Key      string
	Type     string
	Initial  any
	Readable bool
	Writable bool
}

// Action describes an action the asset accepts.
type Action struct {
	Key         string
	Type        string
	ContentType string
}

// Event describes an event the asset may emit.
type Event struct {
	Key  string
	Type string
}

// Relationship describes a relationship the asset may establish with other
// entities. Type names the kind of target.
type Relationship struct {
	Name string
	Type string
}

// Clone returns a copy of d that shares no slices with it.
func (d Description) Clone() Description {
	return Description{
		Properties:    slices.Clone(d.Properties),
		Actions:       slices.Clone(d.Actions),
		Events:        slices.Clone(d.Events),
		Relationships: slices.Clone(d.Relationships),
	}
}

// PropertyKeys returns the keys of the described properties, in order.
func (d Description) PropertyKeys() []string {
	return keys(d.Properties, func(p Property) string { return p.Key })
}

// ActionKeys returns the keys of the described actions, in order.
func (d Description) ActionKeys() []string {
	return keys(d.Actions, func(a Action) string { return a.Key })
}

// EventKeys returns the keys of the described events, in order.
func (d Description) EventKeys() []string {
	return keys(d.Events, func(e Event) string { return e.Key })
}

// RelationshipNames returns the names of the described relationships, in order.
func (d Description) RelationshipNames() []string {
	return keys(d.Relationships, func(r Relationship) string { return r.Name })
}

func keys[T any](list []T, key func(T) string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		out = append(out, key(v))
	}
	return out
}
