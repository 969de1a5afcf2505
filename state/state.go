/*
Package state models the state of a digital twin and the transactional manager
that owns it.

A State aggregates four keyed collections: properties, actions, events and
relationships (each relationship holding its own keyed instances), plus the
time the state was last evaluated. The Manager is the only writer of a twin's
State. It applies mutations inside transactions and, when a transaction
commits, notifies its listeners once with the new state, the previous state and
the ordered list of changes the transaction made.

Readers never share memory with the Manager: every State they receive is a deep
copy. Values of properties, metadata and event bodies are copied shallowly;
treat them as immutable.
*/
package state

import (
	"encoding/gob"
	"maps"
	"slices"
	"strings"
	"time"
)

// Register the state types using gob.Register(). States and change lists travel
// inside interface values (event bodies, event metadata, storage records) and
// gob needs their concrete types to decode them.
func init() {
	gob.Register(State{})
	gob.Register([]Change{})
	gob.Register(Property{})
	gob.Register(Action{})
	gob.Register(EventDecl{})
	gob.Register(Relationship{})
	gob.Register(RelationshipInstance{})
	gob.Register(EventNotification{})
}

// Property is a named value of the twin.
type Property struct {
	Key      string
	Value    any
	Type     string
	Readable bool
	Writable bool
	Exposed  bool
}

// Action is an action the twin exposes to digital adapters.
type Action struct {
	Key         string
	Type        string
	ContentType string
}

// EventDecl declares an event the twin may notify about.
type EventDecl struct {
	Key  string
	Type string
}

// Relationship is a named relationship of the twin with other entities. Its
// instances are keyed by instance key, unique within the relationship only.
type Relationship struct {
	Name      string
	Type      string
	Instances map[string]RelationshipInstance
}

// RelationshipInstance links the twin to a single target.
type RelationshipInstance struct {
	Relationship string
	TargetID     string
	Key          string
	Metadata     map[string]any
}

// EventNotification is the payload of a twin event notification. It is not
// part of the State.
type EventNotification struct {
	Key       string
	Body      any
	Timestamp time.Time
}

// State is the aggregate state of a twin at the time it was last evaluated.
//
// The zero State is empty and ready to use.
type State struct {
	Properties    map[string]Property
	Actions       map[string]Action
	Events        map[string]EventDecl
	Relationships map[string]Relationship
	// Evaluated is the time of the commit that produced this state. It advances
	// strictly with every committed transaction.
	Evaluated time.Time
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := State{
		Properties: maps.Clone(s.Properties),
		Actions:    maps.Clone(s.Actions),
		Events:     maps.Clone(s.Events),
		Evaluated:  s.Evaluated,
	}
	if s.Relationships != nil {
		c.Relationships = make(map[string]Relationship, len(s.Relationships))
		for name, r := range s.Relationships {
			c.Relationships[name] = r.clone()
		}
	}
	return c
}

func (r Relationship) clone() Relationship {
	c := r
	if r.Instances != nil {
		c.Instances = make(map[string]RelationshipInstance, len(r.Instances))
		for k, inst := range r.Instances {
			inst.Metadata = maps.Clone(inst.Metadata)
			c.Instances[k] = inst
		}
	}
	return c
}

// Property looks up a property by key.
func (s State) Property(key string) (Property, bool) {
	p, ok := s.Properties[key]
	return p, ok
}

// ContainsProperty reports whether the state has a property with the given key.
func (s State) ContainsProperty(key string) bool {
	_, ok := s.Properties[key]
	return ok
}

// PropertyList returns the properties ordered by key.
func (s State) PropertyList() []Property {
	return sortedValues(s.Properties, func(p Property) string { return p.Key })
}

// Action looks up an action by key.
func (s State) Action(key string) (Action, bool) {
	a, ok := s.Actions[key]
	return a, ok
}

// ContainsAction reports whether the state exposes an action with the given key.
func (s State) ContainsAction(key string) bool {
	_, ok := s.Actions[key]
	return ok
}

// ActionList returns the actions ordered by key.
func (s State) ActionList() []Action {
	return sortedValues(s.Actions, func(a Action) string { return a.Key })
}

// Event looks up an event declaration by key.
func (s State) Event(key string) (EventDecl, bool) {
	e, ok := s.Events[key]
	return e, ok
}

// ContainsEvent reports whether the state declares an event with the given key.
func (s State) ContainsEvent(key string) bool {
	_, ok := s.Events[key]
	return ok
}

// EventList returns the event declarations ordered by key.
func (s State) EventList() []EventDecl {
	return sortedValues(s.Events, func(e EventDecl) string { return e.Key })
}

// Relationship looks up a relationship by name. The returned value shares no
// memory with s.
func (s State) Relationship(name string) (Relationship, bool) {
	r, ok := s.Relationships[name]
	if !ok {
		return Relationship{}, false
	}
	return r.clone(), true
}

// ContainsRelationship reports whether the state has a relationship with the
// given name.
func (s State) ContainsRelationship(name string) bool {
	_, ok := s.Relationships[name]
	return ok
}

// RelationshipList returns the relationships ordered by name.
func (s State) RelationshipList() []Relationship {
	list := sortedValues(s.Relationships, func(r Relationship) string { return r.Name })
	for i := range list {
		list[i] = list[i].clone()
	}
	return list
}

// InstanceList returns the instances of the relationship ordered by key.
func (r Relationship) InstanceList() []RelationshipInstance {
	return sortedValues(r.Instances, func(i RelationshipInstance) string { return i.Key })
}

func sortedValues[V any](m map[string]V, key func(V) string) []V {
	list := slices.Collect(maps.Values(m))
	slices.SortFunc(list, func(a, b V) int { return strings.Compare(key(a), key(b)) })
	return list
}
