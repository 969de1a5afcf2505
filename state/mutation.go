package state

import "maps"

// A mutation applies a single change to the working copy of a transaction and
// returns the Change to record. It must leave the State untouched when it
// returns an error.
type mutation struct {
	op       string
	resource ResourceType
	key      string
	apply    func(s *State) (Change, error)
}

func (m mutation) fail(err error) error {
	return &Error{Op: m.op, Resource: m.resource, Key: m.key, Err: err}
}

func createProperty(p Property) mutation {
	m := mutation{op: "create property", resource: ResourceProperty, key: p.Key}
	m.apply = func(s *State) (Change, error) {
		if p.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if s.ContainsProperty(p.Key) {
			return Change{}, m.fail(ErrConflict)
		}
		if s.Properties == nil {
			s.Properties = make(map[string]Property)
		}
		s.Properties[p.Key] = p
		return Change{Operation: OperationAdd, ResourceType: ResourceProperty, Resource: p}, nil
	}
	return m
}

func updateProperty(p Property) mutation {
	m := mutation{op: "update property", resource: ResourceProperty, key: p.Key}
	m.apply = func(s *State) (Change, error) {
		if p.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if !s.ContainsProperty(p.Key) {
			return Change{}, m.fail(ErrNotFound)
		}
		s.Properties[p.Key] = p
		return Change{Operation: OperationUpdate, ResourceType: ResourceProperty, Resource: p}, nil
	}
	return m
}

func updatePropertyValue(key string, value any) mutation {
	m := mutation{op: "update property value", resource: ResourcePropertyValue, key: key}
	m.apply = func(s *State) (Change, error) {
		p, ok := s.Properties[key]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		p.Value = value
		s.Properties[key] = p
		return Change{Operation: OperationUpdateValue, ResourceType: ResourcePropertyValue, Resource: p}, nil
	}
	return m
}

func deleteProperty(key string) mutation {
	m := mutation{op: "delete property", resource: ResourceProperty, key: key}
	m.apply = func(s *State) (Change, error) {
		p, ok := s.Properties[key]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		delete(s.Properties, key)
		return Change{Operation: OperationRemove, ResourceType: ResourceProperty, Resource: p}, nil
	}
	return m
}

func enableAction(a Action) mutation {
	m := mutation{op: "enable action", resource: ResourceAction, key: a.Key}
	m.apply = func(s *State) (Change, error) {
		if a.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if s.ContainsAction(a.Key) {
			return Change{}, m.fail(ErrConflict)
		}
		if s.Actions == nil {
			s.Actions = make(map[string]Action)
		}
		s.Actions[a.Key] = a
		return Change{Operation: OperationAdd, ResourceType: ResourceAction, Resource: a}, nil
	}
	return m
}

func updateAction(a Action) mutation {
	m := mutation{op: "update action", resource: ResourceAction, key: a.Key}
	m.apply = func(s *State) (Change, error) {
		if a.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if !s.ContainsAction(a.Key) {
			return Change{}, m.fail(ErrNotFound)
		}
		s.Actions[a.Key] = a
		return Change{Operation: OperationUpdate, ResourceType: ResourceAction, Resource: a}, nil
	}
	return m
}

func disableAction(key string) mutation {
	m := mutation{op: "disable action", resource: ResourceAction, key: key}
	m.apply = func(s *State) (Change, error) {
		a, ok := s.Actions[key]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		delete(s.Actions, key)
		return Change{Operation: OperationRemove, ResourceType: ResourceAction, Resource: a}, nil
	}
	return m
}

func registerEvent(e EventDecl) mutation {
	m := mutation{op: "register event", resource: ResourceEvent, key: e.Key}
	m.apply = func(s *State) (Change, error) {
		if e.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if s.ContainsEvent(e.Key) {
			return Change{}, m.fail(ErrConflict)
		}
		if s.Events == nil {
			s.Events = make(map[string]EventDecl)
		}
		s.Events[e.Key] = e
		return Change{Operation: OperationAdd, ResourceType: ResourceEvent, Resource: e}, nil
	}
	return m
}

func updateEvent(e EventDecl) mutation {
	m := mutation{op: "update event", resource: ResourceEvent, key: e.Key}
	m.apply = func(s *State) (Change, error) {
		if e.Key == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if !s.ContainsEvent(e.Key) {
			return Change{}, m.fail(ErrNotFound)
		}
		s.Events[e.Key] = e
		return Change{Operation: OperationUpdate, ResourceType: ResourceEvent, Resource: e}, nil
	}
	return m
}

func deregisterEvent(key string) mutation {
	m := mutation{op: "deregister event", resource: ResourceEvent, key: key}
	m.apply = func(s *State) (Change, error) {
		e, ok := s.Events[key]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		delete(s.Events, key)
		return Change{Operation: OperationRemove, ResourceType: ResourceEvent, Resource: e}, nil
	}
	return m
}

func createRelationship(r Relationship) mutation {
	m := mutation{op: "create relationship", resource: ResourceRelationship, key: r.Name}
	m.apply = func(s *State) (Change, error) {
		if r.Name == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		if s.ContainsRelationship(r.Name) {
			return Change{}, m.fail(ErrConflict)
		}
		if s.Relationships == nil {
			s.Relationships = make(map[string]Relationship)
		}
		created := r.clone()
		if created.Instances == nil {
			created.Instances = make(map[string]RelationshipInstance)
		}
		s.Relationships[r.Name] = created
		return Change{Operation: OperationAdd, ResourceType: ResourceRelationship, Resource: created.clone()}, nil
	}
	return m
}

func deleteRelationship(name string) mutation {
	m := mutation{op: "delete relationship", resource: ResourceRelationship, key: name}
	m.apply = func(s *State) (Change, error) {
		r, ok := s.Relationships[name]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		delete(s.Relationships, name)
		return Change{Operation: OperationRemove, ResourceType: ResourceRelationship, Resource: r}, nil
	}
	return m
}

func addRelationshipInstance(inst RelationshipInstance) mutation {
	m := mutation{op: "add relationship instance", resource: ResourceRelationshipInstance, key: inst.Key}
	m.apply = func(s *State) (Change, error) {
		if inst.Relationship == "" || inst.TargetID == "" {
			return Change{}, m.fail(ErrBadRequest)
		}
		r, ok := s.Relationships[inst.Relationship]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		if inst.Key == "" {
			inst.Key = inst.TargetID
		}
		if _, ok := r.Instances[inst.Key]; ok {
			return Change{}, m.fail(ErrConflict)
		}
		if r.Instances == nil {
			r.Instances = make(map[string]RelationshipInstance)
		}
		inst.Metadata = maps.Clone(inst.Metadata)
		r.Instances[inst.Key] = inst
		s.Relationships[inst.Relationship] = r
		return Change{Operation: OperationAdd, ResourceType: ResourceRelationshipInstance, Resource: inst}, nil
	}
	return m
}

func deleteRelationshipInstance(name, key string) mutation {
	m := mutation{op: "delete relationship instance", resource: ResourceRelationshipInstance, key: key}
	m.apply = func(s *State) (Change, error) {
		r, ok := s.Relationships[name]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		inst, ok := r.Instances[key]
		if !ok {
			return Change{}, m.fail(ErrNotFound)
		}
		delete(r.Instances, key)
		return Change{Operation: OperationRemove, ResourceType: ResourceRelationshipInstance, Resource: inst}, nil
	}
	return m
}
