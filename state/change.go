package state

import (
	"fmt"
	"strings"
)

// ResourceType identifies the kind of resource a Change applies to.
type ResourceType int

const (
	ResourceProperty ResourceType = iota + 1
	ResourcePropertyValue
	ResourceAction
	ResourceEvent
	ResourceRelationship
	ResourceRelationshipInstance
)

func (r ResourceType) String() string {
	switch r {
	case ResourceProperty:
		return "PROPERTY"
	case ResourcePropertyValue:
		return "PROPERTY_VALUE"
	case ResourceAction:
		return "ACTION"
	case ResourceEvent:
		return "EVENT"
	case ResourceRelationship:
		return "RELATIONSHIP"
	case ResourceRelationshipInstance:
		return "RELATIONSHIP_INSTANCE"
	}
	return fmt.Sprintf("ResourceType(%d)", int(r))
}

// Operation identifies what a Change did to its resource.
type Operation int

const (
	OperationAdd Operation = iota + 1
	OperationUpdate
	OperationUpdateValue
	OperationRemove
)

func (o Operation) String() string {
	switch o {
	case OperationAdd:
		return "ADD"
	case OperationUpdate:
		return "UPDATE"
	case OperationUpdateValue:
		return "UPDATE_VALUE"
	case OperationRemove:
		return "REMOVE"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// Change records a single mutation of a committed transaction. Resource holds a
// snapshot of the affected entity: a Property, Action, EventDecl, Relationship
// or RelationshipInstance. For removals it is the entity as it was before.
type Change struct {
	Operation    Operation
	ResourceType ResourceType
	Resource     any
}

// Key returns the key (or name) of the changed resource.
func (c Change) Key() string {
	switch r := c.Resource.(type) {
	case Property:
		return r.Key
	case Action:
		return r.Key
	case EventDecl:
		return r.Key
	case Relationship:
		return r.Name
	case RelationshipInstance:
		return r.Relationship + "/" + r.Key
	}
	return ""
}

func (c Change) String() string {
	return fmt.Sprintf("%s %s %s", c.Operation, c.ResourceType, c.Key())
}

// FormatChanges renders a change list one change per line, each line prefixed
// with the given indent. It is meant for logs.
func FormatChanges(changes []Change, indent string) string {
	var b strings.Builder
	for i, c := range changes {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(indent)
		b.WriteString(c.String())
	}
	return b.String()
}
