package event

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category is the basic namespace of an event type. Physical adapters publish
// under the physical categories, digital adapters under the digital ones, and
// the twin itself under the state and lifecycle categories.
type Category string

const (
	PhysicalProperty             Category = "dt.physical.event.property"
	PhysicalEvent                Category = "dt.physical.event.event"
	PhysicalAction               Category = "dt.physical.event.action"
	PhysicalRelationshipCreated  Category = "dt.physical.event.relationship.created"
	PhysicalRelationshipDeleted  Category = "dt.physical.event.relationship.deleted"
	PhysicalDescriptionAvailable Category = "dt.physical.event.pad.available"
	PhysicalDescriptionUpdated   Category = "dt.physical.event.pad.updated"
	Digital                      Category = "dt.digital.event"
	DigitalAction                Category = "dt.digital.event.action"
	StateUpdate                  Category = "dt.state.update"
	StateEventNotification       Category = "dt.state.event.notification"
	Lifecycle                    Category = "dt.lifecycle"
)

// Wildcard is the suffix of a filter that selects every key of a category.
const Wildcard = ".*"

// keyless categories name a single event type on their own; every other
// category requires a key.
var keyless = map[Category]bool{
	PhysicalDescriptionAvailable: true,
	PhysicalDescriptionUpdated:   true,
	StateUpdate:                  true,
	Lifecycle:                    true,
}

var categories = []Category{
	PhysicalProperty,
	PhysicalEvent,
	PhysicalAction,
	PhysicalRelationshipCreated,
	PhysicalRelationshipDeleted,
	PhysicalDescriptionAvailable,
	PhysicalDescriptionUpdated,
	Digital,
	DigitalAction,
	StateUpdate,
	StateEventNotification,
	Lifecycle,
}

func init() {
	// ParseType relies on trying the longest categories first, because several
	// categories are prefixes of others (e.g. dt.digital.event).
	sort.Slice(categories, func(i, j int) bool {
		return len(categories[i]) > len(categories[j])
	})
}

// Known reports whether c is one of the categories routed by the event bus.
func (c Category) Known() bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

// Keyed reports whether types of this category carry a key.
func (c Category) Keyed() bool {
	return !keyless[c]
}

// Any returns the filter selecting every event of this category.
func (c Category) Any() string {
	return string(c) + Wildcard
}

var (
	// ErrUnknownCategory is returned for types outside the known namespaces.
	ErrUnknownCategory = errors.New("unknown event category")
	// ErrEmptyKey is returned when a keyed category is given no key.
	ErrEmptyKey = errors.New("empty event key")
	// ErrMalformedKey is returned for keys containing whitespace or wildcards.
	ErrMalformedKey = errors.New("malformed event key")
)

// Type identifies an event by its category and a caller-supplied key. The zero
// Type is invalid.
type Type struct {
	Category Category
	Key      string
}

// NewType builds the type of an event in category c with the given key.
func NewType(c Category, key string) (Type, error) {
	t := Type{Category: c, Key: key}
	if err := t.Validate(); err != nil {
		return Type{}, err
	}
	return t, nil
}

// MustType is like NewType but panics on an invalid type. It simplifies the
// declaration of package-level types.
func MustType(c Category, key string) Type {
	t, err := NewType(c, key)
	if err != nil {
		panic(err)
	}
	return t
}

// Validate reports why t cannot be routed, if at all.
func (t Type) Validate() error {
	if !t.Category.Known() {
		return fmt.Errorf("type %q: %w", t.String(), ErrUnknownCategory)
	}
	if !t.Category.Keyed() {
		if t.Key != "" {
			return fmt.Errorf("type %q: category %s takes no key: %w", t.String(), t.Category, ErrMalformedKey)
		}
		return nil
	}
	if t.Key == "" {
		return fmt.Errorf("type %q: %w", t.Category, ErrEmptyKey)
	}
	if strings.ContainsAny(t.Key, " \t\r\n*") {
		return fmt.Errorf("type %q: %w", t.String(), ErrMalformedKey)
	}
	// The dotted form must parse back into t, which a key reaching into a
	// longer category (dt.digital.event with key action.x) would not.
	s := t.String()
	for _, c := range categories {
		if len(c) > len(t.Category) && (s == string(c) || strings.HasPrefix(s, string(c)+".")) {
			return fmt.Errorf("type %q: key shadows category %s: %w", s, c, ErrMalformedKey)
		}
	}
	return nil
}

// String returns the dotted form of t, e.g.
// dt.physical.event.property.temperature.
func (t Type) String() string {
	if t.Key == "" {
		return string(t.Category)
	}
	return string(t.Category) + "." + t.Key
}

// ParseType recovers a Type from its dotted form. The longest matching category
// wins, so dt.digital.event.action.switch parses as a DigitalAction keyed
// "switch".
func ParseType(s string) (Type, error) {
	for _, c := range categories {
		if s == string(c) {
			return NewType(c, "")
		}
		if strings.HasPrefix(s, string(c)+".") {
			return NewType(c, strings.TrimPrefix(s, string(c)+"."))
		}
	}
	return Type{}, fmt.Errorf("type %q: %w", s, ErrUnknownCategory)
}

// ParseFilter validates a subscription filter: either the dotted form of a
// routable type or a category followed by the Wildcard suffix.
func ParseFilter(s string) (Type, bool, error) {
	if c, ok := strings.CutSuffix(s, Wildcard); ok {
		if !Category(c).Known() {
			return Type{}, false, fmt.Errorf("filter %q: %w", s, ErrUnknownCategory)
		}
		return Type{Category: Category(c)}, true, nil
	}
	t, err := ParseType(s)
	if err != nil {
		return Type{}, false, err
	}
	return t, false, nil
}
