package state

import (
	"errors"
	"fmt"

	"github.com/go-digitaltwin/twinsync/event"
)

// ErrMalformedEvent is returned when decoding an event that was not built by
// NewUpdateEvent or NewNotificationEvent.
var ErrMalformedEvent = errors.New("malformed state event")

// Update is a committed transaction as seen by the consumers of the twin state.
type Update struct {
	Next     State
	Previous State
	Changes  []Change
}

// NewUpdateEvent returns the dt.state.update event announcing a commit. The
// event body is the new state; the previous state and the change list travel
// as metadata.
func NewUpdateEvent(u Update) (event.Event, error) {
	return event.New(event.MustType(event.StateUpdate, ""), u.Next,
		event.WithCreated(u.Next.Evaluated),
		event.WithMetadata(event.MetaPreviousState, u.Previous),
		event.WithMetadata(event.MetaChanges, u.Changes),
	)
}

// ParseUpdateEvent decodes an event built by NewUpdateEvent.
func ParseUpdateEvent(ev event.Event) (Update, error) {
	if ev.Type().Category != event.StateUpdate {
		return Update{}, fmt.Errorf("%w: unexpected type %s", ErrMalformedEvent, ev.Type())
	}
	next, ok := ev.Body().(State)
	if !ok {
		return Update{}, fmt.Errorf("%w: unexpected body %T", ErrMalformedEvent, ev.Body())
	}
	u := Update{Next: next}
	if v, ok := ev.Metadata(event.MetaPreviousState); ok {
		if u.Previous, ok = v.(State); !ok {
			return Update{}, fmt.Errorf("%w: unexpected previous state %T", ErrMalformedEvent, v)
		}
	}
	if v, ok := ev.Metadata(event.MetaChanges); ok {
		if u.Changes, ok = v.([]Change); !ok {
			return Update{}, fmt.Errorf("%w: unexpected changes %T", ErrMalformedEvent, v)
		}
	}
	return u, nil
}

// NewNotificationEvent returns the dt.state.event.notification event relaying
// n to the consumers observing its key.
func NewNotificationEvent(n EventNotification) (event.Event, error) {
	t, err := event.NewType(event.StateEventNotification, n.Key)
	if err != nil {
		return event.Event{}, err
	}
	return event.New(t, n, event.WithCreated(n.Timestamp))
}

// ParseNotificationEvent decodes an event built by NewNotificationEvent.
func ParseNotificationEvent(ev event.Event) (EventNotification, error) {
	if ev.Type().Category != event.StateEventNotification {
		return EventNotification{}, fmt.Errorf("%w: unexpected type %s", ErrMalformedEvent, ev.Type())
	}
	n, ok := ev.Body().(EventNotification)
	if !ok {
		return EventNotification{}, fmt.Errorf("%w: unexpected body %T", ErrMalformedEvent, ev.Body())
	}
	return n, nil
}
