package eventbus

import (
	"github.com/go-digitaltwin/twinsync/event"
)

// Observe subscribes h to every event of the given categories published for
// the twin. It is meant for monitoring and auditing collaborators that must see
// everything in a namespace instead of a list of keys.
//
// The returned function cancels the observation.
func (b *Bus) Observe(twinID, observerID string, categories []event.Category, h Handler) (cancel func() error, err error) {
	filter := make([]string, len(categories))
	for i, c := range categories {
		if c.Keyed() {
			filter[i] = c.Any()
		} else {
			filter[i] = string(c)
		}
	}
	if err := b.Subscribe(twinID, observerID, filter, h); err != nil {
		return nil, err
	}
	return func() error {
		return b.Unsubscribe(twinID, observerID, filter)
	}, nil
}
