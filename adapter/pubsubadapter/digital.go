package pubsubadapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/twinsync/adapter"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/state"
)

// Digital is a digital adapter exporting the twin state to a pubsub topic and
// importing digital actions from a subscription.
type Digital struct {
	id     string
	events []string
	sink   *pubsub.Topic
	source *pubsub.Subscription

	mu     sync.Mutex // Guards the fields below.
	port   *adapter.DigitalPort
	cancel context.CancelFunc
	done   chan struct{}
}

var _ adapter.Digital = (*Digital)(nil)

// NewDigital returns a Digital adapter with the given id that observes the
// notifications of the given event keys. Either of sink and source may be nil.
func NewDigital(id string, events []string, sink *pubsub.Topic, source *pubsub.Subscription) *Digital {
	return &Digital{id: id, events: events, sink: sink, source: source}
}

func (a *Digital) ID() string { return a.id }

// Start observes the configured event notifications and starts receiving
// digital actions.
func (a *Digital) Start(ctx context.Context, port *adapter.DigitalPort) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port != nil {
		return errors.New("already started")
	}
	if err := port.ObserveEventNotifications(ctx, a.events); err != nil {
		return err
	}
	a.port = port
	if a.source == nil {
		return nil
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		receive(rctx, a.source, func(ctx context.Context, ev event.Event) error {
			req, ok := ev.Body().(event.ActionRequest)
			if ev.Type().Category != event.DigitalAction || !ok {
				return fmt.Errorf("unexpected event %s with body %T", ev.Type(), ev.Body())
			}
			return port.PublishDigitalAction(ctx, ev.Key(), req.Body)
		})
	}()
	return nil
}

// Stop stops receiving digital actions and drops the adapter's observations.
func (a *Digital) Stop(ctx context.Context) error {
	a.mu.Lock()
	port, cancel, done := a.port, a.cancel, a.done
	a.port, a.cancel, a.done = nil, nil, nil
	a.mu.Unlock()
	if port == nil {
		return nil
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return port.NotifyUnBound(ctx, nil)
}

// OnStateUpdate sends the update to the sink topic.
func (a *Digital) OnStateUpdate(ctx context.Context, next, prev state.State, changes []state.Change) error {
	ev, err := state.NewUpdateEvent(state.Update{Next: next, Previous: prev, Changes: changes})
	if err != nil {
		return err
	}
	return a.export(ctx, ev)
}

// OnEventNotificationReceived sends the notification to the sink topic.
func (a *Digital) OnEventNotificationReceived(ctx context.Context, n state.EventNotification) error {
	ev, err := state.NewNotificationEvent(n)
	if err != nil {
		return err
	}
	return a.export(ctx, ev)
}

func (a *Digital) export(ctx context.Context, ev event.Event) error {
	if a.sink == nil {
		return nil
	}
	a.mu.Lock()
	port := a.port
	a.mu.Unlock()
	if port == nil {
		return errors.New("not started")
	}
	return send(ctx, a.sink, port.TwinID(), a.id, ev)
}
