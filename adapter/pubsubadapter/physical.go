/*
Package pubsubadapter implements adapters that reach their assets and consumers
through gocloud.dev/pubsub topics and subscriptions.

Messages carry events in the encoding of eventbus.Encode. The Physical adapter
receives physical events from a subscription and sends the physical actions it
is asked to execute to a topic. The Digital adapter sends the twin state
updates and event notifications to a topic and receives digital actions from a
subscription.
*/
package pubsubadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/twinsync/adapter"
	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
)

// Physical is a physical adapter bridging a pubsub subscription of physical
// events and a topic of physical actions.
//
// It binds with a fixed description as soon as it starts.
type Physical struct {
	id          string
	description asset.Description
	source      *pubsub.Subscription
	sink        *pubsub.Topic

	mu     sync.Mutex // Guards the fields below.
	port   *adapter.PhysicalPort
	cancel context.CancelFunc
	done   chan struct{}
}

var _ adapter.Physical = (*Physical)(nil)

// NewPhysical returns a Physical adapter with the given id and description.
// Either of source and sink may be nil.
func NewPhysical(id string, d asset.Description, source *pubsub.Subscription, sink *pubsub.Topic) *Physical {
	return &Physical{id: id, description: d, source: source, sink: sink}
}

func (a *Physical) ID() string { return a.id }

// Start binds the adapter and starts receiving physical events.
func (a *Physical) Start(ctx context.Context, port *adapter.PhysicalPort) error {
	a.mu.Lock()
	if a.port != nil {
		a.mu.Unlock()
		return errors.New("already started")
	}
	a.port = port
	a.mu.Unlock()

	if err := port.NotifyBound(ctx, a.description); err != nil {
		a.mu.Lock()
		a.port = nil
		a.mu.Unlock()
		return err
	}
	if a.source == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// The receive loop outlives Start: it runs until Stop.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		receive(rctx, a.source, func(ctx context.Context, ev event.Event) error {
			return a.relay(ctx, port, ev)
		})
	}()
	return nil
}

func (a *Physical) relay(ctx context.Context, port *adapter.PhysicalPort, ev event.Event) error {
	switch ev.Type().Category {
	case event.PhysicalProperty:
		return port.PublishProperty(ctx, ev.Key(), ev.Body())
	case event.PhysicalEvent:
		return port.PublishEvent(ctx, ev.Key(), ev.Body())
	case event.PhysicalRelationshipCreated, event.PhysicalRelationshipDeleted:
		r, ok := ev.Body().(event.RelationshipInstance)
		if !ok {
			return fmt.Errorf("unexpected relationship body %T", ev.Body())
		}
		if ev.Type().Category == event.PhysicalRelationshipCreated {
			return port.PublishRelationshipCreated(ctx, r)
		}
		return port.PublishRelationshipDeleted(ctx, r)
	}
	return fmt.Errorf("unexpected event type %s", ev.Type())
}

// Stop stops receiving physical events and releases the binding.
func (a *Physical) Stop(ctx context.Context) error {
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

// OnIncomingPhysicalAction sends the action to the sink topic.
func (a *Physical) OnIncomingPhysicalAction(ctx context.Context, ev event.Event) error {
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

func send(ctx context.Context, topic *pubsub.Topic, twinID, adapterID string, ev event.Event) error {
	body, err := eventbus.Encode(twinID, adapterID, ev)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"twinID":    twinID,
			"eventType": ev.Type().String(),
		},
	}
	if err := topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// receive hands every event decoded from sub to h until ctx is done.
//
// Messages are always acknowledged, even when they cannot be decoded or
// handled; otherwise a single poisonous message would block the subscription.
func receive(ctx context.Context, sub *pubsub.Subscription, h func(context.Context, event.Event) error) {
	logger := component.Logger(ctx)
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Couldn't receive message, receiving stopped", slog.Any("error", err))
			}
			return
		}
		msg.Ack()

		_, _, ev, err := eventbus.Decode(msg.Body)
		if err == nil {
			err = h(ctx, ev)
		}
		if err != nil {
			logger.Error("Couldn't handle message",
				slog.String("msg-id", msg.LoggableID),
				slog.Any("error", err),
			)
		}
	}
}
