package eventbus

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/google/uuid"
	"gocloud.dev/pubsub"

	"github.com/go-digitaltwin/twinsync/event"
)

// envelope is the wire form of an event crossing process boundaries.
//
// Bodies and metadata values travel as interface values, so their concrete
// types must be registered with gob.Register by the packages declaring them.
type envelope struct {
	TwinID      string
	PublisherID string
	ID          uuid.UUID
	Category    string
	Key         string
	Body        any
	Metadata    map[string]any
	Created     time.Time
}

// Encode serialises an event, and the twin and publisher it was published by,
// into a portable gob encoding.
func Encode(twinID, publisherID string, ev event.Event) ([]byte, error) {
	env := envelope{
		TwinID:      twinID,
		PublisherID: publisherID,
		ID:          ev.ID(),
		Category:    string(ev.Type().Category),
		Key:         ev.Type().Key,
		Body:        ev.Body(),
		Metadata:    ev.MetadataMap(),
		Created:     ev.Created(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reconstructs an event previously serialised with Encode. The decoded
// event keeps its original id and creation time.
func Decode(data []byte) (twinID, publisherID string, ev event.Event, err error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return "", "", event.Event{}, fmt.Errorf("gob decode: %w", err)
	}
	opts := []event.Option{event.WithID(env.ID), event.WithCreated(env.Created)}
	for k, v := range env.Metadata {
		opts = append(opts, event.WithMetadata(k, v))
	}
	ev, err = event.New(event.Type{Category: event.Category(env.Category), Key: env.Key}, env.Body, opts...)
	if err != nil {
		return "", "", event.Event{}, err
	}
	return env.TwinID, env.PublisherID, ev, nil
}

// Forward returns a Handler that sends every event it handles to the given
// topic. Subscribe it under the filters of the events to export, e.g. the state
// update type, to make them available to other processes.
//
// The twin id and event type are attached as message metadata to enable
// key-based partitioning by brokers that support it.
func Forward(topic *pubsub.Topic, twinID string) Handler {
	return HandlerFunc(func(ctx context.Context, ev event.Event) error {
		ctx, span := tracer.Start(ctx, "eventbus.Forward")
		defer span.End()

		body, err := Encode(twinID, "", ev)
		if err != nil {
			return fmt.Errorf("forward %s: %w", ev.Type(), err)
		}
		msg := &pubsub.Message{
			Body: body,
			Metadata: map[string]string{
				"twinID":    twinID,
				"eventType": ev.Type().String(),
			},
		}
		if err := topic.Send(ctx, msg); err != nil {
			return fmt.Errorf("forward %s: send: %w", ev.Type(), err)
		}
		return nil
	})
}

// Ingest returns a component.Proc that runs Listen for as long as the component
// runs. A failure to receive is fatal to the component.
func (b *Bus) Ingest(sub *pubsub.Subscription, publisherID string) component.Proc {
	return func(l *component.L) {
		if err := b.Listen(l.Context(), sub, publisherID); err != nil {
			l.Fatal(err)
		}
	}
}

// Listen receives encoded events from the given subscription and republishes
// them on the bus under the twin they were encoded with, as if publisherID had
// published them. It returns nil once ctx is done, or the first failure to
// receive.
//
// Messages are always acknowledged, even when they cannot be decoded or
// routed; otherwise a single poisonous message would block the subscription.
// Such failures are logged and counted.
func (b *Bus) Listen(ctx context.Context, sub *pubsub.Subscription, publisherID string) error {
	logger := component.Logger(ctx)
	for ctx.Err() == nil {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// we're shutting down
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		msg.Ack()

		if err := b.ingest(ctx, msg.Body, publisherID); err != nil {
			logger.Error("Couldn't ingest message", slog.String("msg-id", msg.LoggableID), slog.Any("error", err))
			ingestFailures.Add(ctx, 1)
		}
	}
	return nil
}

func (b *Bus) ingest(ctx context.Context, body []byte, publisherID string) error {
	twinID, _, ev, err := Decode(body)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := b.Publish(ctx, twinID, publisherID, ev); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}
