/*
Package eventbus routes events between the collaborators of digital twins.

A Bus keeps one subscription table per twin. Subscriptions are keyed by
(twin-id, subscriber-id, type) where the type is either the dotted form of an
exact event type or a category followed by the wildcard suffix (".*"). An exact
subscription matches only events of that type; a wildcard subscription, which
subscribers must register explicitly, matches every key of its category.

Delivery is synchronous: Publish calls each matching subscriber in
subscription order on the caller's goroutine. A subscriber that returns an
error or panics is logged and skipped; it never prevents delivery to the
remaining subscribers. The Bus does not retain delivered events.

Create a Bus with New and inject it into every component of a twin. There is
no process-wide bus, so twins constructed in the same process (e.g. in tests)
stay isolated unless they share a Bus on purpose.
*/
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/event"
)

// A Handler receives the events a subscriber registered for.
type Handler interface {
	HandleEvent(ctx context.Context, ev event.Event) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev event.Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev event.Event) error {
	return f(ctx, ev)
}

// ErrUnroutable is matched by every Error returned for events or filters the
// Bus cannot route.
var ErrUnroutable = errors.New("unroutable")

// Error reports a Publish, Subscribe or Unsubscribe call that the Bus refused.
type Error struct {
	Op     string // Bus method that failed.
	TwinID string
	Type   string // Offending event type or filter, if any.
	Err    error
}

func (e *Error) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("eventbus: %s twin %q: %v", e.Op, e.TwinID, e.Err)
	}
	return fmt.Sprintf("eventbus: %s twin %q type %q: %v", e.Op, e.TwinID, e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every Error match ErrUnroutable.
func (e *Error) Is(target error) bool { return target == ErrUnroutable }

// subscriber is a single registration of a handler under a filter.
type subscriber struct {
	id      string
	handler Handler
}

// table holds the subscriptions of a single twin, indexed by filter string.
type table map[string][]subscriber

// Bus is an in-process publish/subscribe router. The zero value is not usable;
// call New.
//
// A Bus is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	twins  map[string]table
	logger *slog.Logger
}

// An Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger of the Bus, replacing the one carried by the
// contexts given to Publish.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{twins: make(map[string]table)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h under every filter for the given twin. A filter is the
// dotted form of an event type (see event.Type.String) or a category followed
// by event.Wildcard.
//
// Subscribing the same subscriber id twice under a filter replaces its handler
// in place, keeping its position in delivery order. Subscribe validates all
// filters before registering any of them.
func (b *Bus) Subscribe(twinID, subscriberID string, filter []string, h Handler) error {
	if err := validateSubscription("subscribe", twinID, subscriberID, filter); err != nil {
		return err
	}
	if h == nil {
		return &Error{Op: "subscribe", TwinID: twinID, Err: errors.New("nil handler")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.twins[twinID]
	if !ok {
		t = make(table)
		b.twins[twinID] = t
	}
	for _, f := range filter {
		subs := t[f]
		i := slices.IndexFunc(subs, func(s subscriber) bool { return s.id == subscriberID })
		if i >= 0 {
			subs[i].handler = h
			continue
		}
		t[f] = append(subs, subscriber{id: subscriberID, handler: h})
	}
	return nil
}

// Unsubscribe removes the registrations of the subscriber under every filter.
// Filters the subscriber never registered are ignored.
func (b *Bus) Unsubscribe(twinID, subscriberID string, filter []string) error {
	if err := validateSubscription("unsubscribe", twinID, subscriberID, filter); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.twins[twinID]
	if !ok {
		return nil
	}
	for _, f := range filter {
		t[f] = slices.DeleteFunc(t[f], func(s subscriber) bool { return s.id == subscriberID })
		if len(t[f]) == 0 {
			delete(t, f)
		}
	}
	if len(t) == 0 {
		delete(b.twins, twinID)
	}
	return nil
}

// Subscriptions returns, per filter, the ids of the subscribers registered for
// the given twin in delivery order.
func (b *Bus) Subscriptions(twinID string) map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.twins[twinID]))
	for f, subs := range b.twins[twinID] {
		for _, s := range subs {
			out[f] = append(out[f], s.id)
		}
	}
	return out
}

// Reset drops every subscription of the given twin. Twins call it during
// teardown.
func (b *Bus) Reset(twinID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.twins, twinID)
}

// Publish delivers ev to every subscriber of the twin whose filter matches the
// event type: subscribers of the exact type first, then subscribers of the
// type's category wildcard. A subscriber registered under both receives the
// event once.
//
// Publish fails only when the event cannot be routed: an empty twin id or an
// event whose type is not routable. A valid event without subscribers is not
// an error. Failures of individual subscribers are logged and isolated.
func (b *Bus) Publish(ctx context.Context, twinID, publisherID string, ev event.Event) error {
	typ := ev.Type().String()
	if twinID == "" {
		return &Error{Op: "publish", Type: typ, Err: errors.New("empty twin id")}
	}
	if err := ev.Type().Validate(); err != nil {
		return &Error{Op: "publish", TwinID: twinID, Type: typ, Err: err}
	}

	ctx, span := tracer.Start(ctx, "eventbus.Publish", trace.WithAttributes(
		attribute.String("twin.id", twinID),
		attribute.String("event.type", typ),
		attribute.String("event.publisher", publisherID),
	))
	defer span.End()
	defer func(start time.Time) {
		measurePublish(ctx, twinID, ev.Type().Category, time.Since(start))
	}(time.Now())

	logger := b.loggerFrom(ctx).With(
		slog.String("twin-id", twinID),
		slog.String("event-type", typ),
		slog.String("publisher-id", publisherID),
	)

	subs := b.match(twinID, ev.Type())
	if len(subs) == 0 {
		logger.Debug("No subscribers for event, nothing delivered")
		return nil
	}
	span.SetAttributes(attribute.Int("event.subscribers", len(subs)))

	var failed int
	for _, s := range subs {
		if err := deliver(ctx, s, ev); err != nil {
			failed++
			logger.Error("Subscriber failed to handle event",
				slog.String("subscriber-id", s.id),
				slog.Any("error", err),
			)
			deliveryFailures.Add(ctx, 1)
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d subscribers failed", failed, len(subs)))
	}
	return nil
}

// match snapshots the subscribers of an event type so delivery runs without
// holding the lock; handlers may subscribe, unsubscribe or publish.
func (b *Bus) match(twinID string, typ event.Type) []subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.twins[twinID]
	exact := t[typ.String()]
	wildcard := t[typ.Category.Any()]
	subs := make([]subscriber, 0, len(exact)+len(wildcard))
	subs = append(subs, exact...)
	for _, s := range wildcard {
		if !slices.ContainsFunc(exact, func(e subscriber) bool { return e.id == s.id }) {
			subs = append(subs, s)
		}
	}
	return subs
}

// deliver calls the subscriber's handler, converting a panic into an error.
func deliver(ctx context.Context, s subscriber, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.HandleEvent(ctx, ev)
}

func (b *Bus) loggerFrom(ctx context.Context) *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return component.Logger(ctx)
}

func validateSubscription(op, twinID, subscriberID string, filter []string) error {
	if twinID == "" {
		return &Error{Op: op, Err: errors.New("empty twin id")}
	}
	if subscriberID == "" {
		return &Error{Op: op, TwinID: twinID, Err: errors.New("empty subscriber id")}
	}
	for _, f := range filter {
		if _, _, err := event.ParseFilter(f); err != nil {
			return &Error{Op: op, TwinID: twinID, Type: f, Err: err}
		}
	}
	return nil
}
