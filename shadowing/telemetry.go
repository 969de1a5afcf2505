package shadowing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/twinsync/event"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/shadowing")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/shadowing")

var (
	// handledEvents counts events handed to a shadowing function, labeled by
	// category and by whether the hook succeeded.
	handledEvents metric.Int64Counter
	// droppedEvents counts events that never reached a hook, labeled by reason:
	// the twin was not bound, a pipeline skipped the event or a pipeline failed.
	droppedEvents metric.Int64Counter
)

func init() {
	var err error
	handledEvents, err = meter.Int64Counter(
		"shadowing.events.handled",
		metric.WithDescription("The number of events handed to the shadowing function."),
	)
	if err != nil {
		panic(fmt.Sprintf("shadowing: failed to init 'shadowing.events.handled' instrument: %v", err))
	}

	droppedEvents, err = meter.Int64Counter(
		"shadowing.events.dropped",
		metric.WithDescription("The number of events dropped before reaching the shadowing function."),
	)
	if err != nil {
		panic(fmt.Sprintf("shadowing: failed to init 'shadowing.events.dropped' instrument: %v", err))
	}
}

func countHandled(ctx context.Context, twinID string, c event.Category, err error) {
	handledEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("event.category", string(c)),
		attribute.Bool("error", err != nil),
	)))
}

func countDropped(ctx context.Context, twinID string, c event.Category, reason string) {
	droppedEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("event.category", string(c)),
		attribute.String("reason", reason),
	)))
}
