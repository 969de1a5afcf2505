package adapter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/adapter")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/adapter")

var (
	// publishedEvents counts the events adapters published through their ports,
	// labeled by adapter id and event category.
	publishedEvents metric.Int64Counter
	// bindings counts the binding reports of physical adapters, labeled by kind
	// (bound, updated, unbound).
	bindings metric.Int64Counter
)

func init() {
	var err error
	publishedEvents, err = meter.Int64Counter(
		"adapter.events.published",
		metric.WithDescription("The number of events adapters published into the twin."),
	)
	if err != nil {
		panic(fmt.Sprintf("adapter: failed to init 'adapter.events.published' instrument: %v", err))
	}

	bindings, err = meter.Int64Counter(
		"adapter.bindings",
		metric.WithDescription("The number of binding reports of physical adapters."),
	)
	if err != nil {
		panic(fmt.Sprintf("adapter: failed to init 'adapter.bindings' instrument: %v", err))
	}
}

func countPublished(ctx context.Context, twinID, adapterID, category string) {
	publishedEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("adapter.id", adapterID),
		attribute.String("event.category", category),
	)))
}

func countBinding(ctx context.Context, twinID, adapterID, kind string) {
	bindings.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("adapter.id", adapterID),
		attribute.String("kind", kind),
	)))
}
