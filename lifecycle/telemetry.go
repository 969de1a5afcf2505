package lifecycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/lifecycle")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/lifecycle")

var (
	// transitions counts completed transitions, labeled by twin and target state.
	transitions metric.Int64Counter
	// listenerFailures counts listener callbacks that failed or panicked.
	listenerFailures metric.Int64Counter
)

func init() {
	var err error
	transitions, err = meter.Int64Counter(
		"lifecycle.transitions",
		metric.WithDescription("The number of lifecycle transitions, by target state."),
	)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: failed to init 'lifecycle.transitions' instrument: %v", err))
	}

	listenerFailures, err = meter.Int64Counter(
		"lifecycle.listener.failures",
		metric.WithDescription("The number of lifecycle listener callbacks that failed."),
	)
	if err != nil {
		panic(fmt.Sprintf("lifecycle: failed to init 'lifecycle.listener.failures' instrument: %v", err))
	}
}

func countTransition(ctx context.Context, twinID string, to State) {
	transitions.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("lifecycle.state", to.String()),
	)))
}

func countListenerFailure(ctx context.Context, twinID, callback string) {
	listenerFailures.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("lifecycle.callback", callback),
	)))
}
