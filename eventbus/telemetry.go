package eventbus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/twinsync/event"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/eventbus")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/eventbus")

var (
	// publishDuration measures a single call to Publish, including the
	// synchronous delivery to every matching subscriber.
	//
	// Each record is labeled with the twin id and the event category.
	publishDuration metric.Float64Histogram
	// deliveryFailures counts subscribers that returned an error or panicked while
	// handling an event.
	deliveryFailures metric.Int64Counter
	// ingestFailures counts messages an ingest procedure could not turn into bus
	// events.
	ingestFailures metric.Int64Counter
)

func init() {
	var err error
	publishDuration, err = meter.Float64Histogram(
		"eventbus.publish.duration",
		metric.WithDescription("The duration of publishing a single event, including synchronous delivery to all subscribers."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("eventbus: failed to init 'eventbus.publish.duration' instrument: %v", err))
	}

	deliveryFailures, err = meter.Int64Counter(
		"eventbus.delivery.failures",
		metric.WithDescription("The number of subscribers that failed to handle a delivered event."),
	)
	if err != nil {
		panic(fmt.Sprintf("eventbus: failed to init 'eventbus.delivery.failures' instrument: %v", err))
	}

	ingestFailures, err = meter.Int64Counter(
		"eventbus.ingest.failures",
		metric.WithDescription("The number of pubsub messages that could not be ingested as bus events."),
	)
	if err != nil {
		panic(fmt.Sprintf("eventbus: failed to init 'eventbus.ingest.failures' instrument: %v", err))
	}
}

// measurePublish records the duration of a Publish call, labeled with the twin
// and the category of the published event.
func measurePublish(ctx context.Context, twinID string, c event.Category, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("event.category", string(c)),
	)
	// Floating-point division keeps sub-millisecond precision.
	publishDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
