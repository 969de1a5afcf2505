package storage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/storage")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/storage")

var (
	// writeDuration measures the writing of a single record to a single sink.
	//
	// Each record is labeled with the sink id, the record kind and whether the
	// write succeeded.
	writeDuration metric.Float64Histogram
)

func init() {
	var err error
	writeDuration, err = meter.Float64Histogram(
		"storage.write.duration",
		metric.WithDescription("The duration of writing a record to a sink."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("storage: failed to init 'storage.write.duration' instrument: %v", err))
	}
}

func measureWrite(ctx context.Context, sinkID string, kind Kind, success bool, d time.Duration) {
	writeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attribute.NewSet(
		attribute.String("sink.id", sinkID),
		attribute.String("record.kind", string(kind)),
		attribute.Bool("success", success),
	)))
}
