package neo4jstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/twinsync/storage"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/storage/neo4jstore")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/storage/neo4jstore")

var (
	// writeDuration measures the projection of a single record, including the
	// round-trips of its transaction.
	writeDuration metric.Float64Histogram
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an error
	// during an instrument's initialisation, triggering a panic. This scenario
	// should not occur, if it does, it is likely related to the attributes applied
	// on the instrument.
	var err error
	writeDuration, err = meter.Float64Histogram(
		"neo4jstore.write.duration",
		metric.WithDescription("The duration of projecting a record into the graph."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("neo4jstore: failed to init 'neo4jstore.write.duration' instrument: %v", err))
	}
}

func measureWrite(ctx context.Context, database string, kind storage.Kind, success bool, d time.Duration) {
	writeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attribute.NewSet(
		attribute.String("neo4j.database", database),
		attribute.String("record.kind", string(kind)),
		attribute.Bool("success", success),
	)))
}
