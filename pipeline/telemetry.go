package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/go-digitaltwin/twinsync/pipeline")

// runDuration measures whole pipeline runs, labeled by how the run ended: done,
// skipped or failed.
var runDuration metric.Float64Histogram

func init() {
	var err error
	runDuration, err = meter.Float64Histogram(
		"pipeline.run.duration",
		metric.WithDescription("The duration of pipeline runs, by outcome."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("pipeline: failed to init 'pipeline.run.duration' instrument: %v", err))
	}
}

func outcomeOf(ok bool, err error) string {
	switch {
	case err != nil:
		return "failed"
	case !ok:
		return "skipped"
	}
	return "done"
}

func measureRun(ctx context.Context, outcome string, d time.Duration) {
	attrs := attribute.NewSet(attribute.String("pipeline.outcome", outcome))
	runDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
