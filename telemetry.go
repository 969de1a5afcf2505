package twinsync

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync")

// ---- twin.go ----

const (
	// twinIDAttribute is the attribute key associating each record with the twin
	// it measures. It allows examining all twins of a process collectively as well
	// as each twin individually.
	twinIDAttribute = "twin.id"
)

var (
	// startDuration measures the duration of starting a twin, including the
	// duration it took its adapters to start.
	//
	// Each record is associated with the twinIDAttribute.
	startDuration metric.Float64Histogram
	// startFailures measures the number of twins that failed to start, or whose
	// adapters failed to start.
	//
	// Each record is associated with the twinIDAttribute.
	startFailures metric.Int64Counter
	// stoppedTwins measures the number of twins stopped.
	stoppedTwins metric.Int64Counter
)

// ---- engine.go ----

var (
	// registeredTwins measures the number of twins registered with engines.
	registeredTwins metric.Int64UpDownCounter
)

func init() {
	var err error
	startDuration, err = meter.Float64Histogram(
		"twin.start.duration",
		metric.WithDescription("The duration of starting a twin, including the duration it took its adapters to start."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("twinsync: failed to init 'twin.start.duration' instrument: %v", err))
	}

	startFailures, err = meter.Int64Counter(
		"twin.start.failures",
		metric.WithDescription("The number of twins that failed to start, or whose adapters failed to start."),
	)
	if err != nil {
		panic(fmt.Sprintf("twinsync: failed to init 'twin.start.failures' instrument: %v", err))
	}

	stoppedTwins, err = meter.Int64Counter(
		"twin.stopped",
		metric.WithDescription("The number of twins stopped."),
	)
	if err != nil {
		panic(fmt.Sprintf("twinsync: failed to init 'twin.stopped' instrument: %v", err))
	}

	registeredTwins, err = meter.Int64UpDownCounter(
		"engine.twins",
		metric.WithDescription("The number of twins registered with engines."),
	)
	if err != nil {
		panic(fmt.Sprintf("twinsync: failed to init 'engine.twins' instrument: %v", err))
	}
}

// measureStart records the duration of a successful start, or counts a failed
// one.
func measureStart(ctx context.Context, twinID string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(twinIDAttribute, twinID))
	if succeeded {
		// We use floating-point division here for higher precision (instead of the
		// Millisecond method).
		duration := float64(d) / float64(time.Millisecond)
		startDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		startFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func countStopped(ctx context.Context, twinID string) {
	stoppedTwins.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(twinIDAttribute, twinID))))
}
