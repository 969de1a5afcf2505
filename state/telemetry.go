package state

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/twinsync/state")
var meter = otel.Meter("github.com/go-digitaltwin/twinsync/state")

var (
	// commitDuration measures the lifetime of committed transactions, from Begin
	// until the new state is in place (excluding listener notification).
	commitDuration metric.Float64Histogram
	// committedChanges counts the changes made by committed transactions.
	committedChanges metric.Int64Counter
	// abortedTransactions counts transactions that ended without committing,
	// labeled by whether they were rolled back or aborted by a failed mutation.
	abortedTransactions metric.Int64Counter
)

func init() {
	var err error
	commitDuration, err = meter.Float64Histogram(
		"state.commit.duration",
		metric.WithDescription("The duration of committed state transactions."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("state: failed to init 'state.commit.duration' instrument: %v", err))
	}

	committedChanges, err = meter.Int64Counter(
		"state.commit.changes",
		metric.WithDescription("The number of changes made by committed state transactions."),
	)
	if err != nil {
		panic(fmt.Sprintf("state: failed to init 'state.commit.changes' instrument: %v", err))
	}

	abortedTransactions, err = meter.Int64Counter(
		"state.transactions.aborted",
		metric.WithDescription("The number of state transactions that ended without committing."),
	)
	if err != nil {
		panic(fmt.Sprintf("state: failed to init 'state.transactions.aborted' instrument: %v", err))
	}
}

func measureCommit(ctx context.Context, twinID string, changes int, d time.Duration) {
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String("twin.id", twinID)))
	commitDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	committedChanges.Add(ctx, int64(changes), attrs)
}

func countAborted(ctx context.Context, twinID, reason string) {
	abortedTransactions.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("twin.id", twinID),
		attribute.String("reason", reason),
	)))
}
