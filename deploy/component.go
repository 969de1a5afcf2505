package deploy

import (
	"fmt"
	"log/slog"

	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/twinsync/config"
)

// Topic names linked by Component.
const (
	// EventsInterest carries events, in the encoding of eventbus.Encode, to
	// ingest into the twins.
	EventsInterest = "twinsync.events"
	// RecordsAspect carries the storage records of the twins.
	RecordsAspect = "twinsync.records"
)

// Component hosts the twins of a *config.Config, given as the bootstrap
// options, inside a go-component deployment. The linked topics replace the
// storage topic and ingest subscription of the configuration.
var Component = component.Descriptor{
	Name:      "twinsync",
	Doc:       "Synchronizes digital twins with their physical assets and digital consumers.",
	Bootstrap: bootstrap,
	Aspects:   []string{RecordsAspect},
	Interests: []string{EventsInterest},
}

func bootstrap(l *component.L, linker component.Linker, options any) error {
	cfg, ok := options.(*config.Config)
	if !ok {
		return fmt.Errorf("bootstrap twinsync: options are %T, want *config.Config", options)
	}
	logger := component.Logger(l.Context())

	logger.Debug("Opening interest subscription...", slog.String("topic-name", EventsInterest))
	events, err := linker.LinkInterest(l.GraceContext(), EventsInterest)
	if err != nil {
		return fmt.Errorf("open interest %q: %w", EventsInterest, err)
	}
	l.CleanupBackground(events.Shutdown)

	logger.Debug("Opening aspect topic...", slog.String("topic-name", RecordsAspect))
	records, err := linker.LinkAspect(l.GraceContext(), RecordsAspect)
	if err != nil {
		return fmt.Errorf("open aspect %q: %w", RecordsAspect, err)
	}
	l.CleanupContext(records.Shutdown)

	d, err := Open(l.Context(), *cfg, WithRecordTopic(records), WithIngestSubscription(events))
	if err != nil {
		return fmt.Errorf("bootstrap twinsync: %w", err)
	}
	l.CleanupContext(d.Close)
	logger.Info("Component bootstrapped", slog.Int("twins", d.Engine().Len()))

	l.Fork("deployment", d.Proc())
	return nil
}
