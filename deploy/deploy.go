// Package deploy assembles a running twinsync process out of a config.Config.
//
// A Deployment opens every pubsub URL and database the configuration names,
// registers the twins with an Engine, and ties their lifetimes together: Run
// starts the twins, keeps ingesting events from other processes until its
// context is done, and then stops the twins again.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/twinsync"
	"github.com/go-digitaltwin/twinsync/adapter/pubsubadapter"
	"github.com/go-digitaltwin/twinsync/config"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
	"github.com/go-digitaltwin/twinsync/shadowing"
	"github.com/go-digitaltwin/twinsync/storage"
	"github.com/go-digitaltwin/twinsync/storage/neo4jstore"
	"github.com/go-digitaltwin/twinsync/worker"
)

const (
	// BridgeID publishes the events ingested from other processes.
	BridgeID = "dt.bridge"
	// ForwarderID subscribes the forwarding of twin state to other processes.
	ForwarderID = "dt.bridge.forward"
)

// Names of the storage sinks a Deployment may attach to every twin.
const (
	TopicSink = "topic"
	Neo4jSink = "neo4j"
)

// forwarded are the event filters exported to the forward topic of a twin.
var forwarded = []string{
	event.MustType(event.StateUpdate, "").String(),
	event.StateEventNotification.Any(),
}

// An Option overrides what a Deployment would otherwise open from its
// configuration.
type Option func(*options)

type options struct {
	records *pubsub.Topic
	ingest  *pubsub.Subscription
}

// WithRecordTopic sends the records of every twin to topic instead of the
// configured storage topic. The caller keeps ownership of topic.
func WithRecordTopic(topic *pubsub.Topic) Option {
	return func(o *options) { o.records = topic }
}

// WithIngestSubscription receives events from sub instead of the configured
// ingest subscription. The caller keeps ownership of sub.
func WithIngestSubscription(sub *pubsub.Subscription) Option {
	return func(o *options) { o.ingest = sub }
}

// Deployment is an opened configuration.
type Deployment struct {
	cfg    config.Config
	engine *twinsync.Engine
	bus    *eventbus.Bus
	sinks  map[string]storage.Sink
	ingest *pubsub.Subscription

	// closers release what Open opened, in reverse order.
	closers []func(context.Context) error
}

// Open opens everything cfg names. The configuration is validated first. On
// failure, whatever was opened is closed again.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (_ *Deployment, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d := &Deployment{
		cfg:    cfg,
		engine: twinsync.NewEngine(),
		bus:    eventbus.New(),
		sinks:  make(map[string]storage.Sink),
	}
	defer func() {
		if err != nil {
			if cerr := d.Close(context.WithoutCancel(ctx)); cerr != nil {
				component.Logger(ctx).Error("Couldn't close a partially opened deployment", slog.Any("error", cerr))
			}
		}
	}()

	if err := d.openSinks(ctx, o); err != nil {
		return nil, err
	}
	for _, t := range cfg.Twins {
		twin, err := d.openTwin(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("open twin %q: %w", t.ID, err)
		}
		if err := d.engine.Add(twin); err != nil {
			return nil, err
		}
	}

	switch {
	case o.ingest != nil:
		d.ingest = o.ingest
	case cfg.Ingest.SubscriptionURL != "":
		d.ingest, err = d.openSubscription(ctx, cfg.Ingest.SubscriptionURL)
		if err != nil {
			return nil, fmt.Errorf("open ingest: %w", err)
		}
	}

	component.Logger(ctx).Info("Deployment opened",
		slog.Int("twins", d.engine.Len()),
		slog.Int("sinks", len(d.sinks)),
		slog.Bool("ingest", d.ingest != nil),
	)
	return d, nil
}

func (d *Deployment) openSinks(ctx context.Context, o options) error {
	switch {
	case o.records != nil:
		d.sinks[TopicSink] = storage.NewTopic(o.records)
	case d.cfg.Storage.TopicURL != "":
		topic, err := d.openTopic(ctx, d.cfg.Storage.TopicURL)
		if err != nil {
			return fmt.Errorf("open storage topic: %w", err)
		}
		d.sinks[TopicSink] = storage.NewTopic(topic)
	}

	if d.cfg.Storage.Neo4jURI == "" {
		return nil
	}
	store, err := d.openNeo4j(ctx)
	if err != nil {
		return fmt.Errorf("open neo4j: %w", err)
	}
	d.sinks[Neo4jSink] = store
	return nil
}

func (d *Deployment) openNeo4j(ctx context.Context) (*neo4jstore.Store, error) {
	s := d.cfg.Storage
	auth := neo4j.NoAuth()
	if s.Neo4jUsername != "" {
		auth = neo4j.BasicAuth(s.Neo4jUsername, s.Neo4jPassword, "")
	}
	driver, err := neo4j.NewDriverWithContext(s.Neo4jURI, auth)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, driver.Close)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, err
	}
	if err := neo4jstore.BootstrapDatabase(ctx, driver, s.Neo4jDatabase); err != nil {
		return nil, err
	}
	return neo4jstore.New(driver, s.Neo4jDatabase), nil
}

func (d *Deployment) openTwin(ctx context.Context, t config.Twin) (*twinsync.DigitalTwin, error) {
	opts := []twinsync.Option{twinsync.WithBus(d.bus)}

	pipelines, err := t.Pipelines()
	if err != nil {
		return nil, err
	}
	for c, p := range pipelines {
		opts = append(opts, twinsync.WithPipeline(c, p))
	}

	if len(d.sinks) > 0 {
		m := storage.NewManager(t.ID, d.bus)
		for _, id := range slices.Sorted(maps.Keys(d.sinks)) {
			if err := m.PutSink(id, d.sinks[id]); err != nil {
				return nil, err
			}
		}
		opts = append(opts, twinsync.WithWorker("storage", m))
	}

	if t.ForwardURL != "" {
		topic, err := d.openTopic(ctx, t.ForwardURL)
		if err != nil {
			return nil, fmt.Errorf("open forward topic: %w", err)
		}
		opts = append(opts, twinsync.WithWorker("forward", d.forwarder(t.ID, topic)))
	}

	twin, err := twinsync.New(t.ID, shadowing.Mirror{}, opts...)
	if err != nil {
		return nil, err
	}
	for _, a := range t.Physical {
		source, sink, err := d.openBridge(ctx, a.SourceURL, a.SinkURL)
		if err != nil {
			return nil, fmt.Errorf("physical adapter %q: %w", a.ID, err)
		}
		if err := twin.AddPhysicalAdapter(pubsubadapter.NewPhysical(a.ID, a.Description, source, sink)); err != nil {
			return nil, err
		}
	}
	for _, a := range t.Digital {
		source, sink, err := d.openBridge(ctx, a.SourceURL, a.SinkURL)
		if err != nil {
			return nil, fmt.Errorf("digital adapter %q: %w", a.ID, err)
		}
		if err := twin.AddDigitalAdapter(pubsubadapter.NewDigital(a.ID, a.Events, sink, source)); err != nil {
			return nil, err
		}
	}
	return twin, nil
}

// forwarder exports the state of a twin to topic for as long as the twin runs.
func (d *Deployment) forwarder(twinID string, topic *pubsub.Topic) worker.Worker {
	return worker.Funcs{
		StartFunc: func(context.Context) error {
			return d.bus.Subscribe(twinID, ForwarderID, forwarded, eventbus.Forward(topic, twinID))
		},
		StopFunc: func(context.Context) error {
			return d.bus.Unsubscribe(twinID, ForwarderID, forwarded)
		},
	}
}

// openBridge opens either URL that is set.
func (d *Deployment) openBridge(ctx context.Context, sourceURL, sinkURL string) (*pubsub.Subscription, *pubsub.Topic, error) {
	var (
		source *pubsub.Subscription
		sink   *pubsub.Topic
		err    error
	)
	if sinkURL != "" {
		if sink, err = d.openTopic(ctx, sinkURL); err != nil {
			return nil, nil, fmt.Errorf("open sink: %w", err)
		}
	}
	if sourceURL != "" {
		if source, err = d.openSubscription(ctx, sourceURL); err != nil {
			return nil, nil, fmt.Errorf("open source: %w", err)
		}
	}
	return source, sink, nil
}

func (d *Deployment) openTopic(ctx context.Context, url string) (*pubsub.Topic, error) {
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, topic.Shutdown)
	return topic, nil
}

func (d *Deployment) openSubscription(ctx context.Context, url string) (*pubsub.Subscription, error) {
	sub, err := pubsub.OpenSubscription(ctx, url)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, sub.Shutdown)
	return sub, nil
}

// Engine returns the engine holding the twins of the deployment.
func (d *Deployment) Engine() *twinsync.Engine { return d.engine }

// Bus returns the bus shared by the twins of the deployment.
func (d *Deployment) Bus() *eventbus.Bus { return d.bus }

// Worker returns a worker starting every twin, within the configured adapter
// start timeout, and stopping them all.
func (d *Deployment) Worker() worker.Worker {
	return worker.Funcs{
		StartFunc: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d.cfg.AdapterStartTimeout)
			defer cancel()
			return d.engine.StartAll(ctx)
		},
		StopFunc: d.engine.StopAll,
	}
}

// Run starts the twins and ingests events until ctx is done, then stops the
// twins. It returns early when the twins fail to start or ingesting fails.
func (d *Deployment) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx, "twins", d.Worker()) })
	if d.ingest != nil {
		g.Go(func() error { return d.bus.Listen(ctx, d.ingest, BridgeID) })
	}
	return g.Wait()
}

// Proc returns a component.Proc running the deployment for as long as the
// component runs.
func (d *Deployment) Proc() component.Proc {
	return func(l *component.L) {
		l.Fork("twins", worker.Proc("twins", d.Worker()))
		if d.ingest != nil {
			l.Fork("ingest", d.bus.Ingest(d.ingest, BridgeID))
		}
	}
}

// Close releases everything Open opened. Stop the twins first.
func (d *Deployment) Close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(d.closers) {
		errs = append(errs, c(ctx))
	}
	d.closers = nil
	return errors.Join(errs...)
}
