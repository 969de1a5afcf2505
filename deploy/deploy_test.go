package deploy_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/config"
	"github.com/go-digitaltwin/twinsync/deploy"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/eventbus"
	"github.com/go-digitaltwin/twinsync/internal/dbtest"
	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/state"
	"github.com/go-digitaltwin/twinsync/storage"
	"github.com/go-digitaltwin/twinsync/storage/neo4jstore"
)

var lamp = asset.Description{
	Properties: []asset.Property{{Key: "energy", Type: "float", Initial: 0.0, Readable: true}},
	Events:     []asset.Event{{Key: "overheating", Type: "alarm"}},
}

// url names a mem:// topic private to the running test.
func url(t *testing.T, name string) string {
	return "mem://" + strings.ToLower(t.Name()) + "-" + name
}

func openTopic(t *testing.T, url string) *pubsub.Topic {
	t.Helper()
	topic, err := pubsub.OpenTopic(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = topic.Shutdown(context.Background()) })
	return topic
}

func openSubscription(t *testing.T, url string) *pubsub.Subscription {
	t.Helper()
	sub, err := pubsub.OpenSubscription(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Shutdown(context.Background()) })
	return sub
}

func property(t *testing.T, key string, value any) event.Event {
	t.Helper()
	ev, err := event.NewPhysicalProperty(key, value)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

func send(t *testing.T, topic *pubsub.Topic, publisherID string, ev event.Event) {
	t.Helper()
	body, err := eventbus.Encode("lamp", publisherID, ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := topic.Send(context.Background(), &pubsub.Message{Body: body}); err != nil {
		t.Fatal(err)
	}
}

// awaitMessage receives from sub until match accepts a message body.
func awaitMessage(t *testing.T, sub *pubsub.Subscription, what string, match func(body []byte) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("Waiting for %s: %v", what, err)
		}
		msg.Ack()
		if match(msg.Body) {
			return
		}
	}
}

func lifecycleRecord(want lifecycle.State) func([]byte) bool {
	return func(body []byte) bool {
		r, err := storage.DecodeRecord(body)
		return err == nil && r.Kind == storage.KindLifecycle && r.Lifecycle == want
	}
}

func energyUpdate(want float64) func([]byte) bool {
	return func(body []byte) bool {
		_, _, ev, err := eventbus.Decode(body)
		if err != nil || ev.Type().Category != event.StateUpdate {
			return false
		}
		u, err := state.ParseUpdateEvent(ev)
		if err != nil {
			return false
		}
		p, ok := u.Next.Property("energy")
		return ok && p.Value == want
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	assetEvents := openTopic(t, url(t, "lamp-events"))
	ingest := openTopic(t, url(t, "ingest"))

	cfg := config.Default()
	cfg.Storage.TopicURL = url(t, "records")
	cfg.Ingest.SubscriptionURL = url(t, "ingest")
	cfg.Twins = []config.Twin{{
		ID:         "lamp",
		ForwardURL: url(t, "lamp-state"),
		Physical: []config.PhysicalAdapter{{
			ID:          "lamp-adapter",
			Description: lamp,
			SourceURL:   url(t, "lamp-events"),
			SinkURL:     url(t, "lamp-actions"),
		}},
		Digital: []config.DigitalAdapter{{ID: "dashboard", Events: []string{"overheating"}, SinkURL: url(t, "dashboard")}},
		Steps:   []config.Step{{Category: event.PhysicalProperty, Name: "watts", Transform: "body * 1000"}},
	}}

	d, err := deploy.Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := d.Close(ctx); err != nil {
			t.Error("Close():", err)
		}
	}()
	if got := d.Engine().Twins(); len(got) != 1 || got[0] != "lamp" {
		t.Fatalf("Engine().Twins() = %v, want [lamp]", got)
	}
	records := openSubscription(t, url(t, "records"))
	forwarded := openSubscription(t, url(t, "lamp-state"))
	dashboard := openSubscription(t, url(t, "dashboard"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	awaitMessage(t, records, "the twin to synchronize", lifecycleRecord(lifecycle.Synchronized))

	// Readings of the asset pass through the pipeline before they are shadowed.
	send(t, assetEvents, "lamp-adapter", property(t, "energy", 2.5))
	awaitMessage(t, forwarded, "the forwarded reading", energyUpdate(2500))
	awaitMessage(t, dashboard, "the exported reading", energyUpdate(2500))

	// Events of other processes arrive through the ingest subscription.
	send(t, ingest, "elsewhere", property(t, "energy", 0.5))
	awaitMessage(t, forwarded, "the ingested reading", energyUpdate(500))

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil once cancelled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	awaitMessage(t, records, "the twin to be destroyed", lifecycleRecord(lifecycle.Destroyed))
}

func TestRunWithNeo4j(t *testing.T) {
	db := dbtest.StartNeo4j(t)
	ctx := context.Background()
	assetEvents := openTopic(t, url(t, "lamp-events"))

	cfg := config.Default()
	cfg.Storage.Neo4jURI = db.BoltURL
	cfg.Storage.Neo4jDatabase = "twins"
	cfg.Twins = []config.Twin{{
		ID:       "lamp",
		Physical: []config.PhysicalAdapter{{ID: "lamp-adapter", Description: lamp, SourceURL: url(t, "lamp-events")}},
	}}
	d, err := deploy.Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close(ctx) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = d.Run(runCtx) }()

	store := neo4jstore.New(db.Driver, "twins")
	send(t, assetEvents, "lamp-adapter", property(t, "energy", 2.5))
	deadline := time.Now().Add(20 * time.Second)
	for {
		twin, err := store.Twin(ctx, "lamp")
		if err == nil && twin.Properties["energy"] == 2.5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("energy was not projected: twin %+v, error %v", twin, err)
		}
		// Readings sent before the twin bound are dropped, so keep sending.
		time.Sleep(200 * time.Millisecond)
		send(t, assetEvents, "lamp-adapter", property(t, "energy", 2.5))
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	_, err := deploy.Open(context.Background(), config.Default())
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Open() = %v, want %v", err, config.ErrInvalid)
	}
}

func TestOpenFailsOnUnknownSource(t *testing.T) {
	cfg := config.Default()
	cfg.Twins = []config.Twin{{
		ID:       "lamp",
		Physical: []config.PhysicalAdapter{{ID: "lamp-adapter", SourceURL: url(t, "never-created")}},
	}}
	_, err := deploy.Open(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), `physical adapter "lamp-adapter"`) {
		t.Errorf("Open() = %v, want an error about the physical adapter", err)
	}
}

func ExampleComponent() {
	// Component is handed to a go-component loader together with the
	// *config.Config of the deployment as its bootstrap options.
	fmt.Print(deploy.Component.Name)
	// Output: twinsync
}
