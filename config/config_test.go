package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/config"
	"github.com/go-digitaltwin/twinsync/event"
)

const lampConfig = `
log_level = "debug"
adapter_start_timeout = "5s"

[storage]
topic = "mem://records"
neo4j_uri = "neo4j://localhost:7687"
neo4j_database = "twins"

[ingest]
subscription = "mem://events"

[[twin]]
id = "lamp"
forward = "mem://lamp-state"

[[twin.physical]]
id = "lamp-adapter"
source = "mem://lamp-events"
sink = "mem://lamp-actions"

[[twin.physical.property]]
key = "energy"
type = "float"
initial = 0.0
readable = true

[[twin.physical.action]]
key = "switch_on"
type = "switch"
content_type = "text/plain"

[[twin.physical.event]]
key = "overheating"
type = "alarm"

[[twin.physical.relationship]]
name = "connected_to"
type = "socket"

[[twin.digital]]
id = "dashboard"
events = ["overheating"]
sink = "mem://dashboard"

[[twin.step]]
category = "dt.physical.event.property"
name = "kilowatts"
transform = "body * 1000"

[[twin.step]]
category = "dt.physical.event.property"
name = "negligible"
filter = "double(body) > 0.5"
`

func TestDecode(t *testing.T) {
	got, err := config.Decode(lampConfig)
	if err != nil {
		t.Fatal(err)
	}
	want := config.Config{
		LogLevel:            slog.LevelDebug,
		AdapterStartTimeout: 5 * time.Second,
		Storage: config.Storage{
			TopicURL:      "mem://records",
			Neo4jURI:      "neo4j://localhost:7687",
			Neo4jDatabase: "twins",
		},
		Ingest: config.Ingest{SubscriptionURL: "mem://events"},
		Twins: []config.Twin{{
			ID:         "lamp",
			ForwardURL: "mem://lamp-state",
			Physical: []config.PhysicalAdapter{{
				ID: "lamp-adapter",
				Description: asset.Description{
					Properties:    []asset.Property{{Key: "energy", Type: "float", Initial: 0.0, Readable: true}},
					Actions:       []asset.Action{{Key: "switch_on", Type: "switch", ContentType: "text/plain"}},
					Events:        []asset.Event{{Key: "overheating", Type: "alarm"}},
					Relationships: []asset.Relationship{{Name: "connected_to", Type: "socket"}},
				},
				SourceURL: "mem://lamp-events",
				SinkURL:   "mem://lamp-actions",
			}},
			Digital: []config.DigitalAdapter{{ID: "dashboard", Events: []string{"overheating"}, SinkURL: "mem://dashboard"}},
			Steps: []config.Step{
				{Category: event.PhysicalProperty, Name: "kilowatts", Transform: "body * 1000"},
				{Category: event.PhysicalProperty, Name: "negligible", Filter: "double(body) > 0.5"},
			},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestDecodeKeepsDefaults(t *testing.T) {
	got, err := config.Decode(`
[[twin]]
id = "lamp"
`)
	if err != nil {
		t.Fatal(err)
	}
	want := config.Default()
	want.Twins = []config.Twin{{ID: "lamp"}}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "unknown-key", data: "log_levle = \"debug\"", want: "unknown keys: log_levle"},
		{name: "unknown-nested-key", data: "[storage]\nneo4j_url = \"neo4j://x\"", want: "unknown keys: storage.neo4j_url"},
		{name: "bad-level", data: "log_level = \"loud\"", want: "log_level"},
		{name: "bad-duration", data: "adapter_start_timeout = \"soon\"", want: "load config"},
		{name: "syntax", data: "[[twin]", want: "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Decode(tt.data)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Decode() = %v, want an error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twinsync.toml")
	if err := os.WriteFile(path, []byte(lampConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := config.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want, err := config.Decode(lampConfig)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadFile() mismatch (-want +got):\n%s", diff)
	}

	if _, err := config.LoadFile(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadFile(missing) = %v, want %v", err, os.ErrNotExist)
	}
}

func TestOverride(t *testing.T) {
	cfg, err := config.Decode(lampConfig)
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Override(map[string]string{
		"TWINSYNC_LOG_LEVEL":             "warn",
		"TWINSYNC_ADAPTER_START_TIMEOUT": "1m",
		"TWINSYNC_NEO4J_URI":             "neo4j+s://graph.example.com",
		"TWINSYNC_NEO4J_PASSWORD":        "secret",
		"TWINSYNC_INGEST_SUBSCRIPTION":   "mem://other-events",
		"NEO4J_DATABASE":                 "unprefixed",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := config.Storage{
		TopicURL:      "mem://records",
		Neo4jURI:      "neo4j+s://graph.example.com",
		Neo4jDatabase: "twins",
		Neo4jPassword: "secret",
	}
	if diff := cmp.Diff(want, cfg.Storage); diff != "" {
		t.Errorf("storage mismatch (-want +got):\n%s", diff)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.AdapterStartTimeout != time.Minute {
		t.Errorf("AdapterStartTimeout = %v, want %v", cfg.AdapterStartTimeout, time.Minute)
	}
	if cfg.Ingest.SubscriptionURL != "mem://other-events" {
		t.Errorf("Ingest.SubscriptionURL = %q, want %q", cfg.Ingest.SubscriptionURL, "mem://other-events")
	}
	if len(cfg.Twins) != 1 {
		t.Errorf("Override() changed the twins: %v", cfg.Twins)
	}
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Twins = []config.Twin{{
			ID:       "lamp",
			Physical: []config.PhysicalAdapter{{ID: "lamp-adapter", SourceURL: "mem://lamp-events"}},
			Digital:  []config.DigitalAdapter{{ID: "dashboard", Events: []string{"overheating"}}},
		}}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "no-twins", mutate: func(c *config.Config) { c.Twins = nil }, want: "no twins"},
		{name: "zero-timeout", mutate: func(c *config.Config) { c.AdapterStartTimeout = 0 }, want: "load config"},
		{
			name:   "relative-url",
			mutate: func(c *config.Config) { c.Storage.TopicURL = "records" },
			want:   "storage.topic",
		},
		{
			name:   "neo4j-without-database",
			mutate: func(c *config.Config) { c.Storage.Neo4jURI, c.Storage.Neo4jDatabase = "neo4j://x", "" },
			want:   "neo4j_database",
		},
		{
			name:   "duplicate-twin",
			mutate: func(c *config.Config) { c.Twins = append(c.Twins, config.Twin{ID: "lamp"}) },
			want:   "duplicate id",
		},
		{
			name: "duplicate-adapter",
			mutate: func(c *config.Config) {
				c.Twins[0].Digital = append(c.Twins[0].Digital, config.DigitalAdapter{ID: "lamp-adapter"})
			},
			want: `digital adapter "lamp-adapter": duplicate id`,
		},
		{
			name: "too-many-adapters",
			mutate: func(c *config.Config) {
				for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
					c.Twins[0].Physical = append(c.Twins[0].Physical, config.PhysicalAdapter{ID: id})
				}
			},
			want: "6 physical adapters, at most 5",
		},
		{
			name:   "malformed-event-key",
			mutate: func(c *config.Config) { c.Twins[0].Digital[0].Events = []string{"over heating"} },
			want:   "malformed event key",
		},
		{
			name: "unknown-step-category",
			mutate: func(c *config.Config) {
				c.Twins[0].Steps = []config.Step{{Category: "dt.nowhere", Name: "noop", Transform: "body"}}
			},
			want: "unknown event category",
		},
		{
			name: "step-without-expression",
			mutate: func(c *config.Config) {
				c.Twins[0].Steps = []config.Step{{Category: event.PhysicalProperty, Name: "noop"}}
			},
			want: "neither transform nor filter",
		},
		{
			name: "step-does-not-compile",
			mutate: func(c *config.Config) {
				c.Twins[0].Steps = []config.Step{{Category: event.PhysicalProperty, Name: "broken", Filter: "body >"}}
			},
			want: "broken",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("Validate() = %v, want %v", err, config.ErrInvalid)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestPipelines(t *testing.T) {
	cfg, err := config.Decode(lampConfig)
	if err != nil {
		t.Fatal(err)
	}
	pipelines, err := cfg.Twins[0].Pipelines()
	if err != nil {
		t.Fatal(err)
	}
	if len(pipelines) != 1 {
		t.Fatalf("got pipelines for %d categories, want 1", len(pipelines))
	}
	if got := pipelines[event.PhysicalProperty].Len(); got != 2 {
		t.Errorf("property pipeline has %d steps, want 2", got)
	}
}
