// Package config loads the deployment of a twinsync process: the twins it
// hosts, their adapters and pipelines, and where their records are stored.
//
// A deployment is read from a TOML file and then overridden by TWINSYNC_
// environment variables, e.g. TWINSYNC_NEO4J_URI, so that secrets and
// per-environment endpoints stay out of the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/caarlos0/env/v7"

	"github.com/go-digitaltwin/twinsync/adapter"
	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
	"github.com/go-digitaltwin/twinsync/pipeline"
)

// EnvPrefix prefixes the environment variables overriding a Config.
const EnvPrefix = "TWINSYNC_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is a twinsync deployment.
type Config struct {
	// LogLevel is the minimum level of the process logs.
	LogLevel slog.Level `env:"LOG_LEVEL"`

	// AdapterStartTimeout bounds how long the twins may take to start their
	// adapters.
	AdapterStartTimeout time.Duration `env:"ADAPTER_START_TIMEOUT"`

	Storage Storage
	Ingest  Ingest `envPrefix:"INGEST_"`

	Twins []Twin
}

// Storage configures where the records of every twin are written. Each
// configured destination becomes a sink; none is required.
type Storage struct {
	// TopicURL opens a gocloud.dev/pubsub topic receiving every record.
	TopicURL string `env:"STORAGE_TOPIC"`

	Neo4jURI      string `env:"NEO4J_URI"`
	Neo4jDatabase string `env:"NEO4J_DATABASE"`
	Neo4jUsername string `env:"NEO4J_USERNAME"`
	Neo4jPassword string `env:"NEO4J_PASSWORD"`
}

// Ingest configures where events published by other processes come from.
type Ingest struct {
	// SubscriptionURL opens a gocloud.dev/pubsub subscription of events in the
	// encoding of eventbus.Encode.
	SubscriptionURL string `env:"SUBSCRIPTION"`
}

// Twin is a hosted digital twin.
type Twin struct {
	ID string

	// ForwardURL opens a topic receiving the state updates of the twin.
	ForwardURL string

	Physical []PhysicalAdapter
	Digital  []DigitalAdapter
	Steps    []Step
}

// PhysicalAdapter is bridged to its asset through pubsub.
type PhysicalAdapter struct {
	ID          string
	Description asset.Description

	// SourceURL opens the subscription of the physical events of the asset.
	SourceURL string

	// SinkURL opens the topic receiving the actions sent to the asset.
	SinkURL string
}

// DigitalAdapter is bridged to its consumers through pubsub.
type DigitalAdapter struct {
	ID string

	// Events are the keys of the event notifications the adapter observes.
	Events []string

	// SinkURL opens the topic receiving the twin state.
	SinkURL string

	// SourceURL opens the subscription of digital actions.
	SourceURL string
}

// Step is one step of the pipeline processing the events of Category before
// they are shadowed. Exactly one of Transform and Filter is set.
type Step struct {
	Category event.Category
	Name     string

	// Transform is an expr-lang expression, see pipeline.NewTransform.
	Transform string

	// Filter is a CEL predicate, see pipeline.NewFilter.
	Filter string
}

// Default returns the configuration of a deployment hosting no twins.
func Default() Config {
	return Config{
		LogLevel:            slog.LevelInfo,
		AdapterStartTimeout: 30 * time.Second,
		Storage:             Storage{Neo4jDatabase: "neo4j"},
	}
}

// Load reads the configuration file at path over Default, then applies the
// overrides of the process environment.
func Load(path string) (Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Override(nil); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Override applies the TWINSYNC_ variables of environ over c. A nil environ
// reads the process environment.
func (c *Config) Override(environ map[string]string) error {
	if err := env.Parse(c, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("load config: environment: %w", err)
	}
	return nil
}

// Validate reports every problem of c, joined.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.AdapterStartTimeout <= 0 {
		invalid("adapter_start_timeout must be positive, got %s", c.AdapterStartTimeout)
	}
	urls := []struct{ key, url string }{
		{"storage.topic", c.Storage.TopicURL},
		{"storage.neo4j_uri", c.Storage.Neo4jURI},
		{"ingest.subscription", c.Ingest.SubscriptionURL},
	}
	for _, u := range urls {
		if err := checkURL(u.url); err != nil {
			invalid("%s: %v", u.key, err)
		}
	}
	if c.Storage.Neo4jURI != "" && c.Storage.Neo4jDatabase == "" {
		invalid("storage.neo4j_database is required with storage.neo4j_uri")
	}

	if len(c.Twins) == 0 {
		invalid("no twins")
	}
	twins := make(map[string]bool)
	for i, t := range c.Twins {
		if t.ID == "" {
			invalid("twin[%d]: empty id", i)
		} else if twins[t.ID] {
			invalid("twin %q: duplicate id", t.ID)
		}
		twins[t.ID] = true
		for _, err := range t.validate() {
			invalid("twin %q: %v", t.ID, err)
		}
	}
	return errors.Join(errs...)
}

func (t Twin) validate() []error {
	var errs []error
	if err := checkURL(t.ForwardURL); err != nil {
		errs = append(errs, fmt.Errorf("forward: %w", err))
	}
	if len(t.Physical) > adapter.MaxAdapters {
		errs = append(errs, fmt.Errorf("%d physical adapters, at most %d", len(t.Physical), adapter.MaxAdapters))
	}
	if len(t.Digital) > adapter.MaxAdapters {
		errs = append(errs, fmt.Errorf("%d digital adapters, at most %d", len(t.Digital), adapter.MaxAdapters))
	}

	ids := make(map[string]bool)
	checkAdapter := func(kind, id string, urls ...string) {
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s adapter: empty id", kind))
		case ids[id]:
			errs = append(errs, fmt.Errorf("%s adapter %q: duplicate id", kind, id))
		}
		ids[id] = true
		for _, u := range urls {
			if err := checkURL(u); err != nil {
				errs = append(errs, fmt.Errorf("%s adapter %q: %w", kind, id, err))
			}
		}
	}
	for _, a := range t.Physical {
		checkAdapter("physical", a.ID, a.SourceURL, a.SinkURL)
	}
	for _, a := range t.Digital {
		checkAdapter("digital", a.ID, a.SinkURL, a.SourceURL)
		for _, key := range a.Events {
			if _, err := event.NewType(event.StateEventNotification, key); err != nil {
				errs = append(errs, fmt.Errorf("digital adapter %q: %w", a.ID, err))
			}
		}
	}

	if _, err := t.Pipelines(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// checkURL accepts an empty string, or an absolute URL.
func checkURL(s string) error {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme == "" {
		return fmt.Errorf("%q has no scheme", s)
	}
	return nil
}

// Pipelines compiles the steps of t into a pipeline per category, keeping the
// order in which the steps of each category are listed.
func (t Twin) Pipelines() (map[event.Category]*pipeline.Pipeline, error) {
	pipelines := make(map[event.Category]*pipeline.Pipeline)
	for i, s := range t.Steps {
		step, err := s.compile()
		if err != nil {
			return nil, fmt.Errorf("step[%d]: %w", i, err)
		}
		if !s.Category.Known() {
			return nil, fmt.Errorf("step[%d] %q: %w: %q", i, s.Name, event.ErrUnknownCategory, s.Category)
		}
		p, ok := pipelines[s.Category]
		if !ok {
			p = pipeline.New()
			pipelines[s.Category] = p
		}
		p.AddStep(step)
	}
	return pipelines, nil
}

func (s Step) compile() (pipeline.Step, error) {
	switch {
	case s.Transform != "" && s.Filter != "":
		return nil, fmt.Errorf("%q: both transform and filter set", s.Name)
	case s.Transform != "":
		return pipeline.NewTransform(s.Name, s.Transform)
	case s.Filter != "":
		return pipeline.NewFilter(s.Name, s.Filter)
	default:
		return nil, fmt.Errorf("%q: neither transform nor filter set", s.Name)
	}
}
