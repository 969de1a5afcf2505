package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/go-digitaltwin/twinsync/asset"
	"github.com/go-digitaltwin/twinsync/event"
)

// fileConfig maps the keys of a configuration file.
type fileConfig struct {
	LogLevel            string        `toml:"log_level"`
	AdapterStartTimeout time.Duration `toml:"adapter_start_timeout"`
	Storage             fileStorage   `toml:"storage"`
	Ingest              fileIngest    `toml:"ingest"`
	Twins               []fileTwin    `toml:"twin"`
}

type fileStorage struct {
	Topic         string `toml:"topic"`
	Neo4jURI      string `toml:"neo4j_uri"`
	Neo4jDatabase string `toml:"neo4j_database"`
	Neo4jUsername string `toml:"neo4j_username"`
	Neo4jPassword string `toml:"neo4j_password"`
}

type fileIngest struct {
	Subscription string `toml:"subscription"`
}

type fileTwin struct {
	ID       string         `toml:"id"`
	Forward  string         `toml:"forward"`
	Physical []filePhysical `toml:"physical"`
	Digital  []fileDigital  `toml:"digital"`
	Steps    []fileStep     `toml:"step"`
}

type filePhysical struct {
	ID            string             `toml:"id"`
	Source        string             `toml:"source"`
	Sink          string             `toml:"sink"`
	Properties    []fileProperty     `toml:"property"`
	Actions       []fileAction       `toml:"action"`
	Events        []fileEvent        `toml:"event"`
	Relationships []fileRelationship `toml:"relationship"`
}

type fileProperty struct {
	Key      string `toml:"key"`
	Type     string `toml:"type"`
	Initial  any    `toml:"initial"`
	Readable bool   `toml:"readable"`
	Writable bool   `toml:"writable"`
}

type fileAction struct {
	Key         string `toml:"key"`
	Type        string `toml:"type"`
	ContentType string `toml:"content_type"`
}

type fileEvent struct {
	Key  string `toml:"key"`
	Type string `toml:"type"`
}

type fileRelationship struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
}

type fileDigital struct {
	ID     string   `toml:"id"`
	Events []string `toml:"events"`
	Sink   string   `toml:"sink"`
	Source string   `toml:"source"`
}

type fileStep struct {
	Category  string `toml:"category"`
	Name      string `toml:"name"`
	Transform string `toml:"transform"`
	Filter    string `toml:"filter"`
}

// LoadFile reads the configuration file at path over Default. Keys the file
// leaves out keep their default; keys twinsync does not know are an error.
func LoadFile(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Decode is like LoadFile but reads the configuration from a string.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys: %s", strings.Join(keys, ", "))
	}

	cfg := Default()
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("load config: log_level: %w", err)
		}
	}
	if meta.IsDefined("adapter_start_timeout") {
		cfg.AdapterStartTimeout = raw.AdapterStartTimeout
	}
	if meta.IsDefined("storage", "topic") {
		cfg.Storage.TopicURL = strings.TrimSpace(raw.Storage.Topic)
	}
	if meta.IsDefined("storage", "neo4j_uri") {
		cfg.Storage.Neo4jURI = strings.TrimSpace(raw.Storage.Neo4jURI)
	}
	if meta.IsDefined("storage", "neo4j_database") {
		cfg.Storage.Neo4jDatabase = strings.TrimSpace(raw.Storage.Neo4jDatabase)
	}
	if meta.IsDefined("storage", "neo4j_username") {
		cfg.Storage.Neo4jUsername = raw.Storage.Neo4jUsername
	}
	if meta.IsDefined("storage", "neo4j_password") {
		cfg.Storage.Neo4jPassword = raw.Storage.Neo4jPassword
	}
	if meta.IsDefined("ingest", "subscription") {
		cfg.Ingest.SubscriptionURL = strings.TrimSpace(raw.Ingest.Subscription)
	}

	for _, t := range raw.Twins {
		cfg.Twins = append(cfg.Twins, t.twin())
	}
	return cfg, nil
}

func (t fileTwin) twin() Twin {
	twin := Twin{ID: strings.TrimSpace(t.ID), ForwardURL: strings.TrimSpace(t.Forward)}
	for _, p := range t.Physical {
		twin.Physical = append(twin.Physical, PhysicalAdapter{
			ID:          strings.TrimSpace(p.ID),
			SourceURL:   strings.TrimSpace(p.Source),
			SinkURL:     strings.TrimSpace(p.Sink),
			Description: p.description(),
		})
	}
	for _, d := range t.Digital {
		twin.Digital = append(twin.Digital, DigitalAdapter{
			ID:        strings.TrimSpace(d.ID),
			Events:    d.Events,
			SinkURL:   strings.TrimSpace(d.Sink),
			SourceURL: strings.TrimSpace(d.Source),
		})
	}
	for _, s := range t.Steps {
		twin.Steps = append(twin.Steps, Step{
			Category:  event.Category(strings.TrimSpace(s.Category)),
			Name:      s.Name,
			Transform: s.Transform,
			Filter:    s.Filter,
		})
	}
	return twin
}

func (p filePhysical) description() asset.Description {
	var d asset.Description
	for _, x := range p.Properties {
		d.Properties = append(d.Properties, asset.Property{
			Key: x.Key, Type: x.Type, Initial: x.Initial, Readable: x.Readable, Writable: x.Writable,
		})
	}
	for _, x := range p.Actions {
		d.Actions = append(d.Actions, asset.Action{Key: x.Key, Type: x.Type, ContentType: x.ContentType})
	}
	for _, x := range p.Events {
		d.Events = append(d.Events, asset.Event{Key: x.Key, Type: x.Type})
	}
	for _, x := range p.Relationships {
		d.Relationships = append(d.Relationships, asset.Relationship{Name: x.Name, Type: x.Type})
	}
	return d
}
