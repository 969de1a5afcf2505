/*
Package neo4jstore projects the records of twins into a Neo4j graph.

Every record becomes a (:Record) node attached to the (:Twin) it belongs to.
Lifecycle records also set the lifecycle of the twin node, and state records
replace the (:Property) nodes and [:RELATES_TO] edges of the twin with those of
the recorded state. Records older than what the twin node already reflects are
kept as nodes but not projected, so the graph never rolls back when records
arrive out of order.

Writing a record is idempotent: a record whose id the graph already holds is
skipped, which makes a Store safe to feed from at-least-once brokers.

Call BootstrapDatabase once before writing to a database.
*/
package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/lifecycle"
	"github.com/go-digitaltwin/twinsync/storage"
)

// ErrUnknownTwin is returned when reading a twin the graph holds no record of.
var ErrUnknownTwin = errors.New("unknown twin")

// Store is a storage.Sink writing to a Neo4j database. Each record is written
// in its own transaction, which is rolled back should the projection fail.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name that identifies the specific underlying neo4j graph.

	mu projectionLock // Writes share it, reads of a twin hold it alone.
}

var _ storage.Sink = (*Store)(nil)

// New returns a Store writing to the given database.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// Write projects a record into the graph.
func (s *Store) Write(ctx context.Context, r storage.Record) (err error) {
	ctx, span := tracer.Start(ctx, "neo4jstore.Store.Write", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", r.TwinID),
		attribute.String("record.kind", string(r.Kind)),
	))
	defer span.End()
	defer func(start time.Time) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		measureWrite(ctx, s.database, r.Kind, err == nil, time.Since(start))
	}(time.Now())
	logger := component.Logger(ctx).With("neo4j.database", s.database)
	ctx = component.InjectLogger(ctx, logger) // Inject for further logs down the call-stack.

	s.mu.WLock()
	defer s.mu.WUnlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Couldn't close neo4j session", slog.Any("error", err))
		}
	}()

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, project(ctx, tx, r)
	})
	if err != nil {
		return fmt.Errorf("write record %s: %w", r.ID, err)
	}
	return nil
}

func project(ctx context.Context, tx neo4j.ManagedTransaction, r storage.Record) error {
	inserted, err := insertRecord(ctx, tx, r)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if !inserted {
		component.Logger(ctx).Debug("Record already projected, skipped", slog.String("record-id", r.ID.String()))
		return nil
	}
	switch r.Kind {
	case storage.KindLifecycle:
		return projectLifecycle(ctx, tx, r)
	case storage.KindState:
		return projectState(ctx, tx, r)
	}
	return nil
}

// insertRecord creates the node of a record, and the node of its twin when
// missing. It reports false when the record already exists.
func insertRecord(ctx context.Context, tx neo4j.ManagedTransaction, r storage.Record) (bool, error) {
	res, err := tx.Run(ctx, `
		OPTIONAL MATCH (r:Record {id: $id})
		RETURN r IS NOT NULL AS seen
	`, map[string]any{"id": r.ID.String()})
	if err != nil {
		return false, err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return false, err
	}
	if seen, _, err := neo4j.GetRecordValue[bool](rec, "seen"); err != nil || seen {
		return false, err
	}

	_, err = tx.Run(ctx, `
		MERGE (t:Twin {id: $twinId})
		CREATE (t)-[:RECORDED]->(:Record {id: $id, kind: $kind, timestamp: $timestamp, key: $key, body: $body})
	`, map[string]any{
		"twinId":    r.TwinID,
		"id":        r.ID.String(),
		"kind":      string(r.Kind),
		"timestamp": r.Timestamp,
		"key":       r.Key,
		"body":      toValue(r.Body),
	})
	return err == nil, err
}

func projectLifecycle(ctx context.Context, tx neo4j.ManagedTransaction, r storage.Record) error {
	_, err := tx.Run(ctx, `
		MATCH (t:Twin {id: $twinId})
		WHERE t.lifecycleAt IS NULL OR t.lifecycleAt <= $timestamp
		SET t.lifecycle = $state, t.lifecycleAt = $timestamp
	`, map[string]any{
		"twinId":    r.TwinID,
		"state":     r.Lifecycle.String(),
		"timestamp": r.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("project lifecycle: %w", err)
	}
	return nil
}

func projectState(ctx context.Context, tx neo4j.ManagedTransaction, r storage.Record) error {
	params := map[string]any{
		"twinId":    r.TwinID,
		"evaluated": r.State.Evaluated,
	}
	res, err := tx.Run(ctx, `
		MATCH (t:Twin {id: $twinId})
		WHERE t.evaluated IS NULL OR t.evaluated < $evaluated
		SET t.evaluated = $evaluated
		RETURN count(t) AS fresh
	`, params)
	if err != nil {
		return fmt.Errorf("project state: %w", err)
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return fmt.Errorf("project state: %w", err)
	}
	if fresh, _, err := neo4j.GetRecordValue[int64](rec, "fresh"); err != nil || fresh == 0 {
		// The twin already reflects a later state.
		return err
	}

	keys := make([]any, 0, len(r.State.Properties))
	properties := make([]any, 0, len(r.State.Properties))
	for _, p := range r.State.Properties {
		keys = append(keys, p.Key)
		properties = append(properties, map[string]any{"key": p.Key, "type": p.Type, "value": toValue(p.Value)})
	}
	var instances []any
	for _, rel := range r.State.Relationships {
		for _, inst := range rel.Instances {
			instances = append(instances, map[string]any{
				"relationship": rel.Name,
				"key":          inst.Key,
				"target":       inst.TargetID,
			})
		}
	}

	queries := []struct {
		name  string
		query string
		extra map[string]any
	}{
		{
			name: "remove properties",
			query: `
				MATCH (:Twin {id: $twinId})-[:HAS_PROPERTY]->(p:Property)
				WHERE NOT p.key IN $keys
				DETACH DELETE p
			`,
			extra: map[string]any{"keys": keys},
		},
		{
			name: "merge properties",
			query: `
				MATCH (t:Twin {id: $twinId})
				UNWIND $properties AS prop
				MERGE (p:Property {twinId: $twinId, key: prop.key})
				SET p.value = prop.value, p.type = prop.type
				MERGE (t)-[:HAS_PROPERTY]->(p)
			`,
			extra: map[string]any{"properties": properties},
		},
		{
			name: "remove relationships",
			query: `
				MATCH (:Twin {id: $twinId})-[rel:RELATES_TO]->()
				DELETE rel
			`,
		},
		{
			name: "create relationships",
			query: `
				MATCH (t:Twin {id: $twinId})
				UNWIND $instances AS inst
				MERGE (e:Entity {id: inst.target})
				CREATE (t)-[:RELATES_TO {relationship: inst.relationship, key: inst.key}]->(e)
			`,
			extra: map[string]any{"instances": instances},
		},
	}
	for _, q := range queries {
		p := map[string]any{"twinId": r.TwinID}
		for k, v := range q.extra {
			p[k] = v
		}
		if _, err := tx.Run(ctx, q.query, p); err != nil {
			return fmt.Errorf("project state: %s: %w", q.name, err)
		}
	}
	return nil
}

// toValue converts a property value or a record body to a value Neo4j can
// store. Values of other types are stored as their default formatting.
func toValue(v any) any {
	switch v := v.(type) {
	case nil, bool, string, int64, float64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}

// Twin is what the graph holds about a twin.
type Twin struct {
	ID          string
	Lifecycle   lifecycle.State
	LifecycleAt time.Time
	Evaluated   time.Time
	// Properties maps property keys to their values, as stored.
	Properties map[string]any
	// Relationships maps relationship names to the ids of their targets, sorted.
	Relationships map[string][]string
	// Records counts the records of the twin, by kind.
	Records map[storage.Kind]int
}

// Twin reads back what the graph holds about the twin with the given id.
func (s *Store) Twin(ctx context.Context, id string) (Twin, error) {
	ctx, span := tracer.Start(ctx, "neo4jstore.Store.Twin", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("twin.id", id),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Couldn't close neo4j session", slog.Any("error", err))
		}
	}()

	twin, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return readTwin(ctx, tx, id)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Twin{}, fmt.Errorf("read twin %q: %w", id, err)
	}
	return twin.(Twin), nil
}

func readTwin(ctx context.Context, tx neo4j.ManagedTransaction, id string) (Twin, error) {
	params := map[string]any{"twinId": id}
	twin := Twin{
		ID:            id,
		Properties:    make(map[string]any),
		Relationships: make(map[string][]string),
		Records:       make(map[storage.Kind]int),
	}

	rows, err := collect(ctx, tx, `
		MATCH (t:Twin {id: $twinId})
		RETURN t.lifecycle AS lifecycle, t.lifecycleAt AS lifecycleAt, t.evaluated AS evaluated
	`, params)
	if err != nil {
		return Twin{}, err
	}
	if len(rows) == 0 {
		return Twin{}, ErrUnknownTwin
	}
	if name, ok := rows[0].AsMap()["lifecycle"].(string); ok {
		twin.Lifecycle, _ = lifecycle.ParseState(name)
	}
	twin.LifecycleAt, _ = rows[0].AsMap()["lifecycleAt"].(time.Time)
	twin.Evaluated, _ = rows[0].AsMap()["evaluated"].(time.Time)

	rows, err = collect(ctx, tx, `
		MATCH (:Twin {id: $twinId})-[:HAS_PROPERTY]->(p:Property)
		RETURN p.key AS key, p.value AS value
	`, params)
	if err != nil {
		return Twin{}, err
	}
	for _, row := range rows {
		m := row.AsMap()
		key, _ := m["key"].(string)
		twin.Properties[key] = m["value"]
	}

	rows, err = collect(ctx, tx, `
		MATCH (:Twin {id: $twinId})-[rel:RELATES_TO]->(e:Entity)
		RETURN rel.relationship AS relationship, e.id AS target
		ORDER BY target
	`, params)
	if err != nil {
		return Twin{}, err
	}
	for _, row := range rows {
		m := row.AsMap()
		name, _ := m["relationship"].(string)
		target, _ := m["target"].(string)
		twin.Relationships[name] = append(twin.Relationships[name], target)
	}

	rows, err = collect(ctx, tx, `
		MATCH (:Twin {id: $twinId})-[:RECORDED]->(r:Record)
		RETURN r.kind AS kind, count(r) AS n
	`, params)
	if err != nil {
		return Twin{}, err
	}
	for _, row := range rows {
		m := row.AsMap()
		kind, _ := m["kind"].(string)
		n, _ := m["n"].(int64)
		twin.Records[storage.Kind(kind)] = int(n)
	}
	return twin, nil
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}
