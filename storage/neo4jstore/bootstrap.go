package neo4jstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ErrReservedDatabase is returned when bootstrapping a database whose name Neo4j
// reserves for itself.
var ErrReservedDatabase = errors.New("reserved database name")

// constraints keep the projection free of duplicate nodes caused by concurrent
// MERGEs. We use key constraints instead of uniqueness constraints because we
// can (they are only available in the enterprise edition).
var constraints = []string{
	`CREATE CONSTRAINT twin_id IF NOT EXISTS FOR (t:Twin) REQUIRE t.id IS NODE KEY`,
	`CREATE CONSTRAINT record_id IF NOT EXISTS FOR (r:Record) REQUIRE r.id IS NODE KEY`,
	`CREATE CONSTRAINT property_key IF NOT EXISTS FOR (p:Property) REQUIRE (p.twinId, p.key) IS NODE KEY`,
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS NODE KEY`,
}

// BootstrapDatabase creates the database, and the constraints the projection of
// a Store relies on.
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name, AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	for _, c := range constraints {
		// Schema commands cannot share a transaction with each other, so each runs
		// in its own.
		_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, c, nil)
			return nil, err
		})
		if err != nil {
			return fmt.Errorf("create constraints: %w", err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrReservedDatabase)
	case name == "neo4j":
		// The default database already exists.
		return nil
	case strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_"):
		return fmt.Errorf("%w: names that begin with an underscore or with the prefix system are reserved for internal use: %q", ErrReservedDatabase, name)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS WAIT
		`, map[string]any{
		"name": name,
	})
	return err
}
