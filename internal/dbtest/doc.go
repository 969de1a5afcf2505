/*
Package dbtest spins up the Neo4j container the twinsync storage tests project
their records into. It wraps testcontainers-go and its neo4j module with the
handful of defaults those tests share.

Tests that only need a connected driver call [SetupNeo4j]. Tests that exercise
configuration, such as opening a driver from a URI the way the twinsync command
does, call [StartNeo4j] to learn the container's Bolt URL as well.

After a failed test, the container can be kept alive for manual inspection of
the projected graph:

	go test -dbtest.inspect ./storage/...

This package is intended to be used in tests only.
*/
package dbtest
