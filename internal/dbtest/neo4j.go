package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of every Neo4j container. The enterprise variant is
// required to host more than one database per server.
//
// See <https://hub.docker.com/_/neo4j> for more images.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// Default port of the Neo4j browser.
const neo4jHTTP = nat.Port("7474/tcp")

// Neo4j is a running Neo4j container.
type Neo4j struct {
	// Driver is connected to the container without authentication.
	Driver neo4j.DriverWithContext
	// BoltURL is the address the driver connects to.
	BoltURL string
}

// SetupNeo4j spins up a new Neo4j container and returns a driver connected to
// it. See [StartNeo4j].
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	return StartNeo4j(t).Driver
}

// StartNeo4j spins up a new Neo4j container. The container and its driver are
// torn down during cleanup of the provided [*testing.T].
//
// The provided [*testing.T] is also used to:
//   - skip the test if the '-short' flag is set, and
//   - mark the test as parallel to avoid blocking other long-running tests.
func StartNeo4j(t *testing.T) *Neo4j {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, Neo4jImage, neo4jOptions(t)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating neo4j container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Encountered an error during cleanup; terminate container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	// Developers inspecting a failed test connect through the browser. See
	// <https://neo4j.com/docs/browser-manual/current/operations/browser-url-parameters>
	httpEndpoint, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Encountered an error during cleanup while closing the neo4j driver:", err)
		}
	})

	if err := verifyConnectivityWithRetries(t, ctx, driver); err != nil {
		t.Fatalf("Failed to establish a connection with the remote neo4j server after retries: %v", err)
	}

	// Cleanups run last-in first-out, so this one blocks before the container
	// terminates.
	t.Cleanup(func() {
		if t.Failed() && *Inspect {
			t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
			t.Logf("HTTP URL = %s/browser?preselectAuthMethod=%s&dbms=%s", httpEndpoint, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
			t.Logf("Bolt URL = %s", boltURL)
			waitForInspection()
		}
	})

	return &Neo4j{Driver: driver, BoltURL: boltURL}
}

// verifyConnectivityWithRetries tolerates a container that reports ready a
// little before Neo4j accepts Bolt connections.
func verifyConnectivityWithRetries(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()

	const retryLimit = 5
	const retryPause = 100 * time.Millisecond

	err := driver.VerifyConnectivity(ctx)
	if err == nil {
		return nil
	}
	for r := range retryLimit {
		t.Logf("Attempting retry [%d/%d] after failing to establish a connection with the remote neo4j server: %v", r, retryLimit, err)
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
			return fmt.Errorf("retry pause interrupted")
		}
		if err = driver.VerifyConnectivity(ctx); err == nil {
			return nil
		}
	}
	return err
}
