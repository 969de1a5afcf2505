package dbtest

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// neo4jOptions returns the customizations every Neo4j container shares: logs go
// to tb, authentication is off and the enterprise license is accepted. Extra
// customizations are applied last.
func neo4jOptions(tb testing.TB, extra ...testcontainers.ContainerCustomizer) []testcontainers.ContainerCustomizer {
	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithLogger(log.TestLogger(tb)),
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	}
	return append(opts, extra...)
}
