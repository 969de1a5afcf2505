// Command twinsync hosts digital twins described by a configuration file.
//
// Usage:
//
//	twinsync validate --config twinsync.toml
//	twinsync run --config twinsync.toml
//
// Every setting of the file may be overridden by a TWINSYNC_ environment
// variable, e.g. TWINSYNC_NEO4J_PASSWORD.
package main

import (
	"fmt"
	"os"

	// Drivers of the pubsub URLs a configuration may name.
	_ "gocloud.dev/pubsub/mempubsub"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "twinsync:", err)
		os.Exit(1)
	}
}
