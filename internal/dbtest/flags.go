package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps a container running after the test that started it fails, so
// the projected graph can be browsed to understand what went wrong.
//
// The container is still reaped by the testcontainers library after a while.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInspection blocks until the developer sends a SIGINT (Ctrl+C).
func waitForInspection() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
