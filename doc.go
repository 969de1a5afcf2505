// Package twinsync provides a library for building digital twins that stay
// synchronized with physical assets; A digital twin is a virtual
// representation of a real-world entity - maintained by digesting the events of
// its physical assets in order to produce a consistent view of them for its
// consumers.
//
// Specifically, a DigitalTwin keeps a state (see the state package) of keyed
// properties, actions, events and relationships. Physical adapters (see the
// adapter package) bind the twin to its physical assets by describing them and
// publishing their variations on the twin's event bus (see the eventbus
// package). A shadowing function (see the shadowing package) maps these
// variations into state transactions, and digital adapters receive every
// committed change once the twin is synchronized. The lifecycle package
// sequences binding, synchronization and teardown.
//
// An Engine holds the twins of a process.
package twinsync
