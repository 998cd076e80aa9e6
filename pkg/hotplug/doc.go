// Package hotplug detects device arrival and removal.
//
// Each bus runs under a detection strategy: fixed-interval polling,
// interrupt-driven rescans triggered by the bus itself, event-driven
// rescans triggered by an external source through Notify, or adaptive
// detection that starts polling and moves to interrupt mode once the bus
// has proven itself.
//
// Every rescan is diffed against the previous device set of the bus. A bus
// whose scan fails or times out keeps its previous set, so a transient
// failure never looks like a mass removal.
package hotplug
