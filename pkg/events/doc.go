// Package events implements the subscription bus through which the driver
// manager announces lifecycle changes.
//
// # Delivery
//
// Publish dispatches synchronously to every matching subscription, in
// subscription order, outside the bus lock. A handler may subscribe or
// unsubscribe from inside a callback. A panicking handler is recovered and
// counted; other handlers still receive the event.
//
// # Filters
//
// A subscription filter selects by event type (empty = all types) and by
// device id (empty = all devices).
package events
