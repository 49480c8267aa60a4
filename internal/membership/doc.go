// Package membership tracks the set of cache workers and keeps the active
// ring in step with it.
//
// A Source produces point-in-time snapshots of the worker set. Static
// sources return a fixed list; dynamic sources (EtcdSource) read a registry
// and are polled by the Manager on an interval. The Manager builds a new
// ring for every changed snapshot and publishes it with a single atomic
// store, so readers never lock and never see a partly built ring.
//
// Limitations:
// - A failed refresh keeps the previous ring; there is no health checking
//   of individual workers.
// - A registry that returns zero workers is treated as a failed refresh.
package membership
