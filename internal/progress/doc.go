// Package progress carries job lifecycle events from the dispatcher, workers,
// and reaper to pluggable sinks. Events are batched on a background goroutine
// so emitters never block on logging, metrics, or publishing.
package progress
