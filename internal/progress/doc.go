// Package progress carries run lifecycle events from the dispatcher to
// pluggable sinks. Events are buffered and batched on a background goroutine
// so emitting never slows a resolution run down.
package progress
