// Package watcher tracks which live connections watch which source documents
// and pushes a notification to them when a document's modification time
// changes.
//
// Registry owns every subscription and the last known modification time of
// each watched path. Detector polls those paths (optionally woken early by
// fsnotify) and publishes ChangeEvents; Dispatcher fans each event out to the
// watching connections through their Sender. Lifecycle binds a transport's
// connect, watch and disconnect events to the registry.
//
// Delivery is best effort and at most once per detected change: a connection
// that was not watching when the change was detected never sees it, and a
// connection whose Sender fails is deregistered.
package watcher
