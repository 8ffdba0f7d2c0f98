// Package skiff is the client for the Skiff realtime document database.
// It speaks to pluggable backends through the skiff/driver contract:
//
//	conn, _ := pgdoc.Open(ctx, dsn)            // or emulator.NewEngine(...)
//	client := skiff.NewClient(conn)
//	snap, err := client.Doc("users/alice").Get(ctx)
//
// Documents are addressed by slash-separated paths alternating collection
// and document segments. Reads of missing documents are not errors; check
// DocumentSnapshot.Exists. Backend failures carry a Kind from the wire
// protocol and surface as *ServerError.
//
// Realtime watches need a backend that implements driver.WatchSource (the
// emulator does; pubsubfeed adapts a Pub/Sub change feed). Watchers are
// polled, not callback-driven: Next blocks for the next snapshot, and rapid
// changes coalesce so a slow consumer always observes the newest state.
package skiff
