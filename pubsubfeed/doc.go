// Package pubsubfeed serves realtime watches from a Google Cloud Pub/Sub
// change stream. SQL-backed stores have no push channel of their own, so
// writers publish a Change for every committed write and the feed replays
// the stream to watch subscribers: document watches receive the change
// payload directly, query watches re-run their query through the Reader.
//
// The subscription is consumed serially with one outstanding message, which
// preserves publish order so document snapshots never regress. Delivery is
// at least once; a redelivered change repeats a snapshot, which watchers
// tolerate.
//
// Pair the feed with any store that satisfies Reader (pgdoc, sqlitedoc, the
// emulator) and hand it to the client with skiff.WithWatchSource.
package pubsubfeed
