// Package pgdoc implements the Skiff document backend on PostgreSQL.
//
// Documents live in a single JSONB table. Deletes write tombstones instead
// of removing rows so version numbers keep increasing across a delete and
// recreate, queries compile to jsonb expressions evaluated by the server,
// and transactions run at SERIALIZABLE isolation with automatic retry on
// serialization failures and deadlocks.
//
// The store does not watch for changes. Deployments that need realtime
// snapshots pair it with a change feed such as pubsubfeed.
package pgdoc
