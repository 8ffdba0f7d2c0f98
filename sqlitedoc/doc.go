// Package sqlitedoc implements the Skiff document backend on SQLite via
// database/sql and the modernc.org/sqlite driver.
//
// Documents live in a single table with their JSON stored canonically
// through json(). Deletes write tombstones instead of removing rows so
// version numbers keep increasing across a delete and recreate. Queries
// compile to JSON1 expressions (json_type, json_extract, json_each), and
// transactions use optimistic version checks: reads record the version they
// saw, the commit re-verifies every recorded version inside one database
// transaction and retries the attempt when a version moved.
//
// The store does not watch for changes. Deployments that need realtime
// snapshots pair it with a change feed such as pubsubfeed.
package sqlitedoc
