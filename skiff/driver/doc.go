// Package driver defines the contract between the skiff client packages and
// the backends that serve them: document storage, query execution,
// transaction loops, realtime watch feeds, and blob services.
//
// Backends live in their own packages (emulator, pgdoc, sqlitedoc, gcsblob,
// pubsubfeed) and are composed by the caller, so this package stays free of
// dependencies. Implementations report structured failures as
// *skiff.ServerError; anything else is treated as opaque by the client.
package driver
