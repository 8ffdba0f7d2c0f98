// Package gcsblob implements the Skiff blob backend on Google Cloud
// Storage.
//
// Uploads stream through a resumable storage.Writer whose ProgressFunc
// feeds the registered progress handlers after every committed chunk, so
// callers observe the same chunked snapshots the emulator produces.
// Detaching the handlers silences the callbacks without aborting the
// transfer, which runs on its own goroutine to completion. Objects carry
// a SHA-256 content digest in their metadata, and download URLs come from
// the object's MediaLink.
package gcsblob
