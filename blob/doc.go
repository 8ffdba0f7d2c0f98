// Package blob is the client for Skiff blob storage. Uploads run in the
// background while the returned UploadTask exposes their progress as a
// pollable stream: rapid progress callbacks coalesce so a slow poller
// always observes the newest state. Stopping a task detaches its callbacks
// without aborting the transfer.
package blob
