package driver

import "context"

// UploadState labels an upload snapshot. The values are the wire protocol's.
type UploadState string

const (
	UploadRunning UploadState = "running"
	UploadSuccess UploadState = "success"
)

// UploadSnapshot is one observation of upload progress.
type UploadSnapshot struct {
	Key              string      `json:"key"`
	BytesTransferred int64       `json:"bytes_transferred"`
	TotalBytes       int64       `json:"total_bytes"`
	State            UploadState `json:"state"`
}

// UploadRequest describes one blob upload. ChunkSize bounds how many bytes
// move between progress callbacks; implementations clamp non-positive values
// to their default.
type UploadRequest struct {
	Key         string
	ContentType string
	Data        []byte
	ChunkSize   int
}

// UploadHandlers are the callbacks an upload registers. OnProgress fires
// after every transferred chunk (and once more with state success),
// OnError once if the upload fails, OnComplete once when it finishes.
type UploadHandlers struct {
	OnProgress func(UploadSnapshot)
	OnError    func(error)
	OnComplete func()
}

// BlobService is the blob storage surface.
type BlobService interface {
	// Upload starts the transfer and returns immediately. The cancel func
	// detaches the handlers; it does not abort the transfer, which keeps
	// running to completion in the background.
	Upload(ctx context.Context, req UploadRequest, h UploadHandlers) (cancel func(), err error)
	// DownloadURL returns a URL serving the object's current content.
	DownloadURL(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}
