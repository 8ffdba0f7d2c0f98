package blob

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/bridge"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/internal/telemetry"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// Snapshot is one observation of upload progress.
type Snapshot = driver.UploadSnapshot

// Client talks to one blob service. It is safe for concurrent use.
type Client struct {
	svc    driver.BlobService
	logger *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient wraps svc.
func NewClient(svc driver.BlobService, opts ...Option) *Client {
	c := &Client{svc: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Object returns a handle for the object at key, e.g. "img/logo.png".
func (c *Client) Object(key string) *ObjectHandle {
	return &ObjectHandle{key: key, c: c}
}

func (c *Client) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "blob."+op)
	start := time.Now()
	return ctx, func(err error) {
		telemetry.EndSpan(span, err)
		metrics.ObserveOp(op, time.Since(start), err)
		if err != nil {
			c.logger.Debug("blob operation failed", zap.String("op", op), zap.Error(err))
		}
	}
}

// ObjectHandle refers to one object in the blob service.
type ObjectHandle struct {
	key string
	c   *Client
}

// Key returns the object's key.
func (h *ObjectHandle) Key() string { return h.key }

// UploadOption adjusts a single upload.
type UploadOption func(*driver.UploadRequest)

// WithContentType sets the stored content type.
func WithContentType(ct string) UploadOption {
	return func(req *driver.UploadRequest) { req.ContentType = ct }
}

// WithChunkSize bounds how many bytes move between progress reports.
// Non-positive values fall back to the service default.
func WithChunkSize(n int) UploadOption {
	return func(req *driver.UploadRequest) { req.ChunkSize = n }
}

// Upload starts a background transfer of data to the object and returns a
// task for observing it. The transfer proceeds whether or not the task is
// polled or stopped.
func (h *ObjectHandle) Upload(ctx context.Context, data []byte, opts ...UploadOption) (*UploadTask, error) {
	ctx, done := h.c.instrument(ctx, "upload_blob")
	req := driver.UploadRequest{Key: h.key, Data: data}
	for _, opt := range opts {
		opt(&req)
	}

	s := bridge.NewStream[Snapshot]()
	cancel, err := h.c.svc.Upload(ctx, req, driver.UploadHandlers{
		OnProgress: s.Publish,
		OnError:    s.Fail,
		OnComplete: s.Complete,
	})
	done(err)
	if err != nil {
		return nil, err
	}
	s.Bind(cancel)
	return &UploadTask{key: h.key, s: s}, nil
}

// DownloadURL returns a URL serving the object's current content.
func (h *ObjectHandle) DownloadURL(ctx context.Context) (string, error) {
	ctx, done := h.c.instrument(ctx, "download_url")
	url, err := h.c.svc.DownloadURL(ctx, h.key)
	done(err)
	return url, err
}

// Delete removes the object. Deleting a missing object fails with kind
// not-found.
func (h *ObjectHandle) Delete(ctx context.Context) error {
	ctx, done := h.c.instrument(ctx, "delete_blob")
	err := h.c.svc.Delete(ctx, h.key)
	done(err)
	return err
}

// UploadTask is a pollable stream of upload progress. The service pushes
// progress as the transfer advances; Next pulls it. Bursts coalesce, so a
// poller that falls behind observes the newest progress rather than every
// intermediate report.
type UploadTask struct {
	key      string
	s        *bridge.Stream[Snapshot]
	stopOnce sync.Once
}

// Key returns the key of the object being uploaded.
func (t *UploadTask) Key() string { return t.key }

// Next blocks until the next progress state, the end of the feed, or ctx
// cancellation. It returns (snapshot, true, nil) for a progress state,
// (zero, false, err) once if the transfer failed, and (zero, false, nil)
// forever after the transfer finished. Completion outranks a pending
// snapshot: a task polled only after the transfer finished reports
// exhaustion straight away.
func (t *UploadTask) Next(ctx context.Context) (Snapshot, bool, error) {
	return t.s.Next(ctx)
}

// Wait blocks until the transfer settles, discarding intermediate progress.
// It returns nil for a finished transfer and the terminal error for a
// failed one.
func (t *UploadTask) Wait(ctx context.Context) error {
	for {
		_, ok, err := t.s.Next(ctx)
		if !ok {
			return err
		}
	}
}

// Stop detaches the task from the transfer's callbacks. Exactly one
// detachment reaches the service no matter how many goroutines call Stop.
// The transfer itself keeps running; the task drains to exhausted.
func (t *UploadTask) Stop() {
	t.stopOnce.Do(t.s.Stop)
}
