package gcsblob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/skiffdb/skiff-go/internal/hash/sha256"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const defaultUploadChunkSize = 256 * 1024

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// Store is a Google Cloud Storage blob backend. It implements
// driver.BlobService.
type Store struct {
	client *storage.Client
	bucket string
	logger *zap.Logger
	hasher *sha256.Hasher

	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ driver.BlobService = (*Store)(nil)

// Option adjusts how a Store is constructed.
type Option func(*Store)

// WithLogger routes store logs to logger instead of discarding them.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open connects a storage client for cfg and returns a Store bound to
// cfg.Bucket. Authentication uses Application Default Credentials. The
// bucket is probed up front so a misconfigured deployment fails at startup.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcsblob: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcsblob: connect: %w", err)
	}
	store, err := New(client, cfg, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcsblob: probe bucket %q: %w", cfg.Bucket, err)
	}
	return store, nil
}

// New constructs a Store from an existing client (primarily for testing).
func New(client *storage.Client, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("gcsblob: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcsblob: bucket is required")
	}
	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: zap.NewNop(),
		hasher: sha256.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upload starts a background transfer and returns a detach func. Progress,
// error, and completion callbacks stop after detach; the transfer itself
// runs to its end regardless.
func (s *Store) Upload(ctx context.Context, req driver.UploadRequest, h driver.UploadHandlers) (func(), error) {
	if s.closed.Load() {
		return nil, skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	if req.Key == "" {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "blob key must not be empty")
	}
	gate := &handlerGate{h: h}
	s.wg.Add(1)
	// Detaching the handlers is the only cancellation the contract offers,
	// so the transfer must survive the caller's context.
	go s.transfer(context.WithoutCancel(ctx), req, gate)
	return gate.detach, nil
}

func (s *Store) transfer(ctx context.Context, req driver.UploadRequest, gate *handlerGate) {
	defer s.wg.Done()
	total := int64(len(req.Data))
	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = defaultUploadChunkSize
	}
	etag, err := s.hasher.Hash(req.Data)
	if err != nil {
		gate.fail(skiff.Errorf(skiff.KindInternal, "digest blob %q: %v", req.Key, err))
		return
	}

	w := s.client.Bucket(s.bucket).Object(req.Key).NewWriter(ctx)
	// A nonzero ChunkSize makes the upload resumable, and the client fires
	// ProgressFunc after each committed chunk. The client rounds the size
	// up to the service's 256 KiB granularity.
	w.ChunkSize = chunk
	w.ContentType = req.ContentType
	w.Metadata = map[string]string{"skiff-etag": etag}
	w.ProgressFunc = func(sent int64) {
		gate.progress(driver.UploadSnapshot{
			Key:              req.Key,
			BytesTransferred: sent,
			TotalBytes:       total,
			State:            driver.UploadRunning,
		})
	}
	if _, err := w.Write(req.Data); err != nil {
		_ = w.Close()
		gate.fail(mapGCSError("upload blob", err))
		return
	}
	if err := w.Close(); err != nil {
		gate.fail(mapGCSError("upload blob", err))
		return
	}
	metrics.AddUploadBytes(total)
	s.logger.Debug("blob stored", zap.String("key", req.Key), zap.Int64("bytes", total))

	gate.progress(driver.UploadSnapshot{
		Key:              req.Key,
		BytesTransferred: total,
		TotalBytes:       total,
		State:            driver.UploadSuccess,
	})
	gate.complete()
}

// DownloadURL returns the object's MediaLink, which tracks content
// generations the way real blob hosts behave.
func (s *Store) DownloadURL(ctx context.Context, key string) (string, error) {
	if s.closed.Load() {
		return "", skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", skiff.Errorf(skiff.KindNotFound, "no blob at %q", key)
	}
	if err != nil {
		return "", mapGCSError("get blob attrs", err)
	}
	if attrs.MediaLink != "" {
		return attrs.MediaLink, nil
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key), nil
}

// Delete removes the object at key, failing with not-found when absent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return skiff.Errorf(skiff.KindNotFound, "no blob at %q", key)
	}
	if err != nil {
		return mapGCSError("delete blob", err)
	}
	return nil
}

// Close rejects new uploads, waits for in-flight transfers to finish, and
// releases the client.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.wg.Wait()
	return s.client.Close()
}

// mapGCSError folds a storage failure into the wire error taxonomy.
// Context errors pass through untouched so callers can probe them.
func mapGCSError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return skiff.Errorf(skiff.KindNotFound, "%s: %v", op, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return skiff.Errorf(skiff.KindNotFound, "%s: %v", op, err)
		case apiErr.Code == http.StatusForbidden:
			return skiff.Errorf(skiff.KindPermissionDenied, "%s: %v", op, err)
		case apiErr.Code == http.StatusUnauthorized:
			return skiff.Errorf(skiff.KindUnauthenticated, "%s: %v", op, err)
		case apiErr.Code == http.StatusPreconditionFailed:
			return skiff.Errorf(skiff.KindFailedPrecondition, "%s: %v", op, err)
		case apiErr.Code == http.StatusTooManyRequests:
			return skiff.Errorf(skiff.KindResourceExhausted, "%s: %v", op, err)
		case apiErr.Code == http.StatusBadRequest:
			return skiff.Errorf(skiff.KindInvalidArgument, "%s: %v", op, err)
		case apiErr.Code >= 500:
			return skiff.Errorf(skiff.KindUnavailable, "%s: %v", op, err)
		default:
			return skiff.Errorf(skiff.KindInternal, "%s: %v", op, err)
		}
	}
	return skiff.Errorf(skiff.KindUnavailable, "%s: %v", op, err)
}

// handlerGate serializes upload callbacks and silences them after detach,
// so a caller that detached never observes another callback.
type handlerGate struct {
	mu       sync.Mutex
	detached bool
	h        driver.UploadHandlers
}

func (g *handlerGate) progress(snap driver.UploadSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detached || g.h.OnProgress == nil {
		return
	}
	g.h.OnProgress(snap)
}

func (g *handlerGate) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detached || g.h.OnError == nil {
		return
	}
	g.h.OnError(err)
}

func (g *handlerGate) complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detached || g.h.OnComplete == nil {
		return
	}
	g.h.OnComplete()
}

func (g *handlerGate) detach() {
	g.mu.Lock()
	g.detached = true
	g.mu.Unlock()
}
