package emulator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/clock/system"
	"github.com/skiffdb/skiff-go/internal/hash/sha256"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const defaultUploadChunkSize = 256 * 1024

// blobObject is one stored blob.
type blobObject struct {
	data        []byte
	contentType string
	etag        string
	updatedAt   time.Time
}

// BlobStore is the in-memory blob backend. Uploads run on their own
// goroutine and report chunked progress through the registered handlers;
// detaching the handlers does not stop the transfer.
type BlobStore struct {
	logger *zap.Logger
	clock  Clock
	hasher *sha256.Hasher

	mu         sync.RWMutex
	objects    map[string]*blobObject
	failPrefix string

	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ driver.BlobService = (*BlobStore)(nil)

// BlobOption customizes a BlobStore.
type BlobOption func(*BlobStore)

// WithBlobLogger sets the store's logger. Defaults to a no-op logger.
func WithBlobLogger(logger *zap.Logger) BlobOption {
	return func(s *BlobStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBlobClock overrides the timestamp source for stored objects.
func WithBlobClock(clock Clock) BlobOption {
	return func(s *BlobStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewBlobStore builds an empty blob store.
func NewBlobStore(opts ...BlobOption) *BlobStore {
	s := &BlobStore{
		logger:  zap.NewNop(),
		clock:   system.New(),
		hasher:  sha256.New(),
		objects: make(map[string]*blobObject),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailUploadsMatching makes future uploads whose key starts with prefix
// fail partway through the transfer. An empty prefix clears the knob.
// In-flight uploads are not affected.
func (s *BlobStore) FailUploadsMatching(prefix string) {
	s.mu.Lock()
	s.failPrefix = prefix
	s.mu.Unlock()
}

// Upload starts a background transfer and returns a detach func. Progress,
// error, and completion callbacks stop after detach; the transfer itself
// runs to its end regardless.
func (s *BlobStore) Upload(ctx context.Context, req driver.UploadRequest, h driver.UploadHandlers) (func(), error) {
	if s.closed.Load() {
		return nil, skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	if req.Key == "" {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "blob key must not be empty")
	}
	gate := &handlerGate{h: h}
	s.wg.Add(1)
	go s.transfer(req, gate)
	return gate.detach, nil
}

func (s *BlobStore) transfer(req driver.UploadRequest, gate *handlerGate) {
	defer s.wg.Done()
	total := int64(len(req.Data))
	chunk := int64(req.ChunkSize)
	if chunk <= 0 {
		chunk = defaultUploadChunkSize
	}
	failAt := int64(-1)
	if s.failsUpload(req.Key) {
		failAt = (total + 1) / 2
	}
	var sent int64
	for {
		if failAt >= 0 && sent >= failAt {
			gate.fail(skiff.Errorf(skiff.KindUnavailable, "injected transfer failure for %q", req.Key))
			return
		}
		if sent >= total {
			break
		}
		n := chunk
		if rem := total - sent; n > rem {
			n = rem
		}
		sent += n
		gate.progress(driver.UploadSnapshot{
			Key:              req.Key,
			BytesTransferred: sent,
			TotalBytes:       total,
			State:            driver.UploadRunning,
		})
	}

	etag, err := s.hasher.Hash(req.Data)
	if err != nil {
		gate.fail(skiff.Errorf(skiff.KindInternal, "digest blob %q: %v", req.Key, err))
		return
	}
	obj := &blobObject{
		data:        append([]byte(nil), req.Data...),
		contentType: req.ContentType,
		etag:        etag,
		updatedAt:   s.clock.Now(),
	}
	s.mu.Lock()
	s.objects[req.Key] = obj
	s.mu.Unlock()
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

func (s *BlobStore) failsUpload(key string) bool {
	s.mu.RLock()
	prefix := s.failPrefix
	s.mu.RUnlock()
	return prefix != "" && strings.HasPrefix(key, prefix)
}

// DownloadURL returns a memory-scheme URL carrying the object's etag, so
// URL equality tracks content versions the way real blob hosts behave.
func (s *BlobStore) DownloadURL(ctx context.Context, key string) (string, error) {
	if s.closed.Load() {
		return "", skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return "", skiff.Errorf(skiff.KindNotFound, "no blob at %q", key)
	}
	return fmt.Sprintf("skiff-mem://%s?etag=%s", key, obj.etag), nil
}

// Delete removes the object at key, failing with not-found when absent.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return skiff.Errorf(skiff.KindUnavailable, "blob store is closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return skiff.Errorf(skiff.KindNotFound, "no blob at %q", key)
	}
	delete(s.objects, key)
	return nil
}

// object returns the stored blob for the REST download handler.
func (s *BlobStore) object(key string) (*blobObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Close rejects new uploads and waits for in-flight transfers to finish.
func (s *BlobStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.wg.Wait()
	return nil
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
