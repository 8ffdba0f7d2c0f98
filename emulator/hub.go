package emulator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/id/uuid"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const (
	hubBufferSize   = 4096
	dropLogInterval = 5 * time.Second
)

// hub fans committed document changes out to watch subscribers. Writers
// enqueue onto a buffered channel under the engine lock, which fixes the
// event order; a single dispatch goroutine drains the channel so slow
// subscriber callbacks never block commits. When the buffer saturates,
// intermediate events are dropped and query watchers catch up on the next
// change that gets through.
type hub struct {
	logger   *zap.Logger
	runQuery func(context.Context, driver.QuerySpec) ([]driver.Document, error)

	events chan driver.Document
	stopCh chan struct{}
	doneCh chan struct{}

	closed      atomic.Bool
	closeOnce   sync.Once
	dropped     atomic.Int64
	dropLimiter rateLimiter

	mu   sync.Mutex
	subs map[string]*subscriber
	ids  *uuid.Generator
}

func newHub(logger *zap.Logger, runQuery func(context.Context, driver.QuerySpec) ([]driver.Document, error)) *hub {
	h := &hub{
		logger:      logger,
		runQuery:    runQuery,
		events:      make(chan driver.Document, hubBufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[string]*subscriber),
		ids:         uuid.New(),
	}
	go h.run()
	return h
}

// subscriber is one registered watch. Delivery and teardown share its
// mutex, so once unsubscribe returns no callback is running or will run.
type subscriber struct {
	id   string
	path string            // document watches
	spec *driver.QuerySpec // query watches

	mu     sync.Mutex
	closed bool
	doc    driver.DocHandlers
	query  driver.QueryHandlers
}

func (s *subscriber) deliverDoc(d driver.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.doc.OnSnapshot == nil {
		return
	}
	s.doc.OnSnapshot(d)
}

func (s *subscriber) deliverQuery(docs []driver.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.query.OnSnapshot == nil {
		return
	}
	s.query.OnSnapshot(docs)
}

func (s *subscriber) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.spec == nil {
		if s.doc.OnComplete != nil {
			s.doc.OnComplete()
		}
		return
	}
	if s.query.OnComplete != nil {
		s.query.OnComplete()
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// watchDoc registers a document subscriber and primes it with the current
// state before returning.
func (h *hub) watchDoc(path string, hd driver.DocHandlers, current driver.Document) (func(), error) {
	sub := &subscriber{path: path, doc: hd}
	if err := h.register(sub); err != nil {
		return nil, err
	}
	sub.deliverDoc(current)
	return func() { h.unsubscribe(sub.id) }, nil
}

// watchQuery registers a query subscriber and primes it with the current
// result set before returning.
func (h *hub) watchQuery(q driver.QuerySpec, qh driver.QueryHandlers, initial []driver.Document) (func(), error) {
	sub := &subscriber{spec: &q, query: qh}
	if err := h.register(sub); err != nil {
		return nil, err
	}
	sub.deliverQuery(initial)
	return func() { h.unsubscribe(sub.id) }, nil
}

func (h *hub) register(sub *subscriber) error {
	if h.closed.Load() {
		return skiff.Errorf(skiff.KindUnavailable, "watch feed is closed")
	}
	id, err := h.ids.NewID()
	if err != nil {
		return skiff.Errorf(skiff.KindInternal, "mint watch id: %v", err)
	}
	sub.id = id
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	return nil
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// broadcast enqueues a committed change for dispatch. It never blocks;
// saturation drops the event and logs at most once per interval.
func (h *hub) broadcast(doc driver.Document) {
	if h.closed.Load() {
		return
	}
	select {
	case h.events <- doc:
	default:
		h.dropped.Add(1)
		metrics.FeedEventDropped()
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("watch events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)),
				zap.Int("buffer", hubBufferSize),
			)
		}
	}
}

func (h *hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case doc := <-h.events:
			h.dispatch(doc)
		case <-h.stopCh:
			// Drain what was queued before the close, then complete
			// every remaining subscriber.
			for {
				select {
				case doc := <-h.events:
					h.dispatch(doc)
				default:
					h.completeAll()
					return
				}
			}
		}
	}
}

func (h *hub) dispatch(doc driver.Document) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	collection := parentPath(doc.Path)
	for _, sub := range subs {
		switch {
		case sub.spec == nil:
			if sub.path == doc.Path {
				sub.deliverDoc(doc)
			}
		case sub.spec.Collection == collection:
			docs, err := h.runQuery(context.Background(), *sub.spec)
			if err != nil {
				h.logger.Warn("query watch refresh failed",
					zap.String("collection", sub.spec.Collection),
					zap.Error(err),
				)
				continue
			}
			sub.deliverQuery(docs)
		}
	}
}

func (h *hub) completeAll() {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.complete()
	}
}

// close stops the dispatcher, waits for it to drain, and completes all
// subscribers. Safe to call more than once.
func (h *hub) close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watch hub close wait: %w", ctx.Err())
	}
}

// rateLimiter allows one event per interval using an atomic timestamp.
type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r.interval <= 0 {
		return true
	}
	for {
		last := r.last.Load()
		if now.UnixNano()-last < int64(r.interval) {
			return false
		}
		if r.last.CompareAndSwap(last, now.UnixNano()) {
			return true
		}
	}
}
