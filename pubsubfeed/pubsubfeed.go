package pubsubfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/id/uuid"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// Change is the message payload that announces one committed write. Data
// carries the full post-write document, so document watches need no read
// back; a removal sets Deleted and carries no data. Collection is optional
// and defaults to the path's parent.
type Change struct {
	Path       string          `json:"path"`
	Collection string          `json:"collection,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Version    int64           `json:"version,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
}

func (c Change) document() driver.Document {
	if c.Deleted {
		return driver.Document{Path: c.Path}
	}
	data := c.Data
	if data == nil {
		data = json.RawMessage("{}")
	}
	return driver.Document{
		Path:      c.Path,
		Data:      data,
		Exists:    true,
		Version:   c.Version,
		UpdatedAt: c.UpdatedAt,
	}
}

func (c Change) collection() string {
	if c.Collection != "" {
		return c.Collection
	}
	return parentPath(c.Path)
}

// Reader is the store surface the feed reads through: the current state for
// priming new watches and the full result set when a query watch refreshes.
// pgdoc, sqlitedoc and the emulator engine all satisfy it.
type Reader interface {
	GetDoc(ctx context.Context, path string) (driver.Document, error)
	RunQuery(ctx context.Context, q driver.QuerySpec) ([]driver.Document, error)
}

// Feed consumes a change subscription and fans the changes out to watch
// subscribers. It starts consuming as soon as New returns and stops when
// Close is called or the subscription fails.
type Feed struct {
	logger *zap.Logger
	reader Reader
	sub    *pubsub.Subscription

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	doneCh    chan struct{}

	mu   sync.Mutex
	subs map[string]*subscriber
	ids  *uuid.Generator
}

var _ driver.WatchSource = (*Feed)(nil)

// Option adjusts a Feed.
type Option func(*Feed)

// WithLogger sets the logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New starts consuming sub and returns the feed. The subscription's receive
// settings are forced to serial consumption; everything else on sub is left
// as configured.
func New(reader Reader, sub *pubsub.Subscription, opts ...Option) (*Feed, error) {
	if reader == nil {
		return nil, fmt.Errorf("pubsubfeed: reader must not be nil")
	}
	if sub == nil {
		return nil, fmt.Errorf("pubsubfeed: subscription must not be nil")
	}
	f := &Feed{
		logger: zap.NewNop(),
		reader: reader,
		sub:    sub,
		doneCh: make(chan struct{}),
		subs:   make(map[string]*subscriber),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(f)
	}

	// Snapshots must not regress, so changes are consumed in publish
	// order: one puller, one outstanding message.
	sub.ReceiveSettings.Synchronous = true
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
	return f, nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.doneCh)
	err := f.sub.Receive(ctx, f.handle)
	if err != nil && ctx.Err() == nil {
		f.closed.Store(true)
		f.failAll(skiff.Errorf(skiff.KindUnavailable, "change feed receive: %v", err))
		return
	}
	f.completeAll()
}

// handle decodes and dispatches one message. Undecodable messages are acked
// and dropped; redelivering them would wedge the serial stream.
func (f *Feed) handle(_ context.Context, msg *pubsub.Message) {
	var ch Change
	if err := json.Unmarshal(msg.Data, &ch); err != nil {
		f.logger.Warn("dropping undecodable change message",
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	if ch.Path == "" {
		f.logger.Warn("dropping change message without a path", zap.String("id", msg.ID))
		msg.Ack()
		return
	}
	f.dispatch(ch)
	msg.Ack()
}

func (f *Feed) dispatch(ch Change) {
	f.mu.Lock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	doc := ch.document()
	collection := ch.collection()
	for _, sub := range subs {
		switch {
		case sub.spec == nil:
			if sub.path == ch.Path {
				sub.deliverDoc(doc)
			}
		case sub.spec.Collection == collection:
			docs, err := f.reader.RunQuery(context.Background(), *sub.spec)
			if err != nil {
				f.logger.Warn("query watch refresh failed",
					zap.String("collection", sub.spec.Collection),
					zap.Error(err),
				)
				continue
			}
			sub.deliverQuery(docs)
		}
	}
}

// WatchDoc registers handlers for one document. The current state is read
// through the Reader and delivered before WatchDoc returns.
func (f *Feed) WatchDoc(path string, h driver.DocHandlers) (func(), error) {
	sub := &subscriber{path: path, doc: h}
	return f.register(sub, func() error {
		doc, err := f.reader.GetDoc(context.Background(), path)
		if err != nil {
			return err
		}
		sub.deliverDoc(doc)
		return nil
	})
}

// WatchQuery registers handlers for a query. The current result set is read
// through the Reader and delivered before WatchQuery returns.
func (f *Feed) WatchQuery(q driver.QuerySpec, h driver.QueryHandlers) (func(), error) {
	sub := &subscriber{spec: &q, query: h}
	return f.register(sub, func() error {
		docs, err := f.reader.RunQuery(context.Background(), q)
		if err != nil {
			return err
		}
		sub.deliverQuery(docs)
		return nil
	})
}

// register primes and inserts a subscriber. Priming inside the registry
// lock pins the order: dispatch copies the registry under the same lock, so
// the initial snapshot always lands before any change dispatched after it.
func (f *Feed) register(sub *subscriber, prime func() error) (func(), error) {
	id, err := f.ids.NewID()
	if err != nil {
		return nil, skiff.Errorf(skiff.KindInternal, "mint watch id: %v", err)
	}
	sub.id = id

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed.Load() {
		return nil, skiff.Errorf(skiff.KindUnavailable, "change feed is closed")
	}
	if err := prime(); err != nil {
		return nil, err
	}
	f.subs[id] = sub
	return func() { f.unsubscribe(id) }, nil
}

func (f *Feed) unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (f *Feed) failAll(err error) {
	for _, sub := range f.drain() {
		sub.fail(err)
	}
}

func (f *Feed) completeAll() {
	for _, sub := range f.drain() {
		sub.complete()
	}
}

func (f *Feed) drain() []*subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]*subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.subs = make(map[string]*subscriber)
	return subs
}

// Close stops consuming and completes every remaining watch. Safe to call
// more than once.
func (f *Feed) Close(ctx context.Context) error {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.cancel()
	})
	select {
	case <-f.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("change feed close wait: %w", ctx.Err())
	}
}

// subscriber is one registered watch. Delivery and teardown share its
// mutex, so once the cancel func returns no callback is running or will
// run.
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

func (s *subscriber) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.spec == nil {
		if s.doc.OnError != nil {
			s.doc.OnError(err)
		}
		return
	}
	if s.query.OnError != nil {
		s.query.OnError(err)
	}
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

// parentPath returns the collection path that contains the document.
func parentPath(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}
