package emulator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/clock/system"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// Clock supplies document write timestamps. internal/clock/system provides
// the real one; tests substitute a fixed clock to pin UpdatedAt values.
type Clock interface {
	Now() time.Time
}

const defaultTxMaxAttempts = 5

// document is the stored form of a live document.
type document struct {
	data      json.RawMessage
	version   int64
	updatedAt time.Time
}

func (d *document) wire(path string) driver.Document {
	return driver.Document{
		Path:      path,
		Data:      append(json.RawMessage(nil), d.data...),
		Exists:    true,
		Version:   d.version,
		UpdatedAt: d.updatedAt,
	}
}

// Engine is the in-memory document backend. Versions are tracked per path
// and keep increasing across deletes, so a transaction that read a document
// conflicts when that document is deleted and recreated underneath it.
type Engine struct {
	logger *zap.Logger
	clock  Clock

	mu       sync.RWMutex
	docs     map[string]*document
	versions map[string]int64

	hub *hub

	txMaxAttempts   int
	injectConflicts atomic.Int64

	closed atomic.Bool
}

var (
	_ driver.Conn        = (*Engine)(nil)
	_ driver.WatchSource = (*Engine)(nil)
)

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for conflict retries and watch
// backpressure warnings. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for document writes.
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithTxMaxAttempts bounds how many times RunTx retries a contended
// transaction before giving up with an aborted failure.
func WithTxMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.txMaxAttempts = n
		}
	}
}

// WithInjectedConflicts forces the next n transaction commits to fail with
// a synthetic conflict. It exists so tests can watch the retry loop spin
// against a backend that is otherwise uncontended.
func WithInjectedConflicts(n int) Option {
	return func(e *Engine) {
		e.injectConflicts.Store(int64(n))
	}
}

// NewEngine builds an empty engine and starts its watch dispatcher.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:        zap.NewNop(),
		clock:         system.New(),
		docs:          make(map[string]*document),
		versions:      make(map[string]int64),
		txMaxAttempts: defaultTxMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.hub = newHub(e.logger, e.RunQuery)
	return e
}

// GetDoc returns the document at path, or a non-existent placeholder when
// nothing is stored there.
func (e *Engine) GetDoc(ctx context.Context, path string) (driver.Document, error) {
	if err := e.checkOpen(); err != nil {
		return driver.Document{}, err
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.docs[path]
	if !ok {
		return driver.Document{Path: path}, nil
	}
	return d.wire(path), nil
}

// SetDoc writes the document at path.
func (e *Engine) SetDoc(ctx context.Context, path string, data json.RawMessage, opts driver.SetOptions) error {
	_, err := e.setDoc(ctx, path, data, opts)
	return err
}

// setDoc is SetDoc returning the stored result, for the REST facade.
func (e *Engine) setDoc(ctx context.Context, path string, data json.RawMessage, opts driver.SetOptions) (driver.Document, error) {
	if err := e.checkOpen(); err != nil {
		return driver.Document{}, err
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	if _, err := decodeObject(data); err != nil {
		return driver.Document{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.applySetLocked(path, data, opts)
	if err != nil {
		return driver.Document{}, err
	}
	e.hub.broadcast(doc)
	return doc, nil
}

// UpdateDoc merges data into an existing document. Missing documents fail
// with a not-found error instead of being created.
func (e *Engine) UpdateDoc(ctx context.Context, path string, data json.RawMessage) (driver.Document, error) {
	if err := e.checkOpen(); err != nil {
		return driver.Document{}, err
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	if _, err := decodeObject(data); err != nil {
		return driver.Document{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.docs[path]; !ok {
		return driver.Document{}, skiff.Errorf(skiff.KindNotFound, "no document at %q", path)
	}
	doc, err := e.applySetLocked(path, data, driver.SetOptions{Merge: true})
	if err != nil {
		return driver.Document{}, err
	}
	e.hub.broadcast(doc)
	return doc, nil
}

// DeleteDoc removes the document at path. Deleting a missing document is
// not an error, matching the client contract.
func (e *Engine) DeleteDoc(ctx context.Context, path string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateDocPath(path); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if tombstone, ok := e.applyDeleteLocked(path); ok {
		e.hub.broadcast(tombstone)
	}
	return nil
}

// RunQuery evaluates a query against current state and returns matches in
// query order.
func (e *Engine) RunQuery(ctx context.Context, q driver.QuerySpec) ([]driver.Document, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	e.mu.RLock()
	matches := e.collectLocked(q)
	e.mu.RUnlock()

	sortMatches(matches, q.Orders)
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	docs := make([]driver.Document, len(matches))
	for i, m := range matches {
		docs[i] = m.doc
	}
	return docs, nil
}

// WatchDoc registers handlers for changes to one document. The current
// state is delivered before WatchDoc returns.
func (e *Engine) WatchDoc(path string, h driver.DocHandlers) (func(), error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	current, err := e.GetDoc(context.Background(), path)
	if err != nil {
		return nil, err
	}
	return e.hub.watchDoc(path, h, current)
}

// WatchQuery registers handlers for changes to a query's result set. The
// current results are delivered before WatchQuery returns.
func (e *Engine) WatchQuery(q driver.QuerySpec, h driver.QueryHandlers) (func(), error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	initial, err := e.RunQuery(context.Background(), q)
	if err != nil {
		return nil, err
	}
	return e.hub.watchQuery(q, h, initial)
}

// Close completes every active watch and stops the dispatch goroutine.
// Subsequent operations fail with an unavailable error.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.hub.close(context.Background())
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return skiff.Errorf(skiff.KindUnavailable, "emulator engine is closed")
	}
	return nil
}

// applySetLocked stores data at path, shallow-merging into the existing
// document when requested. Callers hold e.mu and have validated data.
func (e *Engine) applySetLocked(path string, data json.RawMessage, opts driver.SetOptions) (driver.Document, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return driver.Document{}, err
	}
	if len(opts.MergeFields) > 0 {
		picked := make(map[string]any, len(opts.MergeFields))
		for _, name := range opts.MergeFields {
			if v, ok := fields[name]; ok {
				picked[name] = v
			}
		}
		fields = picked
	}
	if opts.Merge || len(opts.MergeFields) > 0 {
		if cur, ok := e.docs[path]; ok {
			merged, err := decodeObject(cur.data)
			if err != nil {
				return driver.Document{}, err
			}
			for k, v := range fields {
				merged[k] = v
			}
			fields = merged
		}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return driver.Document{}, skiff.Errorf(skiff.KindInternal, "encode document %q: %v", path, err)
	}
	e.versions[path]++
	d := &document{data: encoded, version: e.versions[path], updatedAt: e.clock.Now()}
	e.docs[path] = d
	return d.wire(path), nil
}

// applyDeleteLocked removes path and returns the tombstone event to
// broadcast. The version still advances so readers of the dead document
// conflict on commit.
func (e *Engine) applyDeleteLocked(path string) (driver.Document, bool) {
	if _, ok := e.docs[path]; !ok {
		return driver.Document{}, false
	}
	delete(e.docs, path)
	e.versions[path]++
	return driver.Document{
		Path:      path,
		Exists:    false,
		Version:   e.versions[path],
		UpdatedAt: e.clock.Now(),
	}, true
}

func (e *Engine) takeInjectedConflict() bool {
	for {
		n := e.injectConflicts.Load()
		if n <= 0 {
			return false
		}
		if e.injectConflicts.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// decodeObject rejects document payloads that are not JSON objects.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "document data must be a JSON object: %v", err)
	}
	if fields == nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "document data must be a JSON object, got null")
	}
	return fields, nil
}

func validateDocPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return skiff.Errorf(skiff.KindInvalidArgument, "document path %q must have an even number of segments", path)
	}
	return nil
}

func validateCollectionPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return skiff.Errorf(skiff.KindInvalidArgument, "collection path %q must have an odd number of segments", path)
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "path must not be empty")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, skiff.Errorf(skiff.KindInvalidArgument, "path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// parentPath returns the collection a document belongs to.
func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}
