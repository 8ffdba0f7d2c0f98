package pubsubfeed

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "modernc.org/sqlite"

	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
	"github.com/skiffdb/skiff-go/sqlitedoc"
)

const waitTimeout = 5 * time.Second

func requireKind(t *testing.T, err error, kind skiff.Kind) {
	t.Helper()
	serr, ok := skiff.AsServerError(err)
	require.True(t, ok, "expected a ServerError, got %v", err)
	require.Equal(t, kind, serr.Kind)
}

// fakeReader is an in-memory Reader with error injection knobs.
type fakeReader struct {
	mu       sync.Mutex
	docs     map[string]driver.Document
	getErr   error
	queryErr error
}

func newFakeReader() *fakeReader {
	return &fakeReader{docs: make(map[string]driver.Document)}
}

func (r *fakeReader) put(doc driver.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.Path] = doc
}

func (r *fakeReader) setGetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getErr = err
}

func (r *fakeReader) setQueryErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryErr = err
}

func (r *fakeReader) GetDoc(_ context.Context, path string) (driver.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return driver.Document{}, r.getErr
	}
	if doc, ok := r.docs[path]; ok {
		return doc, nil
	}
	return driver.Document{Path: path}, nil
}

func (r *fakeReader) RunQuery(_ context.Context, q driver.QuerySpec) ([]driver.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	docs := make([]driver.Document, 0, len(r.docs))
	for _, doc := range r.docs {
		if parentPath(doc.Path) == q.Collection {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

type feedHarness struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	feed   *Feed
	pub    *Publisher
}

func newFeedHarness(t *testing.T, r Reader) *feedHarness {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "skiff-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "document-changes")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "watch-feed", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	feed, err := New(r, sub)
	require.NoError(t, err)
	t.Cleanup(func() { _ = feed.Close(context.Background()) })

	pub := NewPublisher(topic)
	t.Cleanup(pub.Close)

	return &feedHarness{client: client, topic: topic, sub: sub, feed: feed, pub: pub}
}

func publish(t *testing.T, h *feedHarness, ch Change) {
	t.Helper()
	_, err := h.pub.PublishChange(context.Background(), ch)
	require.NoError(t, err)
}

func waitDoc(t *testing.T, ch <-chan driver.Document) driver.Document {
	t.Helper()
	select {
	case doc := <-ch:
		return doc
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a document snapshot")
		return driver.Document{}
	}
}

func waitDocs(t *testing.T, ch <-chan []driver.Document) []driver.Document {
	t.Helper()
	select {
	case docs := <-ch:
		return docs
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a query snapshot")
		return nil
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a watch error")
		return nil
	}
}

func docPaths(docs []driver.Document) []string {
	paths := make([]string, 0, len(docs))
	for _, d := range docs {
		paths = append(paths, d.Path)
	}
	return paths
}

func TestNewValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.ErrorContains(t, err, "reader must not be nil")

	_, err = New(newFakeReader(), nil)
	require.ErrorContains(t, err, "subscription must not be nil")
}

func TestWatchDocDeliversCurrentState(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{
		Path:      "users/alice",
		Data:      []byte(`{"name":"Alice"}`),
		Exists:    true,
		Version:   3,
		UpdatedAt: time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	})
	h := newFeedHarness(t, r)

	snaps := make(chan driver.Document, 16)
	cancel, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { snaps <- d },
	})
	require.NoError(t, err)
	require.NotNil(t, cancel)

	doc := waitDoc(t, snaps)
	require.True(t, doc.Exists)
	require.EqualValues(t, 3, doc.Version)
	require.JSONEq(t, `{"name":"Alice"}`, string(doc.Data))

	ghosts := make(chan driver.Document, 16)
	_, err = h.feed.WatchDoc("users/ghost", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { ghosts <- d },
	})
	require.NoError(t, err)

	ghost := waitDoc(t, ghosts)
	require.Equal(t, "users/ghost", ghost.Path)
	require.False(t, ghost.Exists)
}

func TestWatchDocSeesPublishedChanges(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	var count atomic.Int32
	snaps := make(chan driver.Document, 16)
	_, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) {
			count.Add(1)
			snaps <- d
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, waitDoc(t, snaps).Version)

	updated := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	publish(t, h, Change{Path: "users/bob", Data: []byte(`{"name":"Bob"}`), Version: 1, UpdatedAt: updated})
	publish(t, h, Change{Path: "users/alice", Data: []byte(`{"name":"Alice","age":31}`), Version: 2, UpdatedAt: updated})

	doc := waitDoc(t, snaps)
	require.Equal(t, "users/alice", doc.Path)
	require.True(t, doc.Exists)
	require.EqualValues(t, 2, doc.Version)
	require.JSONEq(t, `{"name":"Alice","age":31}`, string(doc.Data))
	require.True(t, doc.UpdatedAt.Equal(updated))

	// Changes are consumed in order, so bob's change was already handled
	// when alice's snapshot arrived. It must not have been delivered here.
	require.EqualValues(t, 2, count.Load())

	publish(t, h, Change{Path: "users/alice", Deleted: true, Version: 3})
	gone := waitDoc(t, snaps)
	require.Equal(t, "users/alice", gone.Path)
	require.False(t, gone.Exists)
	require.Empty(t, gone.Data)
}

func TestWatchQueryRefreshes(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	var count atomic.Int32
	lists := make(chan []driver.Document, 16)
	_, err := h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{
		OnSnapshot: func(docs []driver.Document) {
			count.Add(1)
			lists <- docs
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"users/alice"}, docPaths(waitDocs(t, lists)))

	// Collection omitted: the feed falls back to the path's parent.
	r.put(driver.Document{Path: "users/bob", Data: []byte(`{"name":"Bob"}`), Exists: true, Version: 1})
	publish(t, h, Change{Path: "users/bob", Data: []byte(`{"name":"Bob"}`), Version: 1})
	require.Equal(t, []string{"users/alice", "users/bob"}, docPaths(waitDocs(t, lists)))

	// A change in another collection must not refresh this watch.
	r.put(driver.Document{Path: "teams/core", Data: []byte(`{"size":4}`), Exists: true, Version: 1})
	publish(t, h, Change{Path: "teams/core", Collection: "teams", Data: []byte(`{"size":4}`), Version: 1})

	r.put(driver.Document{Path: "users/carol", Data: []byte(`{"name":"Carol"}`), Exists: true, Version: 1})
	publish(t, h, Change{Path: "users/carol", Collection: "users", Data: []byte(`{"name":"Carol"}`), Version: 1})
	require.Equal(t, []string{"users/alice", "users/bob", "users/carol"}, docPaths(waitDocs(t, lists)))

	require.EqualValues(t, 3, count.Load())
}

func TestWatchQueryRefreshFailureKeepsWatch(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	var count, failures, completes atomic.Int32
	lists := make(chan []driver.Document, 16)
	_, err := h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{
		OnSnapshot: func(docs []driver.Document) {
			count.Add(1)
			lists <- docs
		},
		OnError:    func(error) { failures.Add(1) },
		OnComplete: func() { completes.Add(1) },
	})
	require.NoError(t, err)
	require.Len(t, waitDocs(t, lists), 1)

	// A marker watch in another collection serves as an ordering barrier:
	// once its change arrives, everything published before it was handled.
	markers := make(chan driver.Document, 16)
	_, err = h.feed.WatchDoc("meta/marker", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { markers <- d },
	})
	require.NoError(t, err)
	waitDoc(t, markers)

	boom := errors.New("boom")
	r.setQueryErr(boom)
	r.put(driver.Document{Path: "users/bob", Data: []byte(`{"name":"Bob"}`), Exists: true, Version: 1})
	publish(t, h, Change{Path: "users/bob", Data: []byte(`{"name":"Bob"}`), Version: 1})
	publish(t, h, Change{Path: "meta/marker", Data: []byte(`{}`), Version: 1})
	waitDoc(t, markers)

	r.setQueryErr(nil)
	r.put(driver.Document{Path: "users/carol", Data: []byte(`{"name":"Carol"}`), Exists: true, Version: 1})
	publish(t, h, Change{Path: "users/carol", Data: []byte(`{"name":"Carol"}`), Version: 1})

	next := waitDocs(t, lists)
	require.Equal(t, []string{"users/alice", "users/bob", "users/carol"}, docPaths(next))
	require.EqualValues(t, 2, count.Load())
	require.Zero(t, failures.Load())
	require.Zero(t, completes.Load())
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	var count atomic.Int32
	first := make(chan driver.Document, 16)
	cancel, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) {
			count.Add(1)
			first <- d
		},
	})
	require.NoError(t, err)

	second := make(chan driver.Document, 16)
	_, err = h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { second <- d },
	})
	require.NoError(t, err)

	waitDoc(t, first)
	waitDoc(t, second)

	cancel()
	cancel() // calling again is harmless

	publish(t, h, Change{Path: "users/alice", Data: []byte(`{"name":"Beth"}`), Version: 2})
	require.EqualValues(t, 2, waitDoc(t, second).Version)
	require.EqualValues(t, 1, count.Load())
}

func TestPoisonMessagesAreSkipped(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)
	ctx := context.Background()

	var count atomic.Int32
	snaps := make(chan driver.Document, 16)
	_, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) {
			count.Add(1)
			snaps <- d
		},
	})
	require.NoError(t, err)
	waitDoc(t, snaps)

	// Malformed payloads bypass the publisher's validation.
	_, err = h.topic.Publish(ctx, &pubsub.Message{Data: []byte("not json")}).Get(ctx)
	require.NoError(t, err)
	_, err = h.topic.Publish(ctx, &pubsub.Message{Data: []byte(`{"version":7}`)}).Get(ctx)
	require.NoError(t, err)

	publish(t, h, Change{Path: "users/alice", Data: []byte(`{"name":"Beth"}`), Version: 2})
	require.EqualValues(t, 2, waitDoc(t, snaps).Version)
	require.EqualValues(t, 2, count.Load())
}

func TestWatchPrimeFailureSurfaces(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	h := newFeedHarness(t, r)

	r.setGetErr(skiff.Errorf(skiff.KindInvalidArgument, "document path %q must have an even number of segments", "users"))
	cancel, err := h.feed.WatchDoc("users", driver.DocHandlers{OnSnapshot: func(driver.Document) {}})
	require.Nil(t, cancel)
	requireKind(t, err, skiff.KindInvalidArgument)

	boom := errors.New("no such table")
	r.setQueryErr(boom)
	_, err = h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{OnSnapshot: func([]driver.Document) {}})
	require.ErrorIs(t, err, boom)
}

func TestWatchAfterCloseRejected(t *testing.T) {
	t.Parallel()
	h := newFeedHarness(t, newFakeReader())
	require.NoError(t, h.feed.Close(context.Background()))

	_, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{OnSnapshot: func(driver.Document) {}})
	requireKind(t, err, skiff.KindUnavailable)
	require.ErrorContains(t, err, "change feed is closed")

	_, err = h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{OnSnapshot: func([]driver.Document) {}})
	requireKind(t, err, skiff.KindUnavailable)
}

func TestCloseCompletesWatches(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	var docCompletes, docFailures atomic.Int32
	snaps := make(chan driver.Document, 16)
	_, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { snaps <- d },
		OnError:    func(error) { docFailures.Add(1) },
		OnComplete: func() { docCompletes.Add(1) },
	})
	require.NoError(t, err)
	waitDoc(t, snaps)

	var queryCompletes atomic.Int32
	lists := make(chan []driver.Document, 16)
	_, err = h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{
		OnSnapshot: func(docs []driver.Document) { lists <- docs },
		OnComplete: func() { queryCompletes.Add(1) },
	})
	require.NoError(t, err)
	waitDocs(t, lists)

	require.NoError(t, h.feed.Close(context.Background()))
	require.EqualValues(t, 1, docCompletes.Load())
	require.EqualValues(t, 1, queryCompletes.Load())
	require.Zero(t, docFailures.Load())

	require.NoError(t, h.feed.Close(context.Background()))
	require.EqualValues(t, 1, docCompletes.Load())
}

func TestReceiveFailureFailsWatches(t *testing.T) {
	t.Parallel()
	r := newFakeReader()
	r.put(driver.Document{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Exists: true, Version: 1})
	h := newFeedHarness(t, r)

	snaps := make(chan driver.Document, 16)
	errs := make(chan error, 4)
	_, err := h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { snaps <- d },
		OnError:    func(err error) { errs <- err },
	})
	require.NoError(t, err)
	waitDoc(t, snaps)

	// Deleting the subscription makes Receive fail with a permanent error.
	require.NoError(t, h.sub.Delete(context.Background()))

	ferr := waitErr(t, errs)
	requireKind(t, ferr, skiff.KindUnavailable)
	require.ErrorContains(t, ferr, "change feed receive")

	_, err = h.feed.WatchDoc("users/bob", driver.DocHandlers{OnSnapshot: func(driver.Document) {}})
	requireKind(t, err, skiff.KindUnavailable)
}

func TestPublishChangeValidatesInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := NewPublisher(nil).PublishChange(ctx, Change{Path: "users/alice"})
	requireKind(t, err, skiff.KindFailedPrecondition)

	h := newFeedHarness(t, newFakeReader())
	_, err = h.pub.PublishChange(ctx, Change{})
	requireKind(t, err, skiff.KindInvalidArgument)
	require.ErrorContains(t, err, "change path must not be empty")

	id, err := h.pub.PublishChange(ctx, Change{Path: "users/alice", Data: []byte(`{"name":"Alice"}`), Version: 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestFeedServesSQLiteStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := sqlitedoc.NewWithDB(db, "")
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.SetDoc(ctx, "users/alice", []byte(`{"name":"Alice"}`), driver.SetOptions{}))

	h := newFeedHarness(t, store)

	snaps := make(chan driver.Document, 16)
	_, err = h.feed.WatchDoc("users/alice", driver.DocHandlers{
		OnSnapshot: func(d driver.Document) { snaps <- d },
	})
	require.NoError(t, err)
	initial := waitDoc(t, snaps)
	require.True(t, initial.Exists)
	require.EqualValues(t, 1, initial.Version)

	lists := make(chan []driver.Document, 16)
	_, err = h.feed.WatchQuery(driver.QuerySpec{Collection: "users"}, driver.QueryHandlers{
		OnSnapshot: func(docs []driver.Document) { lists <- docs },
	})
	require.NoError(t, err)
	require.Len(t, waitDocs(t, lists), 1)

	// Write through the store, then announce the commit on the topic.
	require.NoError(t, store.SetDoc(ctx, "users/alice", []byte(`{"name":"Beth"}`), driver.SetOptions{}))
	doc, err := store.GetDoc(ctx, "users/alice")
	require.NoError(t, err)
	_, err = h.pub.PublishChange(ctx, Change{
		Path:      doc.Path,
		Data:      doc.Data,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
	})
	require.NoError(t, err)

	next := waitDoc(t, snaps)
	require.EqualValues(t, 2, next.Version)
	require.JSONEq(t, `{"name":"Beth"}`, string(next.Data))

	refreshed := waitDocs(t, lists)
	require.Len(t, refreshed, 1)
	require.JSONEq(t, `{"name":"Beth"}`, string(refreshed[0].Data))
}
