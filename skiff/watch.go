package skiff

import (
	"context"
	"sync"

	"github.com/skiffdb/skiff-go/internal/bridge"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// DocWatcher is a pollable stream of document states. The feed pushes
// snapshots as the document changes; Next pulls them. Rapid changes
// coalesce, so a consumer that falls behind observes the newest state
// rather than every intermediate one.
type DocWatcher struct {
	ref      *DocumentRef
	s        *bridge.Stream[driver.Document]
	stopOnce sync.Once
}

// Snapshots registers a watch on the document. The current state is
// delivered as the first element. Callers must Stop the watcher when done.
func (r *DocumentRef) Snapshots() (*DocWatcher, error) {
	if r.c.watch == nil {
		return nil, ErrWatchUnsupported
	}
	if err := validateDocPath(r.Path); err != nil {
		return nil, err
	}

	s := bridge.NewStream[driver.Document]()
	cancel, err := r.c.watch.WatchDoc(r.Path, driver.DocHandlers{
		OnSnapshot: s.Publish,
		OnError:    s.Fail,
		OnComplete: s.Complete,
	})
	if err != nil {
		return nil, err
	}
	s.Bind(cancel)
	metrics.WatchOpened()
	return &DocWatcher{ref: r, s: s}, nil
}

// Next blocks until the next document state, the end of the feed, or ctx
// cancellation. It returns (snapshot, true, nil) for a state, (nil, false,
// err) once if the feed failed, and (nil, false, nil) forever after the
// feed ended. A deleted document arrives as a snapshot with Exists() false.
func (w *DocWatcher) Next(ctx context.Context) (*DocumentSnapshot, bool, error) {
	doc, ok, err := w.s.Next(ctx)
	if !ok {
		if err != nil && ctx.Err() == nil {
			metrics.ObserveWatchEvent("error")
		}
		return nil, false, err
	}
	metrics.ObserveWatchEvent("snapshot")
	return &DocumentSnapshot{ref: w.ref, doc: doc}, true, nil
}

// Stop deregisters the watch. Exactly one deregistration reaches the feed
// no matter how many goroutines call Stop. The watcher drains to exhausted
// afterwards.
func (w *DocWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.s.Stop()
		metrics.WatchClosed()
	})
}

// QueryWatcher is a pollable stream of query result sets. Each element is
// the full matching set observed after a relevant change.
type QueryWatcher struct {
	c        *Client
	s        *bridge.Stream[[]driver.Document]
	stopOnce sync.Once
}

// Snapshots registers a watch on the query. The current result set is
// delivered as the first element. Callers must Stop the watcher when done.
func (q Query) Snapshots() (*QueryWatcher, error) {
	if q.c.watch == nil {
		return nil, ErrWatchUnsupported
	}
	if q.err != nil {
		return nil, q.err
	}

	s := bridge.NewStream[[]driver.Document]()
	cancel, err := q.c.watch.WatchQuery(q.spec, driver.QueryHandlers{
		OnSnapshot: s.Publish,
		OnError:    s.Fail,
		OnComplete: s.Complete,
	})
	if err != nil {
		return nil, err
	}
	s.Bind(cancel)
	metrics.WatchOpened()
	return &QueryWatcher{c: q.c, s: s}, nil
}

// Next blocks until the next result set, the end of the feed, or ctx
// cancellation, with the same contract as DocWatcher.Next.
func (w *QueryWatcher) Next(ctx context.Context) ([]*DocumentSnapshot, bool, error) {
	docs, ok, err := w.s.Next(ctx)
	if !ok {
		if err != nil && ctx.Err() == nil {
			metrics.ObserveWatchEvent("error")
		}
		return nil, false, err
	}
	metrics.ObserveWatchEvent("snapshot")
	return w.c.snapshots(docs), true, nil
}

// Stop deregisters the watch; see DocWatcher.Stop.
func (w *QueryWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.s.Stop()
		metrics.WatchClosed()
	})
}
