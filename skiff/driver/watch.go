package driver

// DocHandlers are the callbacks a document watch registers. The feed invokes
// OnSnapshot for the current state and after every change, OnError once if
// the feed fails, and OnComplete once if the feed ends cleanly. After the
// cancel func returned by WatchDoc has returned, none of them run again.
type DocHandlers struct {
	OnSnapshot func(Document)
	OnError    func(error)
	OnComplete func()
}

// QueryHandlers are the callbacks a query watch registers. OnSnapshot
// receives the full matching set after every relevant change.
type QueryHandlers struct {
	OnSnapshot func([]Document)
	OnError    func(error)
	OnComplete func()
}

// WatchSource serves realtime watches. Registration returns a cancel func
// that deregisters the callbacks; calling it more than once is harmless.
type WatchSource interface {
	WatchDoc(path string, h DocHandlers) (cancel func(), err error)
	WatchQuery(q QuerySpec, h QueryHandlers) (cancel func(), err error)
}
