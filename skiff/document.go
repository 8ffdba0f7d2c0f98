package skiff

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/skiffdb/skiff-go/skiff/driver"
)

// DocumentRef refers to the document at Path. The zero value is not usable;
// obtain references through Client.Doc or CollectionRef.Doc.
type DocumentRef struct {
	Path string
	c    *Client
}

// ID returns the final path segment.
func (r *DocumentRef) ID() string {
	if i := strings.LastIndexByte(r.Path, '/'); i >= 0 {
		return r.Path[i+1:]
	}
	return r.Path
}

// Get fetches the document. A missing document is not an error: the returned
// snapshot reports Exists() == false.
func (r *DocumentRef) Get(ctx context.Context) (*DocumentSnapshot, error) {
	ctx, done := r.c.instrument(ctx, "get_doc")
	if err := validateDocPath(r.Path); err != nil {
		done(err)
		return nil, err
	}
	doc, err := r.c.conn.GetDoc(ctx, r.Path)
	done(err)
	if err != nil {
		return nil, err
	}
	return &DocumentSnapshot{ref: r, doc: doc}, nil
}

// Set writes data to the document, creating it if needed. By default the
// payload replaces the document; MergeAll and MergeFields switch to merge
// semantics.
func (r *DocumentRef) Set(ctx context.Context, data any, opts ...SetOption) error {
	ctx, done := r.c.instrument(ctx, "set_doc")
	err := r.set(ctx, data, opts...)
	done(err)
	return err
}

func (r *DocumentRef) set(ctx context.Context, data any, opts ...SetOption) error {
	if err := validateDocPath(r.Path); err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	var o driver.SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return r.c.conn.SetDoc(ctx, r.Path, raw, o)
}

// Update merges data into an existing document. It runs as a small
// backend-side transaction so the existence check and the write are atomic;
// a missing document rejects with kind not-found.
func (r *DocumentRef) Update(ctx context.Context, data any) error {
	ctx, done := r.c.instrument(ctx, "update_doc")
	err := r.update(ctx, data)
	done(err)
	return err
}

func (r *DocumentRef) update(ctx context.Context, data any) error {
	if err := validateDocPath(r.Path); err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	_, err = r.c.conn.RunTx(ctx, func(ctx context.Context, tx driver.Tx) ([]byte, error) {
		return nil, tx.Update(r.Path, raw)
	})
	return err
}

// Delete removes the document. Deleting a missing document is a no-op.
func (r *DocumentRef) Delete(ctx context.Context) error {
	ctx, done := r.c.instrument(ctx, "delete_doc")
	if err := validateDocPath(r.Path); err != nil {
		done(err)
		return err
	}
	err := r.c.conn.DeleteDoc(ctx, r.Path)
	done(err)
	return err
}

// CollectionRef refers to the collection at Path.
type CollectionRef struct {
	Path string
	c    *Client
}

// ID returns the final path segment.
func (r *CollectionRef) ID() string {
	if i := strings.LastIndexByte(r.Path, '/'); i >= 0 {
		return r.Path[i+1:]
	}
	return r.Path
}

// Doc returns a reference to the document with the given ID inside the
// collection.
func (r *CollectionRef) Doc(id string) *DocumentRef {
	return r.c.Doc(r.Path + "/" + id)
}

// NewDoc returns a reference to a fresh document with a generated ID.
func (r *CollectionRef) NewDoc() (*DocumentRef, error) {
	id, err := r.c.ids.NewID()
	if err != nil {
		return nil, Errorf(KindInternal, "mint document id: %v", err)
	}
	return r.Doc(id), nil
}

// SetOption adjusts how Set combines the payload with an existing document.
type SetOption func(*driver.SetOptions)

// MergeAll merges the payload's top-level fields into the document instead
// of replacing it.
func MergeAll() SetOption {
	return func(o *driver.SetOptions) { o.Merge = true }
}

// MergeFields merges only the named top-level fields of the payload.
func MergeFields(fields ...string) SetOption {
	return func(o *driver.SetOptions) {
		o.Merge = true
		o.MergeFields = append(o.MergeFields, fields...)
	}
}

// DocumentSnapshot is one observed state of a document.
type DocumentSnapshot struct {
	ref *DocumentRef
	doc driver.Document
}

// Ref returns the reference the snapshot was read from.
func (s *DocumentSnapshot) Ref() *DocumentRef { return s.ref }

// Exists reports whether the document was present when observed.
func (s *DocumentSnapshot) Exists() bool { return s.doc.Exists }

// Version returns the document's write version, monotonically increasing
// per path. Zero for missing documents.
func (s *DocumentSnapshot) Version() int64 { return s.doc.Version }

// UpdateTime returns when the document was last written.
func (s *DocumentSnapshot) UpdateTime() time.Time { return s.doc.UpdatedAt }

// Data decodes the document fields into a map. It returns nil for a missing
// document.
func (s *DocumentSnapshot) Data() (map[string]any, error) {
	if !s.doc.Exists {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(s.doc.Data, &m); err != nil {
		return nil, Errorf(KindInternal, "decode document %q: %v", s.doc.Path, err)
	}
	return m, nil
}

// DataTo decodes the document fields into v, which must be a pointer.
// Reading a missing document is a not-found error.
func (s *DocumentSnapshot) DataTo(v any) error {
	if !s.doc.Exists {
		return Errorf(KindNotFound, "document %q does not exist", s.doc.Path)
	}
	if err := json.Unmarshal(s.doc.Data, v); err != nil {
		return Errorf(KindInvalidArgument, "decode document %q: %v", s.doc.Path, err)
	}
	return nil
}

// encodeData converts a Set/Update payload to its wire encoding.
func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, Errorf(KindInvalidArgument, "document data must not be nil")
	}
	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, Errorf(KindInvalidArgument, "document data is not valid JSON")
		}
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, Errorf(KindInvalidArgument, "encode document data: %v", err)
	}
	return raw, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, Errorf(KindInvalidArgument, "empty path")
	}
	segs := strings.Split(path, "/")
	for _, seg := range segs {
		if seg == "" {
			return nil, Errorf(KindInvalidArgument, "path %q has an empty segment", path)
		}
	}
	return segs, nil
}

func validateDocPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return Errorf(KindInvalidArgument, "document path %q must alternate collection/document segments", path)
	}
	return nil
}

func validateCollectionPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return Errorf(KindInvalidArgument, "collection path %q must end on a collection segment", path)
	}
	return nil
}
