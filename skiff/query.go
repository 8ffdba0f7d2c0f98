package skiff

import (
	"context"
	"encoding/json"

	"github.com/skiffdb/skiff-go/skiff/driver"
)

// Direction orders query results.
type Direction int

const (
	// Asc sorts ascending. It is the default.
	Asc Direction = iota
	// Desc sorts descending.
	Desc
)

// Query is an immutable query description. Builder methods return extended
// copies, so a base query can be branched safely. Construction errors stick
// to the query and surface when it runs.
type Query struct {
	c    *Client
	spec driver.QuerySpec
	err  error
}

// Query returns the base query over the collection.
func (r *CollectionRef) Query() Query {
	q := Query{c: r.c, spec: driver.QuerySpec{Collection: r.Path}}
	if err := validateCollectionPath(r.Path); err != nil {
		q.err = err
	}
	return q
}

// Where returns the query extended by a filter. The operator is one of the
// protocol's comparison set: <, <=, >, >=, ==, !=, array-contains, in,
// array-contains-any, not-in.
func (r *CollectionRef) Where(field, op string, value any) Query {
	return r.Query().Where(field, op, value)
}

// Where returns the query extended by a filter; see CollectionRef.Where.
func (q Query) Where(field, op string, value any) Query {
	if q.err != nil {
		return q
	}
	if field == "" {
		q.err = Errorf(KindInvalidArgument, "query filter needs a field path")
		return q
	}
	dop := driver.Op(op)
	if !driver.ValidOp(dop) {
		q.err = Errorf(KindInvalidArgument, "invalid query operator %q", op)
		return q
	}
	raw, err := json.Marshal(value)
	if err != nil {
		q.err = Errorf(KindInvalidArgument, "encode filter value for %q: %v", field, err)
		return q
	}
	q.spec.Filters = appendCopy(q.spec.Filters, driver.Filter{FieldPath: field, Op: dop, Value: raw})
	return q
}

// OrderBy returns the query extended by a sort key.
func (q Query) OrderBy(field string, dir Direction) Query {
	if q.err != nil {
		return q
	}
	if field == "" {
		q.err = Errorf(KindInvalidArgument, "order-by needs a field path")
		return q
	}
	q.spec.Orders = appendCopy(q.spec.Orders, driver.Order{FieldPath: field, Desc: dir == Desc})
	return q
}

// Limit caps the number of results.
func (q Query) Limit(n int) Query {
	if q.err != nil {
		return q
	}
	if n < 0 {
		q.err = Errorf(KindInvalidArgument, "negative query limit %d", n)
		return q
	}
	q.spec.Limit = n
	return q
}

// Documents runs the query and returns the matching snapshots.
func (q Query) Documents(ctx context.Context) ([]*DocumentSnapshot, error) {
	ctx, done := q.c.instrument(ctx, "run_query")
	if q.err != nil {
		done(q.err)
		return nil, q.err
	}
	docs, err := q.c.conn.RunQuery(ctx, q.spec)
	done(err)
	if err != nil {
		return nil, err
	}
	return q.c.snapshots(docs), nil
}

// snapshots wraps wire documents in client snapshots.
func (c *Client) snapshots(docs []driver.Document) []*DocumentSnapshot {
	snaps := make([]*DocumentSnapshot, 0, len(docs))
	for _, d := range docs {
		snaps = append(snaps, &DocumentSnapshot{ref: c.Doc(d.Path), doc: d})
	}
	return snaps
}

// appendCopy appends to a fresh backing array so branched queries never
// share filter storage.
func appendCopy[T any](s []T, v T) []T {
	out := make([]T, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}
