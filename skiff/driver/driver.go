package driver

import (
	"context"
	"encoding/json"
	"time"
)

// Document is the wire form of a stored document. Data holds the canonical
// JSON encoding of the fields and is empty when Exists is false. Version
// increases monotonically with every write to the path.
type Document struct {
	Path      string          `json:"path"`
	Data      json.RawMessage `json:"data,omitempty"`
	Exists    bool            `json:"exists"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SetOptions controls how SetDoc combines the payload with an existing
// document. Zero value means full replace. MergeFields limits a merge to the
// named top-level fields; it implies Merge.
type SetOptions struct {
	Merge       bool
	MergeFields []string
}

// Op is a query filter operator. The string values are the wire protocol's.
type Op string

const (
	OpLess             Op = "<"
	OpLessEq           Op = "<="
	OpGreater          Op = ">"
	OpGreaterEq        Op = ">="
	OpEqual            Op = "=="
	OpNotEqual         Op = "!="
	OpArrayContains    Op = "array-contains"
	OpIn               Op = "in"
	OpArrayContainsAny Op = "array-contains-any"
	OpNotIn            Op = "not-in"
)

// ValidOp reports whether op is part of the protocol's operator set.
func ValidOp(op Op) bool {
	switch op {
	case OpLess, OpLessEq, OpGreater, OpGreaterEq, OpEqual, OpNotEqual,
		OpArrayContains, OpIn, OpArrayContainsAny, OpNotIn:
		return true
	}
	return false
}

// Filter constrains one field. Value is the JSON encoding of the operand;
// for OpIn, OpNotIn and OpArrayContainsAny it is a JSON array.
type Filter struct {
	FieldPath string          `json:"field_path"`
	Op        Op              `json:"op"`
	Value     json.RawMessage `json:"value"`
}

// Order sorts query results by a field.
type Order struct {
	FieldPath string `json:"field_path"`
	Desc      bool   `json:"desc"`
}

// QuerySpec describes a query over one collection.
type QuerySpec struct {
	Collection string   `json:"collection"`
	Filters    []Filter `json:"filters,omitempty"`
	Orders     []Order  `json:"orders,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// DocStore is the document CRUD surface every backend provides.
type DocStore interface {
	// GetDoc fetches the document at path. A missing document is not an
	// error: the returned Document has Exists false.
	GetDoc(ctx context.Context, path string) (Document, error)
	SetDoc(ctx context.Context, path string, data json.RawMessage, opts SetOptions) error
	// DeleteDoc removes the document at path. Deleting a missing document
	// is a no-op.
	DeleteDoc(ctx context.Context, path string) error
}

// QueryEngine executes queries.
type QueryEngine interface {
	RunQuery(ctx context.Context, q QuerySpec) ([]Document, error)
}

// Tx is the handle an attempt uses to stage reads and writes. Writes are
// buffered and applied atomically when the backend commits the attempt.
type Tx interface {
	// Get reads a document inside the transaction, recording it so the
	// commit can detect conflicting writes. Missing documents return
	// Exists false, not an error.
	Get(ctx context.Context, path string) (Document, error)
	Set(path string, data json.RawMessage, opts SetOptions) error
	// Update merges data into an existing document; the commit rejects the
	// transaction with kind not-found if the document is missing.
	Update(path string, data json.RawMessage) error
	Delete(path string) error
}

// AttemptFunc is one transaction attempt. The backend's retry loop invokes
// it serially, each time with a fresh Tx, until the commit succeeds or the
// loop gives up. The returned bytes are the attempt's resolution value.
type AttemptFunc func(ctx context.Context, tx Tx) ([]byte, error)

// TxRunner owns the transaction retry loop.
type TxRunner interface {
	// RunTx drives attempt to a settled outcome and returns the resolution
	// value of the final attempt. An error returned by attempt aborts the
	// loop and is returned verbatim; commit conflicts are retried
	// internally up to the backend's limit.
	RunTx(ctx context.Context, attempt AttemptFunc) ([]byte, error)
}

// Conn is a full document backend.
type Conn interface {
	DocStore
	QueryEngine
	TxRunner
	Close() error
}
