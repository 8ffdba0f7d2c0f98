package skiff

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/skiffdb/skiff-go/internal/bridge"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// Tx is the handle a transaction function uses to stage reads and writes.
// Reads are recorded for conflict detection; writes are buffered and applied
// atomically when the backend commits.
type Tx struct {
	c *Client
	t driver.Tx
}

// Get reads a document inside the transaction. Missing documents report
// Exists() == false, not an error.
func (t *Tx) Get(ctx context.Context, ref *DocumentRef) (*DocumentSnapshot, error) {
	if err := validateDocPath(ref.Path); err != nil {
		return nil, err
	}
	doc, err := t.t.Get(ctx, ref.Path)
	if err != nil {
		return nil, err
	}
	return &DocumentSnapshot{ref: ref, doc: doc}, nil
}

// Set stages a write of data to ref.
func (t *Tx) Set(ref *DocumentRef, data any, opts ...SetOption) error {
	if err := validateDocPath(ref.Path); err != nil {
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
	return t.t.Set(ref.Path, raw, o)
}

// Update stages a merge into an existing document; the commit rejects with
// kind not-found if ref is missing.
func (t *Tx) Update(ref *DocumentRef, data any) error {
	if err := validateDocPath(ref.Path); err != nil {
		return err
	}
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	return t.t.Update(ref.Path, raw)
}

// Delete stages a delete of ref.
func (t *Tx) Delete(ref *DocumentRef) error {
	if err := validateDocPath(ref.Path); err != nil {
		return err
	}
	return t.t.Delete(ref.Path)
}

// TxFunc is the mutation a transaction executes. Its non-error return value
// is encoded and handed to the backend as the transaction's resolution
// value. The backend may run the function several times before the commit
// sticks, so it must be free of external side effects.
type TxFunc func(ctx context.Context, tx *Tx) (any, error)

// RunTransaction executes fn inside a backend-coordinated transaction. The
// backend owns the retry loop: on commit conflicts it re-invokes fn, always
// serially, each time with a fresh Tx.
//
// A terminal failure is returned as *TxError. Rejections carrying the
// backend's structured shape land in TxError.Server; anything else, whether
// an error fn returned or a value it panicked with, is preserved verbatim
// in TxError.Thrown.
func (c *Client) RunTransaction(ctx context.Context, fn TxFunc) error {
	ctx, done := c.instrument(ctx, "run_transaction")

	retry := bridge.NewRetry(func(ctx context.Context, h driver.Tx) ([]byte, error) {
		v, err := fn(ctx, &Tx{c: c, t: h})
		if err != nil {
			return nil, err
		}
		return encodeTxResult(v)
	})

	_, err := c.conn.RunTx(ctx, retry.Attempt)
	if err != nil {
		err = classifyRejection(err)
	}
	done(err)
	return err
}

func encodeTxResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(KindInvalidArgument, "encode transaction result: %v", err)
	}
	return out, nil
}

// classifyRejection sorts a settled rejection into the two TxError branches.
// The backend shape is detected by probing the error chain, mirroring how
// the wire protocol marks its structured failures; recovered panic values
// and plain errors pass through untouched.
func classifyRejection(err error) error {
	if se, ok := AsServerError(err); ok {
		return &TxError{Server: se}
	}
	var pe *bridge.PanicError
	if errors.As(err, &pe) {
		return &TxError{Thrown: pe.Value}
	}
	return &TxError{Thrown: err}
}
