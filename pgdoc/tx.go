package pgdoc

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

type txWriteKind int

const (
	writeSet txWriteKind = iota
	writeUpdate
	writeDelete
)

// txWrite is one buffered transaction write, validated when staged and
// executed when the attempt commits.
type txWrite struct {
	kind    txWriteKind
	path    string
	payload json.RawMessage
	merge   bool
}

// storeTx stages reads and writes for one attempt. Reads go through the
// open SERIALIZABLE transaction, which is how Postgres learns the read set
// it must defend at commit; writes buffer until the attempt returns.
type storeTx struct {
	s      *Store
	tx     pgx.Tx
	writes []txWrite
}

var _ driver.Tx = (*storeTx)(nil)

// Get reads a document inside the transaction. Reads must precede writes.
func (t *storeTx) Get(ctx context.Context, path string) (driver.Document, error) {
	if len(t.writes) > 0 {
		return driver.Document{}, skiff.Errorf(skiff.KindFailedPrecondition, "transaction reads must precede writes")
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	return t.s.getDoc(ctx, t.tx, path)
}

// Set stages a full or merged write of data at path.
func (t *storeTx) Set(path string, data json.RawMessage, opts driver.SetOptions) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	payload, err := setPayload(path, data, opts)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{
		kind:    writeSet,
		path:    path,
		payload: payload,
		merge:   opts.Merge || len(opts.MergeFields) > 0,
	})
	return nil
}

// Update stages a merge that the commit rejects when path is missing.
func (t *storeTx) Update(path string, data json.RawMessage) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	if _, err := decodeObject(data); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeUpdate, path: path, payload: data})
	return nil
}

// Delete stages a tombstone write for path.
func (t *storeTx) Delete(path string) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeDelete, path: path})
	return nil
}

// apply executes the buffered writes inside the open transaction, all
// stamped with the same commit time.
func (t *storeTx) apply(ctx context.Context) error {
	now := t.s.clock.Now().UTC()
	for _, w := range t.writes {
		var err error
		switch w.kind {
		case writeSet:
			err = t.s.execSet(ctx, t.tx, w.path, w.payload, w.merge, now)
		case writeUpdate:
			err = t.s.execUpdate(ctx, t.tx, w.path, w.payload, now)
		case writeDelete:
			err = t.s.execDelete(ctx, t.tx, w.path, now)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RunTx drives attempt through SERIALIZABLE transactions until one commits.
// Errors returned by the attempt abort the loop and surface verbatim;
// serialization failures and deadlocks retry up to the configured bound.
func (s *Store) RunTx(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
	if attempt == nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "transaction attempt func must not be nil")
	}
	for n := 1; n <= s.txMaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		out, committed, err := s.runAttempt(ctx, attempt)
		if err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		if committed {
			metrics.ObserveTxAttempts("committed", n)
			return out, nil
		}
		s.logger.Debug("transaction conflict, retrying", zap.Int("attempt", n))
	}
	metrics.ObserveTxAttempts("aborted", s.txMaxAttempts)
	return nil, skiff.Errorf(skiff.KindAborted, "transaction contention persisted after %d attempts", s.txMaxAttempts)
}

// runAttempt runs one attempt in a fresh transaction. A false return with a
// nil error is a serialization conflict the loop should retry.
func (s *Store) runAttempt(ctx context.Context, attempt driver.AttemptFunc) ([]byte, bool, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, false, mapPgError("begin transaction", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()
	tx := &storeTx{s: s, tx: pgtx}
	out, err := attempt(ctx, tx)
	if err != nil {
		if isRetryableTxError(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := tx.apply(ctx); err != nil {
		if isRetryableTxError(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if err := pgtx.Commit(ctx); err != nil {
		if isRetryableTxError(err) {
			return nil, false, nil
		}
		return nil, false, mapPgError("commit transaction", err)
	}
	return out, true, nil
}
