package sqlitedoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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
	kind txWriteKind
	path string
	data json.RawMessage
	opts driver.SetOptions
}

// storeTx stages reads and writes for one attempt. SQLite gives us no
// conflict detection across attempts, so every read records the version it
// saw (0 when the path has never been written) and the commit re-verifies
// the whole read set inside one database transaction before applying the
// buffered writes.
type storeTx struct {
	s      *Store
	reads  map[string]int64
	writes []txWrite
}

var _ driver.Tx = (*storeTx)(nil)

// Get reads a document and records its version. Reads must precede writes.
// Tombstones count: recreating a deleted document moves its version, which
// the commit check must notice.
func (t *storeTx) Get(ctx context.Context, path string) (driver.Document, error) {
	if len(t.writes) > 0 {
		return driver.Document{}, skiff.Errorf(skiff.KindFailedPrecondition, "transaction reads must precede writes")
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	query := fmt.Sprintf(`SELECT data, version, updated_at, deleted FROM %s WHERE path = ?`, t.s.table)
	var (
		data    []byte
		version int64
		updated string
		deleted bool
	)
	err := t.s.db.QueryRowContext(ctx, query, path).Scan(&data, &version, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		t.reads[path] = 0
		return driver.Document{Path: path}, nil
	}
	if err != nil {
		return driver.Document{}, mapSQLiteError("get document", err)
	}
	t.reads[path] = version
	if deleted {
		return driver.Document{Path: path}, nil
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return driver.Document{}, err
	}
	return driver.Document{
		Path:      path,
		Data:      data,
		Exists:    true,
		Version:   version,
		UpdatedAt: updatedAt,
	}, nil
}

// Set stages a full or merged write of data at path.
func (t *storeTx) Set(path string, data json.RawMessage, opts driver.SetOptions) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	if _, err := decodeObject(data); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeSet, path: path, data: data, opts: opts})
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
	t.writes = append(t.writes, txWrite{kind: writeUpdate, path: path, data: data})
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

// apply executes the buffered writes inside dbtx, all stamped with the same
// commit time. Errors roll the whole transaction back, so a failing write
// never leaves earlier ones behind.
func (t *storeTx) apply(ctx context.Context, dbtx *sql.Tx, now time.Time) error {
	for _, w := range t.writes {
		var err error
		switch w.kind {
		case writeSet:
			if w.opts.Merge || len(w.opts.MergeFields) > 0 {
				_, _, err = t.s.applyMergeSet(ctx, dbtx, w.path, w.data, w.opts, now)
			} else {
				_, err = t.s.execSet(ctx, dbtx, w.path, w.data, now)
			}
		case writeUpdate:
			_, _, err = t.s.applyUpdate(ctx, dbtx, w.path, w.data, now)
		case writeDelete:
			err = t.s.execDelete(ctx, dbtx, w.path, now)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RunTx drives attempt through optimistic transactions until one commits.
// Errors returned by the attempt abort the loop and surface verbatim;
// version conflicts retry up to the configured bound.
func (s *Store) RunTx(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
	if attempt == nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "transaction attempt func must not be nil")
	}
	for n := 1; n <= s.txMaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		tx := &storeTx{s: s, reads: make(map[string]int64)}
		out, err := attempt(ctx, tx)
		if err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		committed, err := s.commitTx(ctx, tx)
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

// commitTx re-verifies every recorded read version inside one database
// transaction and applies the buffered writes when nothing moved. A false
// return with a nil error is a conflict the loop should retry.
func (s *Store) commitTx(ctx context.Context, tx *storeTx) (bool, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, mapSQLiteError("begin transaction", err)
	}
	defer func() { _ = dbtx.Rollback() }()
	for path, seen := range tx.reads {
		cur, err := s.versionAt(ctx, dbtx, path)
		if err != nil {
			return false, err
		}
		if cur != seen {
			return false, nil
		}
	}
	if err := tx.apply(ctx, dbtx, s.clock.Now().UTC()); err != nil {
		return false, err
	}
	if err := dbtx.Commit(); err != nil {
		return false, mapSQLiteError("commit transaction", err)
	}
	return true, nil
}

// versionAt reports the version stored at path, tombstones included, or 0
// when the path has never been written.
func (s *Store) versionAt(ctx context.Context, q sqlQuerier, path string) (int64, error) {
	query := fmt.Sprintf(`SELECT version FROM %s WHERE path = ?`, s.table)
	var version int64
	err := q.QueryRowContext(ctx, query, path).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapSQLiteError("check read versions", err)
	}
	return version, nil
}
