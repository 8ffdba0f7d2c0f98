package emulator

import (
	"context"
	"encoding/json"

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

type txWrite struct {
	kind txWriteKind
	path string
	data json.RawMessage
	opts driver.SetOptions
}

// engineTx buffers one transaction attempt. Reads record the version they
// observed; commit re-checks those versions under the engine lock and bails
// out when anything moved.
type engineTx struct {
	e      *Engine
	reads  map[string]int64
	writes []txWrite
}

var _ driver.Tx = (*engineTx)(nil)

func (t *engineTx) Get(ctx context.Context, path string) (driver.Document, error) {
	if len(t.writes) > 0 {
		return driver.Document{}, skiff.Errorf(skiff.KindFailedPrecondition, "transaction reads must precede writes")
	}
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	t.e.mu.RLock()
	defer t.e.mu.RUnlock()
	t.reads[path] = t.e.versions[path]
	d, ok := t.e.docs[path]
	if !ok {
		return driver.Document{Path: path}, nil
	}
	return d.wire(path), nil
}

func (t *engineTx) Set(path string, data json.RawMessage, opts driver.SetOptions) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	if _, err := decodeObject(data); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeSet, path: path, data: data, opts: opts})
	return nil
}

func (t *engineTx) Update(path string, data json.RawMessage) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	if _, err := decodeObject(data); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeUpdate, path: path, data: data})
	return nil
}

func (t *engineTx) Delete(path string) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{kind: writeDelete, path: path})
	return nil
}

// RunTx drives the optimistic commit loop. Attempt errors abort the loop
// and surface verbatim; version conflicts retry up to the configured bound.
func (e *Engine) RunTx(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "transaction attempt func must not be nil")
	}
	for n := 1; n <= e.txMaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		tx := &engineTx{e: e, reads: make(map[string]int64)}
		out, err := attempt(ctx, tx)
		if err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		committed, err := e.commitTx(tx)
		if err != nil {
			metrics.ObserveTxAttempts("rejected", n)
			return nil, err
		}
		if committed {
			metrics.ObserveTxAttempts("committed", n)
			return out, nil
		}
		e.logger.Debug("transaction conflict, retrying", zap.Int("attempt", n))
	}
	metrics.ObserveTxAttempts("aborted", e.txMaxAttempts)
	return nil, skiff.Errorf(skiff.KindAborted, "transaction contention persisted after %d attempts", e.txMaxAttempts)
}

// commitTx validates the read set and applies buffered writes atomically.
// A false return with nil error means a conflict the loop should retry.
func (e *Engine) commitTx(tx *engineTx) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.takeInjectedConflict() {
		return false, nil
	}
	for path, version := range tx.reads {
		if e.versions[path] != version {
			return false, nil
		}
	}
	for _, w := range tx.writes {
		if w.kind != writeUpdate {
			continue
		}
		if _, ok := e.docs[w.path]; !ok {
			return false, skiff.Errorf(skiff.KindNotFound, "no document at %q", w.path)
		}
	}
	for _, w := range tx.writes {
		switch w.kind {
		case writeSet:
			doc, err := e.applySetLocked(w.path, w.data, w.opts)
			if err != nil {
				return false, err
			}
			e.hub.broadcast(doc)
		case writeUpdate:
			doc, err := e.applySetLocked(w.path, w.data, driver.SetOptions{Merge: true})
			if err != nil {
				return false, err
			}
			e.hub.broadcast(doc)
		case writeDelete:
			if tombstone, ok := e.applyDeleteLocked(w.path); ok {
				e.hub.broadcast(tombstone)
			}
		}
	}
	return true, nil
}
