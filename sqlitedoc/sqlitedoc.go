package sqlitedoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/skiffdb/skiff-go/internal/clock/system"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const (
	defaultTable         = "skiff_documents"
	defaultTxMaxAttempts = 5
	defaultBusyTimeout   = 5 * time.Second

	// timeFormat keeps updated_at lexicographically sortable in TEXT form.
	timeFormat = time.RFC3339Nano
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Clock supplies document timestamps. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// sqlQuerier is the slice of database/sql the store uses, satisfied by both
// *sql.DB and *sql.Tx so the write helpers run inside or outside a
// transaction.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config controls the database behind a Store.
type Config struct {
	DSN         string
	Table       string        // defaults to skiff_documents
	BusyTimeout time.Duration // defaults to 5s
}

// Store is a SQLite-backed document store. It implements driver.Conn.
type Store struct {
	db            *sql.DB
	table         string
	logger        *zap.Logger
	clock         Clock
	txMaxAttempts int
}

var _ driver.Conn = (*Store)(nil)

// Option adjusts how a Store is constructed.
type Option func(*Store)

// WithLogger routes store logs to logger instead of discarding them.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock substitutes the timestamp source.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTxMaxAttempts bounds the transaction retry loop.
func WithTxMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.txMaxAttempts = n
		}
	}
}

// Open opens the SQLite database for cfg and returns a Store bound to
// cfg.Table.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlitedoc: dsn is required")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitedoc: open: %w", err)
	}
	// SQLite permits one writer at a time. A single pooled connection
	// serializes writers ahead of the driver's busy handler and keeps a
	// :memory: database from splitting into one database per connection.
	db.SetMaxOpenConns(1)
	store, err := NewWithDB(db, cfg.Table, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Both pragmas report their setting as a row, so they go through
	// QueryRow rather than Exec.
	var applied int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())).Scan(&applied); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedoc: set busy timeout: %w", err)
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedoc: set journal mode: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitedoc: ping: %w", err)
	}
	return store, nil
}

// NewWithDB constructs a Store from an existing database handle (primarily
// for testing). The handle should be limited to one open connection.
func NewWithDB(db *sql.DB, table string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlitedoc: db is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("sqlitedoc: invalid table name %q", table)
	}
	s := &Store{
		db:            db,
		table:         table,
		logger:        zap.NewNop(),
		clock:         system.New(),
		txMaxAttempts: defaultTxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the document table and its index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	data       TEXT NOT NULL,
	version    INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (collection) WHERE deleted = 0`,
			s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlitedoc: ensure schema: %w", err)
		}
	}
	return nil
}

// GetDoc fetches the document at path. Missing documents and tombstones
// come back with Exists false and a nil error.
func (s *Store) GetDoc(ctx context.Context, path string) (driver.Document, error) {
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	query := fmt.Sprintf(`SELECT data, version, updated_at FROM %s WHERE path = ? AND deleted = 0`, s.table)
	var (
		data    []byte
		version int64
		updated string
	)
	err := s.db.QueryRowContext(ctx, query, path).Scan(&data, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return driver.Document{Path: path}, nil
	}
	if err != nil {
		return driver.Document{}, mapSQLiteError("get document", err)
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

// SetDoc stores data at path, creating or replacing the document. Merge
// options fold the payload into the existing fields instead, which runs as
// a read-modify-write inside one database transaction.
func (s *Store) SetDoc(ctx context.Context, path string, data json.RawMessage, opts driver.SetOptions) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	if !opts.Merge && len(opts.MergeFields) == 0 {
		if _, err := decodeObject(data); err != nil {
			return err
		}
		_, err := s.execSet(ctx, s.db, path, data, s.clock.Now().UTC())
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError("set document", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, _, err := s.applyMergeSet(ctx, tx, path, data, opts, s.clock.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteError("set document", err)
	}
	return nil
}

// UpdateDoc merges data into an existing document and returns the stored
// result. A missing document is kind not-found.
func (s *Store) UpdateDoc(ctx context.Context, path string, data json.RawMessage) (driver.Document, error) {
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return driver.Document{}, mapSQLiteError("update document", err)
	}
	defer func() { _ = tx.Rollback() }()
	now := s.clock.Now().UTC()
	stored, version, err := s.applyUpdate(ctx, tx, path, data, now)
	if err != nil {
		return driver.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return driver.Document{}, mapSQLiteError("update document", err)
	}
	return driver.Document{
		Path:      path,
		Data:      stored,
		Exists:    true,
		Version:   version,
		UpdatedAt: now,
	}, nil
}

// DeleteDoc tombstones the document at path. Deleting a missing document is
// a no-op.
func (s *Store) DeleteDoc(ctx context.Context, path string) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	return s.execDelete(ctx, s.db, path, s.clock.Now().UTC())
}

// readFields returns the live fields at path, or nil when the document is
// missing or tombstoned.
func (s *Store) readFields(ctx context.Context, q sqlQuerier, path string) (map[string]any, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE path = ? AND deleted = 0`, s.table)
	var data []byte
	err := q.QueryRowContext(ctx, query, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapSQLiteError("read document", err)
	}
	return decodeObject(data)
}

// applyMergeSet folds the payload (or its MergeFields pick) into the fields
// currently stored at path. Merging into a missing document or over a
// tombstone stores the payload as the whole document.
func (s *Store) applyMergeSet(ctx context.Context, q sqlQuerier, path string, data json.RawMessage, opts driver.SetOptions, now time.Time) (json.RawMessage, int64, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, 0, err
	}
	if len(opts.MergeFields) > 0 {
		picked := make(map[string]any, len(opts.MergeFields))
		for _, name := range opts.MergeFields {
			if v, ok := fields[name]; ok {
				picked[name] = v
			}
		}
		fields = picked
	}
	cur, err := s.readFields(ctx, q, path)
	if err != nil {
		return nil, 0, err
	}
	if cur != nil {
		for k, v := range fields {
			cur[k] = v
		}
		fields = cur
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, 0, skiff.Errorf(skiff.KindInternal, "encode document %q: %v", path, err)
	}
	version, err := s.execSet(ctx, q, path, encoded, now)
	if err != nil {
		return nil, 0, err
	}
	return encoded, version, nil
}

// applyUpdate merges data into the document at path, failing with not-found
// when no live document is there.
func (s *Store) applyUpdate(ctx context.Context, q sqlQuerier, path string, data json.RawMessage, now time.Time) (json.RawMessage, int64, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, 0, err
	}
	cur, err := s.readFields(ctx, q, path)
	if err != nil {
		return nil, 0, err
	}
	if cur == nil {
		return nil, 0, skiff.Errorf(skiff.KindNotFound, "no document at %q", path)
	}
	for k, v := range fields {
		cur[k] = v
	}
	encoded, err := json.Marshal(cur)
	if err != nil {
		return nil, 0, skiff.Errorf(skiff.KindInternal, "encode document %q: %v", path, err)
	}
	version, err := s.execSet(ctx, q, path, encoded, now)
	if err != nil {
		return nil, 0, err
	}
	return encoded, version, nil
}

// execSet upserts the full document payload at path and returns the new
// version. json() canonicalizes the stored text.
func (s *Store) execSet(ctx context.Context, q sqlQuerier, path string, payload json.RawMessage, now time.Time) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (path, collection, data, version, deleted, updated_at)
VALUES (?, ?, json(?), 1, 0, ?)
ON CONFLICT (path) DO UPDATE SET
	data = excluded.data,
	version = %s.version + 1,
	deleted = 0,
	updated_at = excluded.updated_at
RETURNING version`, s.table, s.table)
	var version int64
	err := q.QueryRowContext(ctx, query, path, parentPath(path), string(payload), now.Format(timeFormat)).Scan(&version)
	if err != nil {
		return 0, mapSQLiteError("set document", err)
	}
	return version, nil
}

func (s *Store) execDelete(ctx context.Context, q sqlQuerier, path string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET data = '{}', version = version + 1, deleted = 1, updated_at = ?
WHERE path = ? AND deleted = 0`, s.table)
	if _, err := q.ExecContext(ctx, query, now.Format(timeFormat), path); err != nil {
		return mapSQLiteError("delete document", err)
	}
	return nil
}

// decodeObject enforces that document payloads are JSON objects.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "document data must be a JSON object: %v", err)
	}
	if fields == nil {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "document data must be a JSON object, got null")
	}
	return fields, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, skiff.Errorf(skiff.KindInternal, "parse stored timestamp %q: %v", s, err)
	}
	return t.UTC(), nil
}

// mapSQLiteError folds a database failure into the wire error taxonomy.
// Context errors pass through untouched so callers can probe them. SQLite
// failures carry no usable SQLSTATE split here: the single connection plus
// busy handler rules out lock contention, and transaction conflicts are
// detected by version checks rather than driver errors.
func mapSQLiteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return skiff.Errorf(skiff.KindInternal, "%s: %v", op, err)
}

func validateDocPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 0 {
		return skiff.Errorf(skiff.KindInvalidArgument, "document path %q must have an even number of segments", path)
	}
	return nil
}

func validateCollectionPath(path string) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return skiff.Errorf(skiff.KindInvalidArgument, "collection path %q must have an odd number of segments", path)
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, skiff.Errorf(skiff.KindInvalidArgument, "path must not be empty")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, skiff.Errorf(skiff.KindInvalidArgument, "path %q has an empty segment", path)
		}
	}
	return segs, nil
}

// parentPath returns the collection a document belongs to.
func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}
