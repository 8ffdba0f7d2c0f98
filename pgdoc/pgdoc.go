package pgdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/clock/system"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const (
	defaultTable         = "skiff_documents"
	defaultTxMaxAttempts = 5
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Clock supplies document timestamps. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// querier is the subset of pgxpool.Pool the store uses. pgxmock's pool
// implements it too, which keeps the unit tests off a live server.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// execer is the one capability the write helpers need, satisfied by both
// the pool and an open pgx transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// rowQuerier mirrors execer for single-row reads.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config controls the connection pool behind a Store.
type Config struct {
	DSN             string
	Table           string // defaults to skiff_documents
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store is a PostgreSQL-backed document store. It implements driver.Conn.
type Store struct {
	pool          querier
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

// Open connects a pgx pool for cfg and returns a Store bound to cfg.Table.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgdoc: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgdoc: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgdoc: connect: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgdoc: ping: %w", err)
	}
	return store, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier, table string, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgdoc: pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("pgdoc: invalid table name %q", table)
	}
	s := &Store{
		pool:          pool,
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

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSchema creates the document table and its index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path       TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	data       JSONB NOT NULL,
	version    BIGINT NOT NULL,
	deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (collection) WHERE NOT deleted`,
			s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgdoc: ensure schema: %w", err)
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
	return s.getDoc(ctx, s.pool, path)
}

func (s *Store) getDoc(ctx context.Context, q rowQuerier, path string) (driver.Document, error) {
	query := fmt.Sprintf(`SELECT data, version, updated_at FROM %s WHERE path = $1 AND NOT deleted`, s.table)
	var (
		data      []byte
		version   int64
		updatedAt time.Time
	)
	err := q.QueryRow(ctx, query, path).Scan(&data, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return driver.Document{Path: path}, nil
	}
	if err != nil {
		return driver.Document{}, mapPgError("get document", err)
	}
	return driver.Document{
		Path:      path,
		Data:      data,
		Exists:    true,
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// SetDoc stores data at path, creating or replacing the document. Merge
// options fold the payload into the existing fields instead.
func (s *Store) SetDoc(ctx context.Context, path string, data json.RawMessage, opts driver.SetOptions) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	payload, err := setPayload(path, data, opts)
	if err != nil {
		return err
	}
	merge := opts.Merge || len(opts.MergeFields) > 0
	return s.execSet(ctx, s.pool, path, payload, merge, s.clock.Now().UTC())
}

// UpdateDoc merges data into an existing document and returns the stored
// result. A missing document is kind not-found.
func (s *Store) UpdateDoc(ctx context.Context, path string, data json.RawMessage) (driver.Document, error) {
	if err := validateDocPath(path); err != nil {
		return driver.Document{}, err
	}
	if _, err := decodeObject(data); err != nil {
		return driver.Document{}, err
	}
	query := fmt.Sprintf(`UPDATE %s SET data = data || $2, version = version + 1, updated_at = $3
WHERE path = $1 AND NOT deleted
RETURNING data, version, updated_at`, s.table)
	var (
		stored    []byte
		version   int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, query, path, data, s.clock.Now().UTC()).Scan(&stored, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return driver.Document{}, skiff.Errorf(skiff.KindNotFound, "no document at %q", path)
	}
	if err != nil {
		return driver.Document{}, mapPgError("update document", err)
	}
	return driver.Document{
		Path:      path,
		Data:      stored,
		Exists:    true,
		Version:   version,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// DeleteDoc tombstones the document at path. Deleting a missing document is
// a no-op.
func (s *Store) DeleteDoc(ctx context.Context, path string) error {
	if err := validateDocPath(path); err != nil {
		return err
	}
	return s.execDelete(ctx, s.pool, path, s.clock.Now().UTC())
}

// setPayload validates the payload object and applies any MergeFields pick.
func setPayload(path string, data json.RawMessage, opts driver.SetOptions) (json.RawMessage, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	if len(opts.MergeFields) == 0 {
		return data, nil
	}
	picked := make(map[string]any, len(opts.MergeFields))
	for _, name := range opts.MergeFields {
		if v, ok := fields[name]; ok {
			picked[name] = v
		}
	}
	encoded, err := json.Marshal(picked)
	if err != nil {
		return nil, skiff.Errorf(skiff.KindInternal, "encode document %q: %v", path, err)
	}
	return encoded, nil
}

func (s *Store) execSet(ctx context.Context, x execer, path string, payload json.RawMessage, merge bool, now time.Time) error {
	assign := "EXCLUDED.data"
	if merge {
		// Merging over a tombstone behaves like merging into a missing
		// document: the payload becomes the whole document.
		assign = fmt.Sprintf("CASE WHEN %s.deleted THEN EXCLUDED.data ELSE %s.data || EXCLUDED.data END",
			s.table, s.table)
	}
	query := fmt.Sprintf(`INSERT INTO %s (path, collection, data, version, deleted, updated_at)
VALUES ($1, $2, $3, 1, FALSE, $4)
ON CONFLICT (path) DO UPDATE SET
	data = %s,
	version = %s.version + 1,
	deleted = FALSE,
	updated_at = EXCLUDED.updated_at`, s.table, assign, s.table)
	if _, err := x.Exec(ctx, query, path, parentPath(path), payload, now); err != nil {
		return mapPgError("set document", err)
	}
	return nil
}

func (s *Store) execUpdate(ctx context.Context, x execer, path string, payload json.RawMessage, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET data = data || $2, version = version + 1, updated_at = $3
WHERE path = $1 AND NOT deleted`, s.table)
	tag, err := x.Exec(ctx, query, path, payload, now)
	if err != nil {
		return mapPgError("update document", err)
	}
	if tag.RowsAffected() == 0 {
		return skiff.Errorf(skiff.KindNotFound, "no document at %q", path)
	}
	return nil
}

func (s *Store) execDelete(ctx context.Context, x execer, path string, now time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET data = '{}'::jsonb, version = version + 1, deleted = TRUE, updated_at = $2
WHERE path = $1 AND NOT deleted`, s.table)
	if _, err := x.Exec(ctx, query, path, now); err != nil {
		return mapPgError("delete document", err)
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

// mapPgError folds a pgx failure into the wire error taxonomy. Context
// errors and retryable serialization failures pass through untouched so
// callers can probe them.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isRetryableTxError(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return skiff.Errorf(skiff.KindAlreadyExists, "%s: %v", op, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57"):
			return skiff.Errorf(skiff.KindUnavailable, "%s: %v", op, err)
		case strings.HasPrefix(pgErr.Code, "53"):
			return skiff.Errorf(skiff.KindResourceExhausted, "%s: %v", op, err)
		default:
			return skiff.Errorf(skiff.KindInternal, "%s: %v", op, err)
		}
	}
	return skiff.Errorf(skiff.KindUnavailable, "%s: %v", op, err)
}

// isRetryableTxError reports serialization failures and deadlocks, the two
// SQLSTATEs Postgres asks clients to retry.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
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
