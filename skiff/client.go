package skiff

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/id/uuid"
	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/internal/telemetry"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

// idGenerator mints auto-assigned document IDs.
type idGenerator interface {
	NewID() (string, error)
}

// Client talks to one Skiff backend. It is cheap to copy around and safe
// for concurrent use.
type Client struct {
	conn   driver.Conn
	watch  driver.WatchSource
	logger *zap.Logger
	ids    idGenerator
}

// Option configures a Client.
type Option func(*Client)

// WithWatchSource equips the client for realtime watches. Backends that
// implement driver.WatchSource themselves (like the emulator) can be passed
// both as conn and here.
func WithWatchSource(ws driver.WatchSource) Option {
	return func(c *Client) { c.watch = ws }
}

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func withIDGenerator(g idGenerator) Option {
	return func(c *Client) { c.ids = g }
}

// NewClient wraps conn. If conn also implements driver.WatchSource it is
// used for watches automatically; WithWatchSource overrides that.
func NewClient(conn driver.Conn, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		logger: zap.NewNop(),
		ids:    uuid.New(),
	}
	if ws, ok := conn.(driver.WatchSource); ok {
		c.watch = ws
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Doc returns a reference to the document at path, e.g. "users/alice".
func (c *Client) Doc(path string) *DocumentRef {
	return &DocumentRef{Path: path, c: c}
}

// Collection returns a reference to the collection at path, e.g. "users".
func (c *Client) Collection(path string) *CollectionRef {
	return &CollectionRef{Path: path, c: c}
}

// Close releases the underlying backend connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// instrument opens a client span for op and returns a completion func that
// records the span status and the operation metrics.
func (c *Client) instrument(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := telemetry.StartSpan(ctx, "skiff."+op)
	start := time.Now()
	return ctx, func(err error) {
		telemetry.EndSpan(span, err)
		metrics.ObserveOp(op, time.Since(start), err)
		if err != nil {
			c.logger.Debug("operation failed", zap.String("op", op), zap.Error(err))
		}
	}
}
