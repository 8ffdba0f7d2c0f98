package skiff

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffdb/skiff-go/skiff/driver"
)

func TestRunTransactionStagesOperations(t *testing.T) {
	conn := &fakeConn{doc: driver.Document{
		Path:    "counters/hits",
		Data:    json.RawMessage(`{"count":1}`),
		Exists:  true,
		Version: 1,
	}}
	c := NewClient(conn)

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		snap, err := tx.Get(ctx, c.Doc("counters/hits"))
		if err != nil {
			return nil, err
		}
		var fields struct {
			Count int `json:"count"`
		}
		if err := snap.DataTo(&fields); err != nil {
			return nil, err
		}
		if err := tx.Set(c.Doc("counters/hits"), map[string]int{"count": fields.Count + 1}); err != nil {
			return nil, err
		}
		return nil, tx.Delete(c.Doc("counters/stale"))
	})
	require.NoError(t, err)
	require.NotNil(t, conn.lastTx)
	assert.Equal(t, []string{"get counters/hits", "set counters/hits", "delete counters/stale"}, conn.lastTx.ops)
	assert.JSONEq(t, `{"count":2}`, string(conn.gotData))
}

func TestRunTransactionEncodesResolutionValue(t *testing.T) {
	var got []byte
	conn := &fakeConn{}
	conn.runTx = func(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
		out, err := attempt(ctx, &fakeTx{conn: conn})
		got = out
		return out, err
	}
	c := NewClient(conn)

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		return map[string]int{"n": 7}, nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":7}`, string(got))

	err = c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got, "a nil resolution value must not be encoded")
}

func TestRunTransactionRetriesSerially(t *testing.T) {
	conn := &fakeConn{}
	// A backend that rejects the first two commits and re-invokes the
	// attempt, the way a contended optimistic loop does.
	conn.runTx = func(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
		var out []byte
		var err error
		for i := 0; i < 3; i++ {
			out, err = attempt(ctx, &fakeTx{conn: conn})
			if err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	c := NewClient(conn)

	calls := 0
	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "serial re-invocation must be allowed")
}

func TestRunTransactionClassifiesServerError(t *testing.T) {
	conn := &fakeConn{}
	conn.runTx = func(ctx context.Context, attempt driver.AttemptFunc) ([]byte, error) {
		return nil, Errorf(KindAborted, "transaction contention persisted after 5 attempts")
	}
	c := NewClient(conn)

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		return nil, nil
	})
	var te *TxError
	require.ErrorAs(t, err, &te)
	require.NotNil(t, te.Server)
	assert.Equal(t, KindAborted, te.Server.Kind)
	assert.Nil(t, te.Thrown)
	assert.Contains(t, te.Error(), "aborted")

	// The structured shape stays probeable through the wrapper.
	requireKind(t, err, KindAborted)
}

func TestRunTransactionKeepsUserErrorVerbatim(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)

	sentinel := errors.New("user gave up")
	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		return nil, sentinel
	})
	var te *TxError
	require.ErrorAs(t, err, &te)
	assert.Nil(t, te.Server)
	assert.Equal(t, sentinel, te.Thrown)
	assert.ErrorIs(t, err, sentinel, "the original error must stay reachable")
}

func TestRunTransactionPreservesPanicValue(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		panic(42)
	})
	var te *TxError
	require.ErrorAs(t, err, &te)
	assert.Nil(t, te.Server)
	assert.Equal(t, 42, te.Thrown, "the panic value must keep its dynamic type")
}

func TestRunTransactionPanicWithErrorValue(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)

	sentinel := errors.New("panicked error")
	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		panic(sentinel)
	})
	var te *TxError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, sentinel, te.Thrown)
	assert.ErrorIs(t, err, sentinel)
}

func TestTransactionHandleValidatesPaths(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn)

	err := c.RunTransaction(context.Background(), func(ctx context.Context, tx *Tx) (any, error) {
		return nil, tx.Set(c.Doc("users"), map[string]int{"a": 1})
	})
	var te *TxError
	require.ErrorAs(t, err, &te)
	requireKind(t, err, KindInvalidArgument)
}
