package skiff

import (
	"errors"
	"fmt"
)

// Kind classifies a backend failure. The wire protocol transmits kinds as
// strings; codes this client does not recognize pass through verbatim so
// newer servers never break older clients.
type Kind string

// The kinds defined by the wire protocol.
const (
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
	KindInvalidArgument    Kind = "invalid-argument"
	KindDeadlineExceeded   Kind = "deadline-exceeded"
	KindNotFound           Kind = "not-found"
	KindAlreadyExists      Kind = "already-exists"
	KindPermissionDenied   Kind = "permission-denied"
	KindResourceExhausted  Kind = "resource-exhausted"
	KindFailedPrecondition Kind = "failed-precondition"
	KindAborted            Kind = "aborted"
	KindOutOfRange         Kind = "out-of-range"
	KindUnimplemented      Kind = "unimplemented"
	KindInternal           Kind = "internal"
	KindUnavailable        Kind = "unavailable"
	KindDataLoss           Kind = "data-loss"
	KindUnauthenticated    Kind = "unauthenticated"
)

var knownKinds = map[Kind]struct{}{
	KindCancelled:          {},
	KindUnknown:            {},
	KindInvalidArgument:    {},
	KindDeadlineExceeded:   {},
	KindNotFound:           {},
	KindAlreadyExists:      {},
	KindPermissionDenied:   {},
	KindResourceExhausted:  {},
	KindFailedPrecondition: {},
	KindAborted:            {},
	KindOutOfRange:         {},
	KindUnimplemented:      {},
	KindInternal:           {},
	KindUnavailable:        {},
	KindDataLoss:           {},
	KindUnauthenticated:    {},
}

// ParseKind maps a wire code to its Kind. Unrecognized codes are returned
// as-is rather than collapsed into KindUnknown.
func ParseKind(code string) Kind {
	return Kind(code)
}

// Recognized reports whether k is one of the kinds the protocol defines.
func (k Kind) Recognized() bool {
	_, ok := knownKinds[k]
	return ok
}

// ServerError is a structured failure reported by a backend. Drivers wrap
// every backend-originated failure in one so callers (and the transaction
// classifier) can probe for it with errors.As.
type ServerError struct {
	Kind    Kind
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("skiff: %s: %s", e.Kind, e.Message)
}

// Errorf builds a ServerError with the given kind.
func Errorf(kind Kind, format string, args ...any) *ServerError {
	return &ServerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsServerError probes err's chain for the backend failure shape.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// ErrWatchUnsupported is returned by watch constructors when the client has
// no watch source configured.
var ErrWatchUnsupported = errors.New("skiff: client has no watch source")

// TxError is the terminal failure of RunTransaction. Exactly one branch is
// set: Server when the rejection carried the backend's structured shape,
// Thrown with the verbatim value otherwise (the error the mutation func
// returned, or the value it panicked with).
type TxError struct {
	Server *ServerError
	Thrown any
}

func (e *TxError) Error() string {
	if e.Server != nil {
		return fmt.Sprintf("skiff: transaction failed: %s: %s", e.Server.Kind, e.Server.Message)
	}
	return fmt.Sprintf("skiff: transaction failed: %v", e.Thrown)
}

// Unwrap exposes the underlying error, when there is one, so errors.Is and
// errors.As see through the classification.
func (e *TxError) Unwrap() error {
	if e.Server != nil {
		return e.Server
	}
	if err, ok := e.Thrown.(error); ok {
		return err
	}
	return nil
}
