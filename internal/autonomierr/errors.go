// Package autonomierr defines the node/client error taxonomy (spec §7):
// a small set of sentinel kinds rather than one exception type per
// failure, matching the teacher's package-level Err* sentinels in
// core/storage.go.
package autonomierr

import "errors"

// Kind classifies a failure the way spec.md §7 enumerates them. It exists
// so callers can branch on category (retry vs surface) without parsing
// error strings.
type Kind int

const (
	Transport Kind = iota + 1
	Protocol
	Validation
	Payment
	NotFound
	Split
	Resource
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	case Payment:
		return "payment"
	case NotFound:
		return "not_found"
	case Split:
		return "split"
	case Resource:
		return "resource"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the name of the
// operation that failed. It carries no record data: a Split error does
// not include the conflicting per-peer variants.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinels for conditions callers commonly compare against directly,
// mirroring core/storage.go's ErrNotFound/ErrUnauthorized style.
var (
	ErrNotFound         = errors.New("record not found")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrWrongKey         = errors.New("record key does not match content")
	ErrSizeOverflow     = errors.New("payload exceeds maximum size")
	ErrStaleCounter     = errors.New("counter does not advance prior record")
	ErrCounterOverflow  = errors.New("counter already at maximum value")
	ErrQuoteExpired     = errors.New("quote has expired")
	ErrQuoteBadSig      = errors.New("quote signature invalid")
	ErrPaymentShortfall = errors.New("proof of payment does not cover store cost")
	ErrPaymentStale     = errors.New("proof of payment references an expired quote")
	ErrUnknownKind      = errors.New("unknown record kind")
	ErrCacheCorrupt     = errors.New("bootstrap cache data could not be parsed")
	ErrShuttingDown     = errors.New("node is shutting down")
	ErrEmptyCloseGroup   = errors.New("close group is empty")
)
