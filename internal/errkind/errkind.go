// Package errkind classifies control-plane errors into the categories the
// HTTP layer and background workers need to react to, independent of any
// particular transport.
package errkind

import "fmt"

// Kind is one of the logical error categories from the control-plane error
// handling design. It is not a type name — several Go error types can carry
// the same Kind.
type Kind string

const (
	// InvariantViolation marks a broken chain, duplicate chain_position,
	// an attempt to modify an append-only field, or an unknown site/appliance.
	// Fatal to the request that triggered it.
	InvariantViolation Kind = "invariant_violation"

	// SignatureInvalid marks an evidence bundle whose agent signature did
	// not verify. Not fatal: the bundle is still chained.
	SignatureInvalid Kind = "signature_invalid"

	// NonceReused marks an order acknowledgement carrying a previously
	// consumed nonce.
	NonceReused Kind = "nonce_reused"

	// OrderExpired marks an acknowledgement against an order already past
	// its expires_at.
	OrderExpired Kind = "order_expired"

	// ConflictExpected marks a duplicate insert resolved by the storage
	// layer's ON CONFLICT DO NOTHING — the caller should see success.
	ConflictExpected Kind = "conflict_expected"

	// UpstreamUnavailable marks object store, OTS calendar, or database
	// connectivity failures. Retryable with backoff.
	UpstreamUnavailable Kind = "upstream_unavailable"

	// QuotaOrValidation marks a 4xx-shaped client input error.
	QuotaOrValidation Kind = "quota_or_validation"
)

// Error is a control-plane error tagged with a Kind and a stable, non-leaky
// message. The underlying cause is kept for logging but never surfaced to
// appliance-facing callers.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the Kind of err if it is (or wraps) an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the HTTP status the propagation policy (spec
// §7) assigns it. forAgent selects the agent-facing policy: an invariant
// violation is 503 to an appliance (provoke retry after repair) but 422 to
// an admin/CLI caller. Nonce reuse and order expiry are dropped silently --
// the caller sees 200 with a terminal-state body, not an error status.
func HTTPStatus(kind Kind, forAgent bool) int {
	switch kind {
	case InvariantViolation:
		if forAgent {
			return 503
		}
		return 422
	case QuotaOrValidation:
		return 400
	case ConflictExpected:
		return 409
	case UpstreamUnavailable:
		return 503
	case NonceReused, OrderExpired:
		return 200
	default:
		return 500
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
