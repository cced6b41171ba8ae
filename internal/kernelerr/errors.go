// Package kernelerr defines the error taxonomy of the matching kernel
// (spec §7): validation, conflict, state, transient, and fatal errors.
// Callers use errors.Is against the sentinels below rather than
// string-matching.
package kernelerr

import "errors"

// Validation errors are client-visible and non-retriable.
var (
	ErrValidation          = errors.New("validation error")
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidEnum         = errors.New("invalid enum value")
	ErrLimitWithoutPrice   = errors.New("limit order requires a price")
	ErrMarketWithPrice     = errors.New("market order must not specify a price")
	ErrNonPositiveQuantity = errors.New("quantity must be positive")
)

// State errors are client-visible and describe an order that cannot be
// cancelled in its current state.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyFilled = errors.New("order already filled")
	ErrOrderCancelled     = errors.New("order already cancelled")
)

// Transient errors are internal and retriable by the matcher a bounded
// number of times before being surfaced.
var (
	ErrSerializationSkew = errors.New("serialization skew: durable state changed under a committing unit")
	ErrStoreContention   = errors.New("durable store contention")
	ErrRetriesExhausted  = errors.New("transient error retries exhausted")
)

// Fatal errors are process-level and occur only at boot or in a path that
// should be unreachable given pure in-memory mutation after commit.
var (
	ErrSchemaMismatch = errors.New("durable store schema mismatch")
	ErrRecoveryFailed = errors.New("recovery from durable store failed")
)

// A duplicate idempotency key is not an error in the usual sense: it is a
// successful idempotent replay. There is no ErrDuplicateIdempotencyKey
// sentinel here — a Coordinator.PersistAccept race on the unique
// constraint returns ErrValidation, and callers distinguish the replay
// path by re-checking FindByIdempotencyKey rather than branching on a
// specific error value.
