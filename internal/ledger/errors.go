package ledger

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/fraudledger/internal/canonical"
)

var (
	// ErrNotFound is returned when a block does not exist.
	ErrNotFound = errors.New("block not found")

	// ErrConflict marks a lost race for the next block index or HMAC link.
	// The append is retried with fresh state.
	ErrConflict = errors.New("concurrent append conflict")

	// ErrMissingKey is returned when no HMAC key is configured.
	ErrMissingKey = errors.New("ledger HMAC key is not configured")

	// ErrEncoding is the root of every canonical encoding failure.
	ErrEncoding = canonical.ErrNotRepresentable
)

// ValidationError reports caller input that cannot be chained. It is never
// retried.
type ValidationError struct {
	Field string
	Index int // 1-based entry position, 0 when not entry specific
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	prefix := e.Field
	if e.Index > 0 {
		prefix = fmt.Sprintf("entries[%d].%s", e.Index-1, e.Field)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PersistenceError reports a store failure. Conflicts unwrap to ErrConflict.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IntegrityError surfaces a verifier discrepancy as an error.
type IntegrityError struct {
	Discrepancy Discrepancy
}

func (e *IntegrityError) Error() string {
	return "chain integrity violated: " + e.Discrepancy.String()
}
