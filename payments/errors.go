package payments

import (
	"errors"
	"fmt"
)

var (
	// ErrInvoiceNotFound means the wallet has no record of the invoice.
	// Fatal for the proof being verified.
	ErrInvoiceNotFound = errors.New("payments: invoice not found")

	// ErrInvoiceUnsettled means the wallet records the invoice without a
	// settlement time. Transient during the verification grace window,
	// fatal once retries are exhausted.
	ErrInvoiceUnsettled = errors.New("payments: invoice not settled")

	// ErrPreimageMismatch means the preimage does not hash to the
	// invoice's payment hash. Fatal, detected before any wallet lookup.
	ErrPreimageMismatch = errors.New("payments: preimage mismatch")
)

// ParseError wraps a malformed invoice string.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("payments: invoice parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NetworkError wraps a transient wallet or relay failure. Callers may retry.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("payments: network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, ErrInvoiceUnsettled)
}
