package ledgerclient

import (
	"errors"
	"fmt"
)

// TransientError covers timeouts and network failures: the submission may
// be retried with the same idempotency token.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient ledger error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError covers rejections that retrying cannot fix (insufficient
// balance, invalid account). The trade moves straight to FAILED.
type PermanentError struct {
	Code   string
	Detail string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent ledger error %s: %s", e.Code, e.Detail)
}

// AmbiguousError means the ledger could not say whether the transfer took
// effect. The reconciler never guesses on these; after exhausting retries
// the trade is parked as DISPUTED for manual resolution.
type AmbiguousError struct {
	Detail string
}

func (e *AmbiguousError) Error() string { return "ambiguous ledger outcome: " + e.Detail }

func Transient(err error) error    { return &TransientError{Err: err} }
func Permanent(code, detail string) error { return &PermanentError{Code: code, Detail: detail} }
func Ambiguous(detail string) error       { return &AmbiguousError{Detail: detail} }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is beyond retry.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAmbiguous reports whether the outcome of the call is unknowable.
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}
