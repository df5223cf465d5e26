package models

import "errors"

// ErrorKind is the stable, caller-facing classification of a failure.
// Each kind is itself an error so it can be wrapped with %w and matched with errors.Is.
type ErrorKind string

func (k ErrorKind) Error() string {
	return string(k)
}

const (
	ErrValidation       ErrorKind = "VALIDATION_ERROR"
	ErrNotFound         ErrorKind = "NOT_FOUND"
	ErrForbidden        ErrorKind = "FORBIDDEN"
	ErrStateConflict    ErrorKind = "STATE_CONFLICT"
	ErrConsentMissing   ErrorKind = "CONSENT_MISSING"
	ErrPrecondition     ErrorKind = "PRECONDITION_FAILED"
	ErrDuplicateShare   ErrorKind = "DUPLICATE_SHARE"
	ErrTokenInvalid     ErrorKind = "TOKEN_INVALID"
	ErrTokenExpired     ErrorKind = "TOKEN_EXPIRED"
	ErrAccessDenied     ErrorKind = "ACCESS_DENIED"
	ErrAccessExhausted  ErrorKind = "ACCESS_EXHAUSTED"
	ErrLedgerSubmission ErrorKind = "LEDGER_SUBMISSION_FAILED"
	ErrUnauthorized     ErrorKind = "UNAUTHORIZED"
	ErrInternal         ErrorKind = "INTERNAL_ERROR"
)

// KindOf returns the ErrorKind wrapped by err, or ErrInternal when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ErrInternal
}

// IsAccessFailure reports whether err is one of the token/access-control kinds.
func IsAccessFailure(err error) bool {
	switch KindOf(err) {
	case ErrTokenInvalid, ErrTokenExpired, ErrAccessDenied, ErrAccessExhausted:
		return true
	}
	return false
}
