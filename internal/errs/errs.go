package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Stable error codes returned to callers. BIZ_* are business rule
// violations, VAL_* input validation, INT_* internal/dependency
// failures (cause logged, never exposed).
const (
	CodeOrderNotFound      = "BIZ_ORDER_NOT_FOUND"
	CodeOrderState         = "BIZ_ORDER_INVALID_STATE"
	CodeEligibility        = "BIZ_ELIGIBILITY_UNMET"
	CodeIncompleteWork     = "BIZ_CHECKPOINTS_INCOMPLETE"
	CodeCheckpointOrder    = "BIZ_CHECKPOINT_OUT_OF_ORDER"
	CodeDuplicateReview    = "BIZ_DUPLICATE_REVIEW"
	CodeInsufficientFunds  = "BIZ_INSUFFICIENT_FUNDS"
	CodePenaltyPending     = "BIZ_PENALTY_PENDING_REVIEW"
	CodeSelfAssign         = "BIZ_SELF_ASSIGN"
	CodeJobState           = "BIZ_JOB_INVALID_STATE"
	CodeValidation         = "VAL_INVALID_INPUT"
	CodeFractionRange      = "VAL_FRACTION_OUT_OF_RANGE"
	CodeRatingRange        = "VAL_RATING_OUT_OF_RANGE"
	CodeTextTooLong        = "VAL_TEXT_TOO_LONG"
	CodeInternal           = "INT_INTERNAL"
	CodeEscrowUnavailable  = "INT_ESCROW_UNAVAILABLE"
	CodeStorageUnavailable = "INT_STORAGE_UNAVAILABLE"
)

// Error is a coded domain error. The code is stable API surface; the
// wrapped cause is operator-only.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Business builds a BIZ_* error.
func Business(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a VAL_* error.
func Validation(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a dependency/storage failure under an INT_* code.
func Internal(code string, cause error) *Error {
	return &Error{Code: code, Message: "internal error", cause: cause}
}

// CodeOf extracts the stable code, or INT_INTERNAL for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsBusiness reports whether err carries a BIZ_* code.
func IsBusiness(err error) bool { return strings.HasPrefix(CodeOf(err), "BIZ_") }

// IsValidation reports whether err carries a VAL_* code.
func IsValidation(err error) bool { return strings.HasPrefix(CodeOf(err), "VAL_") }

// IsInternal reports whether err carries an INT_* code (or no code).
func IsInternal(err error) bool { return strings.HasPrefix(CodeOf(err), "INT_") }
