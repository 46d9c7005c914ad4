package jobstore

import "errors"

type ErrorCode string

const (
	// ErrorCodeNotFound means the job, batch or step does not exist.
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeConflict means the mutation lost a race it cannot win by
	// retrying, e.g. assigning a lease to a batch that already has one.
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeRetryLimit means a step retry was requested for a node that
	// has exhausted its retry budget.
	ErrorCodeRetryLimit ErrorCode = "RETRY_LIMIT"
	// ErrorCodeInvalid means the request itself is malformed.
	ErrorCodeInvalid ErrorCode = "INVALID"
)

// Error is a typed failure from the store or a mutator. Mutator errors are
// fatal to the surrounding update loop.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func NewNotFoundError(msg string) error {
	return &Error{Code: ErrorCodeNotFound, Msg: msg}
}

func NewConflictError(msg string) error {
	return &Error{Code: ErrorCodeConflict, Msg: msg}
}

func NewRetryLimitError(msg string) error {
	return &Error{Code: ErrorCodeRetryLimit, Msg: msg}
}

func NewInvalidError(msg string) error {
	return &Error{Code: ErrorCodeInvalid, Msg: msg}
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

func IsNotFound(err error) bool   { return hasCode(err, ErrorCodeNotFound) }
func IsConflict(err error) bool   { return hasCode(err, ErrorCodeConflict) }
func IsRetryLimit(err error) bool { return hasCode(err, ErrorCodeRetryLimit) }
func IsInvalid(err error) bool    { return hasCode(err, ErrorCodeInvalid) }
