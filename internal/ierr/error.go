package ierr

import "errors"

type ErrorCode string

const (
	ErrorCodeInvalidArgument    ErrorCode = "InvalidArgument"
	ErrorCodeNotFound           ErrorCode = "NotFound"
	ErrorCodeAlreadyExists      ErrorCode = "AlreadyExists"
	ErrorCodeFailedPrecondition ErrorCode = "FailedPrecondition"
	ErrorCodePermissionDenied   ErrorCode = "PermissionDenied"
	ErrorCodeUnauthenticated    ErrorCode = "Unauthenticated"
	ErrorCodeResourceExhausted  ErrorCode = "ResourceExhausted"
	ErrorCodeUnavailable        ErrorCode = "Unavailable"
	ErrorCodeInternal           ErrorCode = "Internal"
)

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	cause error
}

func New(code ErrorCode, cause error) Error {
	return Error{
		Code:    code,
		Message: cause.Error(),
		cause:   cause,
	}
}

// Wrap keeps cause for logging while exposing only message to clients.
func Wrap(code ErrorCode, message string, cause error) Error {
	return Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func (e Error) Error() string {
	if e.cause == nil {
		return string(e.Code) + ": " + e.Message
	}

	return string(e.Code) + ": " + e.cause.Error()
}

func (e Error) Unwrap() error {
	return e.cause
}

// CodeOf returns the code of the first Error in err's chain, or Internal.
func CodeOf(err error) ErrorCode {
	var coded Error
	if errors.As(err, &coded) {
		return coded.Code
	}

	return ErrorCodeInternal
}
