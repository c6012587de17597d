package service

import "errors"

// ErrorCode is a stable, enumerable code surfaced to callers. State errors are
// expected business outcomes, not infrastructure failures.
type ErrorCode string

const (
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired     ErrorCode = "SESSION_EXPIRED"
	CodeSessionAlreadyUsed ErrorCode = "SESSION_ALREADY_USED"
	CodeSessionRevoked     ErrorCode = "SESSION_REVOKED"
	CodeSessionTerminal    ErrorCode = "SESSION_TERMINAL"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeTokenMalformed     ErrorCode = "TOKEN_MALFORMED"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodeActionNotAllowed   ErrorCode = "ACTION_NOT_ALLOWED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodePolicyDenied       ErrorCode = "POLICY_DENIED"
)

// Error is a typed engine error carrying a stable code. Infrastructure errors
// from the store are propagated unchanged and never wrapped in Error.
type Error struct {
	Code ErrorCode
	msg  string
}

func (e *Error) Error() string {
	if e.msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.msg
}

// newError returns a typed engine error.
func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// CodeOf extracts the ErrorCode from err, or "" when err is not an engine
// error (e.g. a store failure).
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is an engine error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
