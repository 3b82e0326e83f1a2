package wire

import "fmt"

type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInternal     ErrorCode = "INTERNAL"
	CodeResumeTooOld ErrorCode = "RESUME_TOO_OLD"
)

// ProtocolError is the local form of an ERROR envelope. Fatal errors
// require the session to close after the ERROR frame is written.
type ProtocolError struct {
	Code    ErrorCode
	Message string
	Fatal   bool
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func BadRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

func FatalBadRequest(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...), Fatal: true}
}

// AsProtocolError coerces any error into a ProtocolError, mapping unknown
// errors to INTERNAL so a faulty code path never leaks a raw error string
// classification to the peer.
func AsProtocolError(err error) *ProtocolError {
	if pe, ok := err.(*ProtocolError); ok {
		return pe
	}
	return &ProtocolError{Code: CodeInternal, Message: err.Error()}
}
