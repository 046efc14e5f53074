package messages

import (
	"errors"
	"fmt"
)

// ErrorCode is the closed set of codes carried by ERROR messages.
type ErrorCode string

const (
	CodeUnknownMessage       ErrorCode = "UNKNOWN_MESSAGE"
	CodeInvalidPayload       ErrorCode = "INVALID_PAYLOAD"
	CodeProgressInconsistent ErrorCode = "PROGRESS_INCONSISTENT"
	CodeInvalidURL           ErrorCode = "INVALID_URL"
	CodeDownloadFailed       ErrorCode = "DOWNLOAD_FAILED"
)

// Codes used only on LOGIN_DETECTION_ERROR replies.
const (
	CodeHandlerException = "HANDLER_EXCEPTION"
)

var (
	// ErrUnknownType marks a message whose type is outside the closed set.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload marks a message whose payload failed validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// ErrorEnvelope accompanies every rejected or failed operation reported
// outward.
type ErrorEnvelope struct {
	Code    ErrorCode
	Message string
	Context *ErrorContext
	JobID   string
}

func (e *ErrorEnvelope) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload converts the envelope into an ERROR payload.
func (e *ErrorEnvelope) Payload() ErrorPayload {
	return ErrorPayload{
		JobID:   e.JobID,
		Error:   ErrorDetail{Code: e.Code, Message: e.Message},
		Context: e.Context,
	}
}

// Outbound converts the envelope into an ERROR message.
func (e *ErrorEnvelope) Outbound() Message {
	return MustNew(TypeError, e.Payload())
}

// NewError builds an outbound ERROR message.
func NewError(code ErrorCode, msg string, ctx *ErrorContext) Message {
	env := &ErrorEnvelope{Code: code, Message: msg, Context: ctx}
	return env.Outbound()
}

// CodeFor maps a Validate error onto the outbound error code.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownMessage
	default:
		var env *ErrorEnvelope
		if errors.As(err, &env) {
			return env.Code
		}
		return CodeInvalidPayload
	}
}
