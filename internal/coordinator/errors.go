package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgnsrekt/honeycomb/internal/sequence"
)

const (
	CodeValidation        = "VALIDATION"
	CodeBrowserNotFound   = "BROWSER_NOT_FOUND"
	CodeFrameNotFound     = "FRAME_NOT_FOUND"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeTimeout           = "TIMEOUT"
	CodeShuttingDown      = "SHUTTING_DOWN"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewError builds a CodedError for packages at the edges of the coordinator.
func NewError(code, msg string, cause error) error {
	return newError(code, msg, cause)
}

// ErrorCode returns the code of the first CodedError in err's chain.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

func callError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sequence.ErrStopped):
		return newError(CodeShuttingDown, "coordinator stopped", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeTimeout, "coordinator did not answer in time", err)
	default:
		return err
	}
}
