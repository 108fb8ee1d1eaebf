package models

import "fmt"

// ActionExecutionError is the closed error taxonomy from the dispatcher's
// error handling design: each kind carries fixed Retryable/ShouldPause/
// ShouldStop flags so callers never have to re-derive recovery policy.
type ActionExecutionError struct {
	Kind        ErrorKind
	Message     string
	Retryable   bool
	ShouldPause bool
	ShouldStop  bool
	FloodWaitSeconds int
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewTransientNetworkError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindTransientNetwork, Message: message, Retryable: true}
}

func NewFloodWaitShortError(message string, seconds int) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindFloodWaitShort, Message: message, Retryable: true, FloodWaitSeconds: seconds}
}

func NewFloodWaitLongError(message string, seconds int) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindFloodWaitLong, Message: message, ShouldPause: true, FloodWaitSeconds: seconds}
}

func NewProxyFailureError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindProxyFailure, Message: message, Retryable: true}
}

func NewRateLimitDeniedError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindRateLimitDenied, Message: message}
}

func NewPeerNotAccessibleError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindPeerNotAccessible, Message: message}
}

func NewContentRejectedError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindContentRejected, Message: message}
}

func NewAuthError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindAuthError, Message: message, ShouldPause: true}
}

func NewBannedError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindBanned, Message: message, ShouldStop: true}
}

func NewConfigError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindConfigError, Message: message}
}

func NewPersistenceError(message string) *ActionExecutionError {
	return &ActionExecutionError{Kind: ErrorKindPersistenceError, Message: message, Retryable: true}
}
