package logging

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// OperationError annotates an internal failure with the operation and request
// it happened in. Its text is for logs only and never reaches a client.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with operation metadata. A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// Fields describes e for a log entry: operation, request_id and the cause.
func (e *OperationError) Fields() []zap.Field {
	if e == nil {
		return nil
	}
	return []zap.Field{
		zap.String("operation", e.Operation),
		zap.String("request_id", e.RequestID),
		zap.NamedError("cause", e.Err),
	}
}

// OperationOf returns the operation of the outermost OperationError in err's
// chain, or "" when there is none.
func OperationOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation
	}
	return ""
}
