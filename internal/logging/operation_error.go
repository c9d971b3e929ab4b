package logging

import "fmt"

// OperationError ties a failure to the operation and request that produced
// it. Log lines and translated responses read both fields; errors.Is/As keep
// seeing the wrapped cause through Unwrap.
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

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and request that produced
// it. A nil err returns nil, so call sites can wrap unconditionally.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}
