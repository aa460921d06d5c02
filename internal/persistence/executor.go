package persistence

import (
	"context"
	stderr "errors"
	"fmt"
	"strings"

	"github.com/mnemos/mnemos/pkg/errors"
)

// translateStatementError converts a driver failure into the structured
// form the retry policy classifies on. Context expiry maps to the timeout
// and cancellation codes; everything else is a statement failure, which is
// retryable by default because transient lock contention and failover
// blips present this way.
func translateStatementError(err error, component, stmt string) error {
	code := errors.ErrCodeStatementFailed
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		code = errors.ErrCodeOperationTimeout
	case stderr.Is(err, context.Canceled):
		code = errors.ErrCodeOperationCanceled
	}
	return errors.NewError(code, fmt.Sprintf("statement failed: %v", err)).
		WithComponent(component).
		WithOperation(statementVerb(stmt)).
		WithCause(err)
}

// statementVerb extracts the leading SQL keyword for error and log context
func statementVerb(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}
