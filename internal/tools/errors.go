package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTool marks a call to a name the registry does not know.
var ErrUnknownTool = errors.New("unknown tool")

// InvalidArgumentsError marks arguments that failed decoding or validation.
// The message lists every problem so the model can fix them in one retry.
type InvalidArgumentsError struct {
	Tool     string
	Problems []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ExecutionError marks a tool that was found and invoked correctly but
// failed while running (an upstream outage, a missing attachment).
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
