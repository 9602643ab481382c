// Package tools holds the registry of task operations the assistant can
// invoke, their argument schemas, and the executor that runs them.
package tools

import "fmt"

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindInvalidInput ErrorKind = "invalid_input"
	KindNotFound     ErrorKind = "not_found"
	KindTimeout      ErrorKind = "timeout"
	KindUnknownTool  ErrorKind = "unknown_tool"
	KindStoreFailure ErrorKind = "store_failure"
	KindInternal     ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Result is the envelope every tool call produces. Exactly one of Result
// and Error is set, matching Success.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

func OK(v any) Result {
	return Result{Success: true, Result: v}
}

func Fail(kind ErrorKind, format string, args ...any) Result {
	return Result{Error: &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// Message returns the human-readable summary of the result: the "message"
// field of a successful map result, or the error message.
func (r Result) Message() string {
	if r.Error != nil {
		return r.Error.Message
	}
	if m, ok := r.Result.(map[string]any); ok {
		if s, ok := m["message"].(string); ok {
			return s
		}
	}
	return ""
}
