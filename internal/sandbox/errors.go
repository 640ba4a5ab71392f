package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/strategy-sandbox/internal/workers"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Error is a classified evaluation failure. Line is 0 when unknown.
type Error struct {
	Kind      types.ErrorKind
	Message   string
	Line      int
	Backtrace string
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: line %d: %s", e.Kind, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Payload converts the error to its response form
func (e *Error) Payload() *types.ErrorPayload {
	return &types.ErrorPayload{Kind: e.Kind, Message: e.Message, Line: e.Line}
}

// syntaxError classifies parse and resolve failures
func syntaxError(err error) *Error {
	var se syntax.Error
	if errors.As(err, &se) {
		return &Error{Kind: types.ErrorKindSyntax, Message: se.Msg, Line: int(se.Pos.Line)}
	}
	var list resolve.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return &Error{Kind: types.ErrorKindSyntax, Message: list[0].Msg, Line: int(list[0].Pos.Line)}
	}
	return &Error{Kind: types.ErrorKindSyntax, Message: err.Error()}
}

// runError classifies a failure of the running program
func runError(err error, deadline string) *Error {
	var (
		evalErr  *starlark.EvalError
		panicErr *workers.PanicError
	)
	switch {
	case errors.Is(err, workers.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: types.ErrorKindTimeout, Message: "strategy did not finish within " + deadline}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: types.ErrorKindTimeout, Message: "evaluation cancelled"}
	case errors.Is(err, workers.ErrQueueFull), errors.Is(err, workers.ErrPoolStopped):
		return &Error{Kind: types.ErrorKindRuntime, Message: "sandbox is busy, retry later"}
	case errors.As(err, &panicErr):
		return &Error{Kind: types.ErrorKindRuntime, Message: "internal error while evaluating strategy"}
	case errors.As(err, &evalErr):
		return &Error{
			Kind:      types.ErrorKindRuntime,
			Message:   evalErr.Msg,
			Line:      scriptLine(evalErr.CallStack),
			Backtrace: evalErr.Backtrace(),
		}
	}
	return &Error{Kind: types.ErrorKindRuntime, Message: err.Error()}
}

// scriptLine returns the innermost line of strategy code on the stack
func scriptLine(stack starlark.CallStack) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].Pos.Filename() == scriptName {
			return int(stack[i].Pos.Line)
		}
	}
	return 0
}

func contractViolation(format string, args ...interface{}) *Error {
	return &Error{Kind: types.ErrorKindContractViolation, Message: fmt.Sprintf(format, args...)}
}
