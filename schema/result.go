package schema

import (
	"errors"
	"fmt"
)

// ResultKind discriminates Result variants.
type ResultKind int

const (
	// ResultInvalid is the zero value; no constructor produces it.
	ResultInvalid ResultKind = iota
	// ResultSuccess carries no payload.
	ResultSuccess
	// ResultError carries a cause and a user-facing message.
	ResultError
)

// Result is the outcome of an asynchronous operation. Values are immutable and
// can only be built with Success or Failure.
type Result struct {
	kind    ResultKind
	cause   error
	message string
}

// Success returns a successful Result.
func Success() Result {
	return Result{kind: ResultSuccess}
}

// Failure returns an Error Result. A nil cause is replaced by an error built
// from the message so Err never returns nil for failures.
func Failure(cause error, message string) Result {
	if cause == nil {
		cause = errors.New(message)
	}
	return Result{kind: ResultError, cause: cause, message: message}
}

// Kind reports the variant.
func (r Result) Kind() ResultKind { return r.kind }

// IsSuccess reports whether r is the Success variant.
func (r Result) IsSuccess() bool { return r.kind == ResultSuccess }

// IsError reports whether r is the Error variant.
func (r Result) IsError() bool { return r.kind == ResultError }

// Err returns the underlying cause for Error results and nil otherwise.
func (r Result) Err() error {
	if r.kind != ResultError {
		return nil
	}
	return r.cause
}

// Message returns the user-facing message for Error results.
func (r Result) Message() string {
	if r.kind != ResultError {
		return ""
	}
	return r.message
}

func (r Result) String() string {
	switch r.kind {
	case ResultSuccess:
		return "success"
	case ResultError:
		return fmt.Sprintf("error: %s (%v)", r.message, r.cause)
	default:
		return "invalid"
	}
}
