// Package errs defines the error kinds surfaced by the runtime.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error. A Kind is itself an error so callers can write
// errors.Is(err, errs.ContextOverflow).
type Kind int

const (
	Other Kind = iota
	Format
	Truncated
	Schema
	UnsupportedArchitecture
	MissingTensor
	ContextOverflow
	InvalidConfig
	SessionBusy
	ModelInUse
	InvalidTokenID
	NotFound
)

var kindNames = map[Kind]string{
	Other:                   "other",
	Format:                  "format",
	Truncated:               "truncated",
	Schema:                  "schema",
	UnsupportedArchitecture: "unsupported_architecture",
	MissingTensor:           "missing_tensor",
	ContextOverflow:         "context_overflow",
	InvalidConfig:           "invalid_config",
	SessionBusy:             "session_busy",
	ModelInUse:              "model_in_use",
	InvalidTokenID:          "invalid_token_id",
	NotFound:                "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind_%d", int(k))
}

func (k Kind) Error() string { return k.String() }

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// Errorf builds an *Error whose cause is formatted with fmt.Errorf, so %w works.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Other.
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Other
}

// IsLoadError reports whether err is one of the kinds that abort a model load.
func IsLoadError(err error) bool {
	switch KindOf(err) {
	case Format, Truncated, Schema, UnsupportedArchitecture, MissingTensor:
		return true
	}
	return false
}

// IsRecoverable reports whether the caller may retry after truncating,
// cancelling or waiting.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case ContextOverflow, SessionBusy, ModelInUse:
		return true
	}
	return false
}
