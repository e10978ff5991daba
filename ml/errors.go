package ml

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies lifecycle failures. Callers branch on the kind, not on the message.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidInput is a malformed classification request. Never fatal to the process.
	KindInvalidInput
	// KindDataUnavailable means the training data could not be fetched or split.
	KindDataUnavailable
	// KindModelNotFound means no persisted model exists; a rebuild is expected.
	KindModelNotFound
	// KindCorruptModel means a persisted model exists but cannot be trusted.
	KindCorruptModel
	// KindTraining is a failed fit. The persisted model is left untouched.
	KindTraining
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindDataUnavailable:
		return "data_unavailable"
	case KindModelNotFound:
		return "model_not_found"
	case KindCorruptModel:
		return "corrupt_model"
	case KindTraining:
		return "training"
	default:
		return "unknown"
	}
}

// Error carries a Kind, the operation that failed and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.err }

// Cause lets errors.Cause from pkg/errors stop at the deepest cause.
func (e *Error) Cause() error { return e.err }

// E builds an *Error. cause may be nil.
func E(kind Kind, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, err: cause}
}

// Ef is E with a formatted message and no cause.
func Ef(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any *Error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.err
	}
	return false
}
