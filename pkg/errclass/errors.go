// Package errclass defines the stable error classes returned by titan.
package errclass

import (
	"errors"
	"fmt"
)

// TitanError is a stable, machine-readable error class.
type TitanError struct {
	Code    string
	Message string
}

func (e *TitanError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TitanError) Is(target error) bool {
	t, ok := target.(*TitanError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new TitanError with the same Code but a specific message.
func (e *TitanError) WithMessage(msg string) *TitanError {
	return &TitanError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new TitanError with a formatted message.
func (e *TitanError) WithMessagef(format string, args ...any) *TitanError {
	return &TitanError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrNoSuchObject: the referenced entity does not exist.
	ErrNoSuchObject = &TitanError{Code: "E_NO_SUCH_OBJECT"}
	// ErrObjectExists: uniqueness conflict or an equivalent operation is in progress.
	ErrObjectExists = &TitanError{Code: "E_OBJECT_EXISTS"}
	// ErrInvalidArgument: malformed identifier or invalid remote/operation parameters.
	ErrInvalidArgument = &TitanError{Code: "E_INVALID_ARGUMENT"}
	// ErrInvalidState: a backend is not in the state a protocol step expects.
	ErrInvalidState = &TitanError{Code: "E_INVALID_STATE"}
	// ErrRemote: the remote side of an operation failed.
	ErrRemote = &TitanError{Code: "E_REMOTE"}
	// ErrCommand: an external command exited with a non-zero status.
	ErrCommand = &TitanError{Code: "E_COMMAND"}
)

// Classify returns the TitanError in err's chain, or nil for unexpected errors.
func Classify(err error) *TitanError {
	var te *TitanError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
