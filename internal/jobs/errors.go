package jobs

import "errors"

var ErrValidation = errors.New("invalid request")

// ValidationError reports bad or missing input. No job is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
