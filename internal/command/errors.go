package command

import "fmt"

// Error reports a command the appliance or upstream client rejected
type Error struct {
	Action string
	Serial string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("Failed to %s: %v", e.Action, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ValidationError reports a request that was refused before reaching the
// appliance: bad arguments or an unknown target.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound is the validation error for a serial no loaded account owns
func NotFound(serial string) error {
	return invalid("serial", "Appliance %s not found", serial)
}
