package protocol

import (
	"errors"
	"fmt"
)

// MalformedError reports a server payload that cannot be understood.
// The engine treats it as fatal for the current sync step.
type MalformedError struct {
	// What was being decoded, e.g. "envelope" or "text body".
	What string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err (or anything it wraps) is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
