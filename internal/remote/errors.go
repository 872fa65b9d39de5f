package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a collaborator failure.
type Kind string

const (
	// KindTransient covers network and 5xx failures. Outgoing work retries
	// them; inbound sync treats them as fatal until reconnect.
	KindTransient Kind = "TRANSIENT"
	// KindNotFound means the addressed resource does not exist (anymore).
	KindNotFound Kind = "NOT_FOUND"
	// KindSessionInvalid means the session is expired or revoked.
	KindSessionInvalid Kind = "SESSION_INVALID"
	// KindMalformed means the response could not be parsed.
	KindMalformed Kind = "MALFORMED"
)

// Error is returned by Client implementations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsSessionInvalid reports whether err means the session is gone.
func IsSessionInvalid(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSessionInvalid
}

// IsMalformed reports whether err is an unparseable response.
func IsMalformed(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindMalformed
}

// IsTransient reports whether err is worth retrying. Unclassified errors
// count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	return !ok || k == KindTransient
}
