package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
)

// SyncError is a failure that stops the engine.
//
// SyncError carries the step that failed and, where known, the
// conversation it was working on. The engine moves to StateFailed with the
// error's text as the reason.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Op names the failed step, e.g. "fetch conversation".
	Op string

	// Conversation is the conversation being synchronized, if any.
	Conversation string

	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeMalformedPayload indicates a server payload that could not be
	// decoded.
	ErrCodeMalformedPayload SyncErrorCode = "MALFORMED_PAYLOAD"

	// ErrCodeRequestFailed indicates a failed remote call.
	ErrCodeRequestFailed SyncErrorCode = "REQUEST_FAILED"

	// ErrCodeSessionInvalid indicates an expired or revoked session.
	ErrCodeSessionInvalid SyncErrorCode = "SESSION_INVALID"

	// ErrCodeStoreFailed indicates a local write or read failure.
	ErrCodeStoreFailed SyncErrorCode = "STORE_FAILED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Conversation != "" {
		return fmt.Sprintf("%s: %s (conversation=%s): %v", e.Code, e.Op, e.Conversation, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsMalformedPayload returns true if err is a SyncError for an undecodable
// payload.
func IsMalformedPayload(err error) bool { return hasCode(err, ErrCodeMalformedPayload) }

// IsRequestFailed returns true if err is a SyncError for a failed remote
// call.
func IsRequestFailed(err error) bool { return hasCode(err, ErrCodeRequestFailed) }

// IsSessionInvalid returns true if err is a SyncError for a dead session.
func IsSessionInvalid(err error) bool { return hasCode(err, ErrCodeSessionInvalid) }

// IsStoreFailed returns true if err is a SyncError for a local store
// failure.
func IsStoreFailed(err error) bool { return hasCode(err, ErrCodeStoreFailed) }

// requestFailed classifies a remote error.
func requestFailed(op, conversation string, err error) *SyncError {
	code := ErrCodeRequestFailed
	switch {
	case remote.IsSessionInvalid(err):
		code = ErrCodeSessionInvalid
	case remote.IsMalformed(err), protocol.IsMalformed(err):
		code = ErrCodeMalformedPayload
	}
	return &SyncError{Code: code, Op: op, Conversation: conversation, Err: err}
}

func storeFailed(op, conversation string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStoreFailed, Op: op, Conversation: conversation, Err: err}
}

func malformed(op, conversation string, err error) *SyncError {
	return &SyncError{Code: ErrCodeMalformedPayload, Op: op, Conversation: conversation, Err: err}
}

// classify turns any error escaping a sync step into a SyncError.
func classify(err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	if protocol.IsMalformed(err) {
		return malformed("decode", "", err)
	}
	return requestFailed("sync", "", err)
}

// ErrClosed is returned by the enqueue methods after the engine stopped.
var ErrClosed = errors.New("engine: closed")
