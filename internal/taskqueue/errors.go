package taskqueue

import "errors"

var (
	// ErrDuplicateTask is returned when a task of the same type already
	// exists for the event (including re-sending a draft with the same tid).
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrQueueClosed is returned by enqueue operations after Close.
	ErrQueueClosed = errors.New("task queue closed")

	// ErrNotDraft is returned by SendDraft for events that are not drafts.
	ErrNotDraft = errors.New("event is not a draft")

	// ErrNotConfirmed is returned when a delete or receipt addresses an
	// event the server has not assigned an id to.
	ErrNotConfirmed = errors.New("event has no server id")
)
