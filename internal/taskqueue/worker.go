package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/remote"
	"github.com/roach88/convsync/internal/store"
)

// errOrphaned marks tasks that can never succeed because what they refer
// to is gone. They are dropped instead of retried.
var errOrphaned = errors.New("task target no longer exists")

func (q *Queue) process(ctx context.Context, t model.Task) {
	q.metrics.TaskStarted()
	defer q.metrics.TaskFinished()

	var err error
	switch t.Type {
	case model.TaskSend:
		err = q.send(ctx, t)
	case model.TaskDelete:
		err = q.delete(ctx, t)
	case model.TaskIndicateDelivered, model.TaskIndicateSeen:
		err = q.indicate(ctx, t)
	default:
		err = fmt.Errorf("%w: unknown task type %q", errOrphaned, t.Type)
	}
	if err != nil {
		q.fail(ctx, t, err)
	}
}

func (q *Queue) send(ctx context.Context, t model.Task) error {
	draft, err := q.repo.Event(ctx, t.Related)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%w: draft %s", errOrphaned, t.Related)
		}
		return err
	}

	q.logger.Info("sending event", "task", t.ID, "draft", t.Related)
	ack, err := q.sender.SendEvent(ctx, protocol.SendPayload{
		ConversationID: draft.ConversationUUID,
		From:           t.From,
		Type:           draft.Type,
		Body:           draft.Body,
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", t.Related, err)
	}

	// From here on a retry would duplicate the message, so failures are
	// logged and the task is left waiting for the echo.
	t.BeingProcessed = false
	t.AckedID = ack.ID
	if err := q.repo.Store().UpdateTask(context.WithoutCancel(ctx), t); err != nil {
		if store.IsNotFound(err) {
			q.logger.Info("draft removed while sending", "task", t.ID, "draft", t.Related, "id", ack.ID)
			return nil
		}
		q.logger.Error("record send ack", "task", t.ID, "error", err)
	}
	q.logger.Info("event accepted", "task", t.ID, "draft", t.Related, "id", ack.ID)
	q.watch(ctx, t)
	return nil
}

func (q *Queue) delete(ctx context.Context, t model.Task) error {
	conv, id, ok := model.SplitEventUUID(t.Related)
	if !ok {
		return fmt.Errorf("%w: %s", errOrphaned, t.Related)
	}

	env, err := q.sender.DeleteEvent(ctx, id, t.From, conv)
	if err != nil {
		if remote.IsNotFound(err) {
			return fmt.Errorf("%w: %v", errOrphaned, err)
		}
		return fmt.Errorf("delete %s: %w", t.Related, err)
	}

	target, err := q.RemoveDeleted(ctx, env)
	if err != nil {
		return err
	}
	q.complete(ctx, t)
	q.hub.Publish(notify.EventDeleted{Conversation: conv, Event: target})
	return nil
}

func (q *Queue) indicate(ctx context.Context, t model.Task) error {
	conv, id, ok := model.SplitEventUUID(t.Related)
	if !ok {
		return fmt.Errorf("%w: %s", errOrphaned, t.Related)
	}
	ev, err := q.repo.Event(ctx, t.Related)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("%w: event %s", errOrphaned, t.Related)
		}
		return err
	}

	typ := protocol.DeliveredType(ev.Type)
	if t.Type == model.TaskIndicateSeen {
		typ = protocol.SeenType(ev.Type)
	}
	if typ == "" {
		return fmt.Errorf("%w: %s events take no receipts", errOrphaned, ev.Type)
	}

	if _, err := q.sender.SendEvent(ctx, protocol.IndicationPayload(conv, t.From, typ, id)); err != nil {
		return fmt.Errorf("%s %s: %w", t.Type, t.Related, err)
	}
	q.complete(ctx, t)
	return nil
}

// complete removes a finished task.
func (q *Queue) complete(ctx context.Context, t model.Task) {
	if err := q.repo.Store().DeleteTask(context.WithoutCancel(ctx), t.ID); err != nil {
		q.logger.Error("delete completed task", "task", t.ID, "error", err)
		return
	}
	q.metrics.TaskCompleted(string(t.Type))
}

// fail records a failed attempt. A task is retried MaxRetries times; the
// attempt after that marks it exhausted.
func (q *Queue) fail(ctx context.Context, t model.Task, cause error) {
	// The run context may already be cancelled; the bookkeeping must land.
	runCtx := ctx
	ctx = context.WithoutCancel(ctx)

	if errors.Is(cause, errOrphaned) {
		q.logger.Warn("dropping task", "task", t.ID, "type", t.Type, "reason", cause)
		if err := q.repo.Store().DeleteTask(ctx, t.ID); err != nil {
			q.logger.Error("delete orphaned task", "task", t.ID, "error", err)
		}
		return
	}

	t.BeingProcessed = false
	if runCtx.Err() != nil {
		// Interrupted by shutdown, not a real attempt.
		if err := q.repo.Store().UpdateTask(ctx, t); err != nil {
			q.logger.Error("release task", "task", t.ID, "error", err)
		}
		return
	}

	if t.RetryCount < q.maxRetries {
		t.RetryCount++
		if err := q.repo.Store().UpdateTask(ctx, t); err != nil {
			q.logger.Error("record task retry", "task", t.ID, "error", err)
			return
		}
		q.metrics.TaskRetried(string(t.Type))
		q.logger.Info("task failed, will retry",
			"task", t.ID, "type", t.Type, "retry", t.RetryCount, "error", cause)
		q.backoff(t)
		return
	}

	t.Exhausted = true
	if err := q.repo.Store().UpdateTask(ctx, t); err != nil {
		q.logger.Error("mark task exhausted", "task", t.ID, "error", err)
		return
	}
	q.metrics.TaskExhausted(string(t.Type))
	q.logger.Warn("task reached max retries",
		"task", t.ID, "type", t.Type, "related", t.Related, "error", cause)
	q.hub.Publish(notify.TaskExhausted{Task: t.ID, Type: t.Type, Related: t.Related})
}

func (q *Queue) backoff(t model.Task) {
	delay := time.Duration(t.RetryCount) * q.retryDelay
	if delay <= 0 {
		return
	}
	q.mu.Lock()
	q.notBefore[t.ID] = time.Now().Add(delay)
	q.mu.Unlock()
	time.AfterFunc(delay, q.wake)
}
