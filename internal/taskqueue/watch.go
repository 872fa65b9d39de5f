package taskqueue

import (
	"context"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
)

// watch waits for the echo of an acknowledged send. If the engine applied
// the echo before the acknowledgement came back, the send completes right
// away.
func (q *Queue) watch(ctx context.Context, t model.Task) {
	conv, _, ok := model.SplitDraftUUID(t.Related)
	if !ok {
		q.logger.Warn("acked task without a draft", "task", t.ID, "related", t.Related)
		return
	}
	key := model.EventUUID(conv, t.AckedID)

	q.mu.Lock()
	_, err := q.repo.Event(ctx, key)
	applied := err == nil
	if !applied {
		q.watchers[key] = t
	}
	q.mu.Unlock()

	if applied {
		q.hub.Publish(q.sent(ctx, t, conv, key))
	}
}

// Observe is called by the engine after it applied a confirmed event. If
// the event is the echo of one of our sends, the send task is completed and
// the EventSent notification for it is returned. Fires at most once per
// send.
func (q *Queue) Observe(ctx context.Context, ev model.Event) (notify.EventSent, bool) {
	q.mu.Lock()
	t, ok := q.watchers[ev.UUID]
	if ok {
		delete(q.watchers, ev.UUID)
	}
	q.mu.Unlock()

	if !ok {
		return notify.EventSent{}, false
	}
	return q.sent(ctx, t, ev.ConversationUUID, ev.UUID), true
}

// Watching reports how many acknowledged sends wait for their echo.
func (q *Queue) Watching() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.watchers)
}

func (q *Queue) sent(ctx context.Context, t model.Task, conv, eventUUID string) notify.EventSent {
	q.complete(ctx, t)

	// The engine swaps the draft for the echo when the tid matches. A draft
	// still present here had an echo without tid.
	if _, err := q.repo.Event(ctx, t.Related); err == nil {
		if err := q.repo.DeleteEvent(ctx, t.Related); err != nil {
			q.logger.Error("drop replaced draft", "draft", t.Related, "error", err)
		}
		q.repo.RefreshEvents(conv)
	}

	q.logger.Info("event sent", "task", t.ID, "draft", t.Related, "event", eventUUID)
	q.wake()
	return notify.EventSent{Conversation: conv, Draft: t.Related, Event: eventUUID}
}

// RemoveDeleted applies an event:delete: the target loses its body and is
// stamped deleted, tasks still pending for it are dropped and the delete
// event itself is stored. Returns the target's uuid.
func (q *Queue) RemoveDeleted(ctx context.Context, del protocol.Envelope) (string, error) {
	body, err := del.DeleteBody()
	if err != nil {
		return "", err
	}
	target := model.EventUUID(del.CID, body.EventID)

	if err := q.repo.ApplyDelete(ctx, target, del.Timestamp, model.EventFromEnvelope(del)); err != nil {
		return "", err
	}

	// A send acknowledged with this id no longer has an echo to wait for.
	q.mu.Lock()
	t, ok := q.watchers[target]
	delete(q.watchers, target)
	q.mu.Unlock()
	if ok {
		q.complete(ctx, t)
		if err := q.repo.DeleteEvent(ctx, t.Related); err != nil {
			q.logger.Error("drop deleted draft", "draft", t.Related, "error", err)
		}
	}

	q.repo.RefreshEvents(del.CID)
	q.wake()
	return target, nil
}
