package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/notify"
	"github.com/roach88/convsync/internal/protocol"
	"github.com/roach88/convsync/internal/store"
)

// NewTextDraft builds an unsent text event with a fresh tid.
func (q *Queue) NewTextDraft(conversationUUID, from, text string) model.Event {
	tid := q.tids.Generate()
	return model.Event{
		UUID:             model.DraftUUID(conversationUUID, tid),
		ConversationUUID: conversationUUID,
		Type:             protocol.TypeText,
		From:             from,
		Timestamp:        q.clock.Now(),
		Body:             map[string]any{"text": protocol.NormalizeText(text), "tid": tid},
		TID:              tid,
		IsDraft:          true,
	}
}

// NewImageDraft builds an unsent image event with a fresh tid. reps point
// at the already uploaded renditions.
func (q *Queue) NewImageDraft(conversationUUID, from string, reps protocol.Representations) model.Event {
	tid := q.tids.Generate()
	return model.Event{
		UUID:             model.DraftUUID(conversationUUID, tid),
		ConversationUUID: conversationUUID,
		Type:             protocol.TypeImage,
		From:             from,
		Timestamp:        q.clock.Now(),
		Body: map[string]any{
			"representations": protocol.RepresentationsMap(reps),
			"tid":             tid,
		},
		TID:     tid,
		IsDraft: true,
	}
}

// SendDraft persists draft and its send task in one transaction, then
// reports the draft as inserted. Nothing touches the network before the
// write succeeded.
//
// Sending the same tid twice returns ErrDuplicateTask.
func (q *Queue) SendDraft(ctx context.Context, draft model.Event) (model.Event, error) {
	if q.closed.Load() {
		return model.Event{}, ErrQueueClosed
	}
	if !draft.IsDraft || draft.TID == "" || draft.ConversationUUID == "" {
		return model.Event{}, ErrNotDraft
	}
	draft.UUID = model.DraftUUID(draft.ConversationUUID, draft.TID)
	draft.ID = ""

	task := model.Task{
		Type:      model.TaskSend,
		Related:   draft.UUID,
		From:      draft.From,
		CreatedAt: q.clock.Now(),
	}
	task, err := q.repo.InsertDraft(ctx, draft, task)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return model.Event{}, fmt.Errorf("send draft %s: %w", draft.UUID, ErrDuplicateTask)
		}
		return model.Event{}, fmt.Errorf("send draft %s: %w", draft.UUID, err)
	}

	q.metrics.TaskEnqueued(string(task.Type))
	q.logger.Info("scheduled send", "task", task.ID, "draft", draft.UUID)
	q.repo.RefreshEvents(draft.ConversationUUID)
	q.hub.Publish(notify.EventInserted{Conversation: draft.ConversationUUID, Event: draft.UUID, Draft: true})
	q.wake()
	return draft, nil
}

// Delete removes an event for everyone.
//
// A draft the server never acknowledged is dropped locally together with
// its send task. A draft that was acknowledged but not yet echoed is
// deleted by its server id. Everything else gets a delete task.
func (q *Queue) Delete(ctx context.Context, eventUUID, from string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	if conv, _, ok := model.SplitDraftUUID(eventUUID); ok {
		send, err := q.repo.Store().FindTask(ctx, model.TaskSend, eventUUID)
		if err != nil {
			return fmt.Errorf("delete draft %s: %w", eventUUID, err)
		}
		if send.AckedID == "" {
			return q.dropDraft(ctx, conv, eventUUID, send)
		}
		eventUUID = model.EventUUID(conv, send.AckedID)
	}

	return q.enqueue(ctx, model.TaskDelete, eventUUID, from)
}

func (q *Queue) dropDraft(ctx context.Context, conv, draftUUID string, send model.Task) error {
	if err := q.repo.Store().DeleteTask(ctx, send.ID); err != nil {
		return err
	}
	if err := q.repo.DeleteEvent(ctx, draftUUID); err != nil {
		return err
	}
	q.logger.Info("dropped unsent draft", "draft", draftUUID)
	q.repo.RefreshEvents(conv)
	q.hub.Publish(notify.EventDeleted{Conversation: conv, Event: draftUUID})
	return nil
}

// MarkDelivered schedules a delivered indication for a confirmed event.
func (q *Queue) MarkDelivered(ctx context.Context, eventUUID, from string) error {
	return q.enqueue(ctx, model.TaskIndicateDelivered, eventUUID, from)
}

// MarkSeen schedules a seen indication for a confirmed event.
func (q *Queue) MarkSeen(ctx context.Context, eventUUID, from string) error {
	return q.enqueue(ctx, model.TaskIndicateSeen, eventUUID, from)
}

func (q *Queue) enqueue(ctx context.Context, typ model.TaskType, eventUUID, from string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if _, _, ok := model.SplitEventUUID(eventUUID); !ok {
		return fmt.Errorf("%s task for %q: %w", typ, eventUUID, ErrNotConfirmed)
	}

	t, err := q.repo.Store().InsertTask(ctx, model.Task{
		Type:      typ,
		Related:   eventUUID,
		From:      from,
		CreatedAt: q.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("%s task for %s: %w", typ, eventUUID, ErrDuplicateTask)
		}
		return err
	}

	q.metrics.TaskEnqueued(string(typ))
	q.logger.Debug("scheduled task", "task", t.ID, "type", typ, "event", eventUUID)
	q.wake()
	return nil
}
