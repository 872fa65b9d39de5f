package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/convsync"
	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/store"
)

// Snapshot renders the local store of a client as stable text.
//
// Conversations are listed by uuid, members in insertion order and events
// in timeline order. Timestamps are left out: they depend on how steps
// interleave with the engine and the task queue.
func Snapshot(ctx context.Context, c *convsync.Client) (string, error) {
	var b strings.Builder

	me, err := c.LookupUser(ctx, c.User())
	switch {
	case err == nil:
		fmt.Fprintf(&b, "user %s %q\n", me.UUID, me.Name)
	case !store.IsNotFound(err):
		return "", err
	}

	convs, err := c.Conversations(ctx)
	if err != nil {
		return "", err
	}
	slices.SortFunc(convs, func(a, b model.Conversation) int { return strings.Compare(a.UUID, b.UUID) })

	for _, conv := range convs {
		fmt.Fprintf(&b, "conversation %s %q index=%d seq=%d", conv.UUID, conv.Name, conv.MostRecentEventIndex, conv.SequenceNumber)
		if conv.Dirty() {
			b.WriteString(" dirty")
		}
		b.WriteByte('\n')

		if err := writeMembers(ctx, &b, c, conv.UUID); err != nil {
			return "", err
		}
		if err := writeEvents(ctx, &b, c, conv.UUID); err != nil {
			return "", err
		}
	}

	tasks, err := c.Tasks(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&b, "tasks %d\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "  task %s %s from=%s retries=%d", t.Type, t.Related, t.From, t.RetryCount)
		if t.Exhausted {
			b.WriteString(" exhausted")
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func writeMembers(ctx context.Context, b *strings.Builder, c *convsync.Client, conv string) error {
	members, err := c.Members(ctx, conv)
	if err != nil {
		return err
	}
	for _, m := range members {
		fmt.Fprintf(b, "  member %s user=%s %s", m.UUID, m.UserUUID, m.State)
		u, err := c.LookupUser(ctx, m.UserUUID)
		switch {
		case err == nil && u.Name != "":
			fmt.Fprintf(b, " (%s)", u.Name)
		case err != nil && !store.IsNotFound(err):
			return err
		}
		b.WriteByte('\n')
	}
	return nil
}

func writeEvents(ctx context.Context, b *strings.Builder, c *convsync.Client, conv string) error {
	view := c.Events(conv)
	n, err := view.Len(ctx)
	if err != nil {
		return err
	}
	for i := range n {
		ev, err := view.At(ctx, i)
		if err != nil {
			return err
		}
		id := ev.ID
		if ev.IsDraft {
			id = "draft:" + ev.TID
		}
		fmt.Fprintf(b, "  event %s %s from=%s", id, ev.Type, ev.From)
		if text, ok := ev.Body["text"].(string); ok && text != "" {
			fmt.Fprintf(b, " %q", text)
		}
		if ev.Deleted() {
			b.WriteString(" deleted")
		}
		b.WriteByte('\n')

		if ev.IsDraft {
			continue
		}
		receipts, err := c.Receipts(ctx, ev.UUID)
		if err != nil {
			return err
		}
		slices.SortFunc(receipts, func(a, b model.Receipt) int { return strings.Compare(a.MemberUUID, b.MemberUUID) })
		for _, rc := range receipts {
			fmt.Fprintf(b, "    receipt %s %s\n", rc.MemberUUID, rc.State)
		}
	}
	return nil
}
