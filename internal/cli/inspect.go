package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/store"
)

// ConversationRow is one conversation as listed by the conversations
// command.
type ConversationRow struct {
	UUID           string    `json:"uuid"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name,omitempty"`
	Members        int       `json:"members"`
	Index          int64     `json:"index"`
	SequenceNumber int64     `json:"sequence_number"`
	Dirty          bool      `json:"dirty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ConversationList renders as one line per conversation.
type ConversationList []ConversationRow

// WriteText implements textWriter.
func (l ConversationList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no conversations")
		return err
	}
	for _, c := range l {
		line := fmt.Sprintf("%s  %s  members=%d  index=%d/%d  updated=%s",
			c.UUID, c.Name, c.Members, c.Index, c.SequenceNumber, c.LastUpdated.UTC().Format(time.RFC3339))
		if c.Dirty {
			line += "  dirty"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// NewConversationsCommand creates the conversations command.
func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List local conversations",
		Long: `List the conversations mirrored in the local store, most recently
updated first.

index is the last event applied locally, the number after the slash is the
latest index the server announced. A dirty conversation is resynced on the
next full sync.

Examples:
  convsync conversations --db ./convsync.db
  convsync conversations --config ./convsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversations(rootOpts, cmd)
		},
	}
}

func runConversations(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	convs, err := repo.Conversations(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list conversations", err)
	}
	out := ConversationList{}
	for _, c := range convs {
		members, err := repo.Members(ctx, c.UUID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list members", err)
		}
		out = append(out, ConversationRow{
			UUID:           c.UUID,
			Name:           c.Name,
			DisplayName:    c.DisplayName,
			Members:        len(members),
			Index:          c.MostRecentEventIndex,
			SequenceNumber: c.SequenceNumber,
			Dirty:          c.Dirty(),
			LastUpdated:    c.LastUpdated,
		})
	}
	return opts.formatter(cmd).Success(out)
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Offset int
	Limit  int
}

// EventRow is one timeline entry as listed by the events command.
type EventRow struct {
	UUID      string         `json:"uuid"`
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	Timestamp time.Time      `json:"timestamp"`
	Body      map[string]any `json:"body,omitempty"`
	Draft     bool           `json:"draft"`
	Deleted   bool           `json:"deleted"`
}

// EventList renders as one line per event.
type EventList []EventRow

// WriteText implements textWriter.
func (l EventList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no events")
		return err
	}
	for _, e := range l {
		id := e.ID
		if e.Draft {
			id = "-"
		}
		line := fmt.Sprintf("%s  %s  %s  %s", id, e.Type, e.From, e.Timestamp.UTC().Format(time.RFC3339))
		if text, ok := e.Body["text"].(string); ok {
			line += "  " + strconv.Quote(text)
		}
		if e.Draft {
			line += "  draft"
		}
		if e.Deleted {
			line += "  deleted"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events <conversation>",
		Short: "Show a conversation timeline",
		Long: `Show the local timeline of a conversation in display order: confirmed
events by index, then drafts in creation order.

Examples:
  convsync events CON-1 --db ./convsync.db
  convsync events CON-1 --db ./convsync.db --offset 100 --limit 50`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "skip this many events")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "show at most this many events")

	return cmd
}

func runEvents(opts *EventsOptions, conversation string, cmd *cobra.Command) error {
	if opts.Offset < 0 || opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--offset must be >= 0 and --limit > 0")
	}

	ctx := context.Background()
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	if _, err := repo.Conversation(ctx, conversation); err != nil {
		if store.IsNotFound(err) {
			return WrapExitError(ExitCommandError, "unknown conversation", err)
		}
		return WrapExitError(ExitCommandError, "failed to read conversation", err)
	}

	events, err := repo.Store().ListEvents(ctx, conversation, opts.Offset, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list events", err)
	}
	out := EventList{}
	for _, e := range events {
		out = append(out, eventRow(e))
	}
	return opts.formatter(cmd).Success(out)
}

func eventRow(e model.Event) EventRow {
	return EventRow{
		UUID:      e.UUID,
		ID:        e.ID,
		Type:      string(e.Type),
		From:      e.From,
		Timestamp: e.Timestamp,
		Body:      e.Body,
		Draft:     e.IsDraft,
		Deleted:   e.Deleted(),
	}
}

// TaskRow is one persisted task as listed by the tasks command.
type TaskRow struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Related    string    `json:"related"`
	From       string    `json:"from"`
	RetryCount int       `json:"retry_count"`
	InFlight   bool      `json:"in_flight"`
	Exhausted  bool      `json:"exhausted"`
	AckedID    string    `json:"acked_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskList renders as one line per task.
type TaskList []TaskRow

// WriteText implements textWriter.
func (l TaskList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "no tasks")
		return err
	}
	for _, t := range l {
		line := fmt.Sprintf("%d  %s  %s  from=%s  retries=%d", t.ID, t.Type, t.Related, t.From, t.RetryCount)
		if t.AckedID != "" {
			line += "  acked=" + t.AckedID
		}
		if t.InFlight {
			line += "  in-flight"
		}
		if t.Exhausted {
			line += "  exhausted"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// NewTasksCommand creates the tasks command.
func NewTasksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List pending outgoing tasks",
		Long: `List the durable outgoing task queue: sends, deletes and receipt
indications that have not completed yet.

An exhausted task ran out of retries and waits for a reconnect or the
requeue command.

Examples:
  convsync tasks --db ./convsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(rootOpts, cmd)
		},
	}
}

func runTasks(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	tasks, err := repo.Store().ListTasks(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tasks", err)
	}
	out := TaskList{}
	for _, t := range tasks {
		out = append(out, TaskRow{
			ID:         t.ID,
			Type:       string(t.Type),
			Related:    t.Related,
			From:       t.From,
			RetryCount: t.RetryCount,
			InFlight:   t.BeingProcessed,
			Exhausted:  t.Exhausted,
			AckedID:    t.AckedID,
			CreatedAt:  t.CreatedAt,
		})
	}
	return opts.formatter(cmd).Success(out)
}
