package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// RequeueResult reports what the requeue command changed.
type RequeueResult struct {
	Requeued int64 `json:"requeued"`
	Released int64 `json:"released"`
}

// WriteText implements textWriter.
func (r RequeueResult) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "requeued %d exhausted task(s), released %d in-flight task(s)\n", r.Requeued, r.Released)
	return err
}

// NewRequeueCommand creates the requeue command.
func NewRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "Give exhausted tasks a fresh retry budget",
		Long: `Reset every exhausted task so the next session dispatches it again,
and release tasks left marked in flight by a crashed session.

Run it while no client has the store open.

Examples:
  convsync requeue --db ./convsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequeue(rootOpts, cmd)
		},
	}
}

func runRequeue(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	var res RequeueResult
	if res.Requeued, err = repo.Store().ResetExhausted(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to requeue tasks", err)
	}
	if res.Released, err = repo.Store().ClearTaskProcessing(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to release tasks", err)
	}
	return opts.formatter(cmd).Success(res)
}

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Yes bool
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all local data",
		Long: `Delete every conversation, member, event, receipt, user and task from
the local store. The next session starts with a full sync from scratch.

Pending tasks are lost. --yes is required.

Examples:
  convsync purge --db ./convsync.db --yes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Yes, "yes", "y", false, "confirm the purge")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
	if !opts.Yes {
		return NewExitError(ExitCommandError, "refusing to purge without --yes")
	}

	ctx := context.Background()
	repo, err := opts.openRepo(cmd)
	if err != nil {
		return err
	}
	defer repo.Store().Close()

	if err := repo.Purge(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to purge", err)
	}
	return opts.formatter(cmd).Success("purged")
}
