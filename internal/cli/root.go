package cli

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Config   string // YAML config file, optional
	EnvFile  string // dotenv file, optional
	Database string // overrides database_path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the convsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "convsync",
		Short: "convsync - conversation sync client",
		Long: `Inspect and maintain the local store of a conversation sync client.

The store path comes from the configuration (database_path), which is read
from --config, --env-file and CONVSYNC_* environment variables. --db
overrides it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "path to a dotenv file with CONVSYNC_* overrides")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to the SQLite store (overrides database_path)")

	cmd.AddCommand(NewConversationsCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewTasksCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewDecodeCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig resolves the effective configuration.
func (o *RootOptions) loadConfig() (config.Config, error) {
	var lopts []config.LoadOption
	if o.EnvFile != "" {
		lopts = append(lopts, config.WithEnvFile(o.EnvFile))
	}
	cfg, err := config.Load(o.Config, lopts...)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.DatabasePath = o.Database
	}
	return cfg, nil
}

// openRepo opens the configured store. It refuses to create a new file so
// a mistyped path is reported instead of inspected as empty.
func (o *RootOptions) openRepo(cmd *cobra.Command) (*store.Repo, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, WrapExitError(ExitCommandError, "database not found", err)
		}
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	o.formatter(cmd).VerboseLog("opening %s", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return store.NewRepo(st, store.WithCacheCapacity(cfg.CacheCapacity)), nil
}
