package cli

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/convsync/internal/config"
)

// EffectiveConfig renders a resolved configuration as YAML in text mode.
type EffectiveConfig struct {
	config.Config
}

// WriteText implements textWriter.
func (c EffectiveConfig) WriteText(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Config); err != nil {
		return err
	}
	return enc.Close()
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Resolve the configuration from defaults, --config, --env-file and
CONVSYNC_* environment variables, validate it and print the result.

Exits 2 when a source cannot be read or the result is invalid.

Examples:
  convsync config --config ./convsync.yaml
  CONVSYNC_MAX_RETRIES=5 convsync config --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(EffectiveConfig{cfg})
		},
	}
}
