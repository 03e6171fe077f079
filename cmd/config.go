package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapkit/internal/config"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Print the configuration after defaults, the config file, PCAPKIT_*
environment variables and command line overrides have been applied.

Examples:
  pcapkit config
  pcapkit config -c pcapkit.yml > effective.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runConfig(cfg, cmd.OutOrStdout())
		},
	}
}

func runConfig(cfg *config.Config, w io.Writer) error {
	out, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
