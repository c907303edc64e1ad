package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Check and inspect the config file",
	Long: `Check and inspect the conduit config file.

Examples:
  # Report every rejected entry
  conduit config validate

  # Print the file as conduit sees it, defaults filled in
  conduit config show

  # JSON Schema for editor completion
  conduit config schema > conduit.schema.json`,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	Long: `Load the config file the way serve and chat do and report every entry that
would be skipped. Exits non-zero when anything is rejected.`,
	Args: cobra.NoArgs,
	RunE: runConfigValidate,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON Schema of the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := cmd.OutOrStdout().Write(config.Schema())
		return err
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd, configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	cfg, loadErrs, err := config.Load(cmd.Context(), cc.ConfigPath, config.Options{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, le := range loadErrs {
		fmt.Fprintf(out, "✗ %v\n", le) //nolint:errcheck
	}
	fmt.Fprintf(out, "%s: %d plugins, %d agents loaded\n", //nolint:errcheck
		cc.ConfigPath, len(cfg.Plugins.LocalServers), len(cfg.Agents))

	if len(loadErrs) > 0 {
		return errors.Newf(errors.ErrCodeConfigSchema, "%d config entries rejected", len(loadErrs))
	}
	fmt.Fprintln(out, "✓ config is valid") //nolint:errcheck
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	cfg, loadErrs, err := config.Load(cmd.Context(), cc.ConfigPath, config.Options{})
	if err != nil {
		return err
	}
	printLoadErrors(cmd.ErrOrStderr(), loadErrs)

	cfg.Manager = cfg.Manager.WithDefaults()
	return writeJSON(cmd.OutOrStdout(), cfg.Redacted())
}
