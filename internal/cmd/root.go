package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/log"
)

// envConfig overrides the default --config value.
const envConfig = "CONDUIT_CONFIG"

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "MCP plugin host with a tool-calling chat agent",
	Long: `conduit launches MCP servers as local plugins, supervises them, and
exposes their tools to a chat model that can call them mid-conversation.

Plugins, specialist agents and the chat endpoint are described in one
config file (JSON with comments, or YAML). Use 'conduit serve' to keep the
plugins running under supervision, or 'conduit chat' to talk to the model.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx, which commands use to
// notice interrupts.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", defaultConfigPath(), "config file (JSON or YAML); $"+envConfig+" overrides the default")
	pf.String("log-level", "warn", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
}

func defaultConfigPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	return "conduit.json"
}

// setupLogging installs the process logger before any command runs. Logs go
// to stderr so command output on stdout stays machine readable.
func setupLogging(cmd *cobra.Command, _ []string) error {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	log.SetDefaultLogger(log.New(log.Config{
		Level:  cc.LogLevel,
		Format: cc.LogFormat,
		Output: log.NewOutput(cmd.ErrOrStderr()),
	}))
	return nil
}
