package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/log"
)

// CommandContext holds the persistent flags every command shares.
type CommandContext struct {
	ConfigPath string
	LogLevel   log.Level
	LogFormat  log.Format
}

// NewCommandContext reads the persistent flags from cmd:
//
//	func runCommand(cmd *cobra.Command, args []string) error {
//		cc, err := NewCommandContext(cmd)
//		if err != nil {
//			return err
//		}
//		// Use cc.ConfigPath, cc.LogLevel, etc.
//	}
func NewCommandContext(cmd *cobra.Command) (*CommandContext, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	levelFlag, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(levelFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid argument for --log-level: %w", err)
	}

	formatFlag, err := cmd.Flags().GetString("log-format")
	if err != nil {
		return nil, err
	}
	format, err := log.ParseFormat(formatFlag)
	if err != nil {
		return nil, fmt.Errorf("invalid argument for --log-format: %w", err)
	}

	return &CommandContext{
		ConfigPath: path,
		LogLevel:   level,
		LogFormat:  format,
	}, nil
}
