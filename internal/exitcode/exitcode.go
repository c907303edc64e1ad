// Package exitcode maps command errors to process exit codes.
package exitcode

import (
	"os"
	"strings"

	"github.com/felixgeelhaar/conduit/internal/errors"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success indicates successful execution
	Success = 0

	// GeneralError indicates a general error condition
	GeneralError = 1

	// UsageError indicates invalid command usage (bad flags, missing args, etc.)
	UsageError = 2

	// ConfigError indicates the config file is missing or invalid
	ConfigError = 3

	// PluginError indicates a plugin could not be found, started or reached
	PluginError = 4

	// ToolError indicates a tool lookup or execution failure
	ToolError = 5

	// ModelError indicates the chat model endpoint failed
	ModelError = 6

	// Interrupted indicates the user cancelled the command
	Interrupted = 130
)

// Exit terminates the program with the given exit code
func Exit(code int) {
	os.Exit(code)
}

// ExitWithError exits with an appropriate code based on error type
func ExitWithError(err error) {
	Exit(DetermineExitCode(err))
}

// DetermineExitCode picks an exit code from the error code family of the
// first coded error in err's chain. Uncoded errors fall back to cobra's
// usage messages, then to GeneralError.
func DetermineExitCode(err error) int {
	if err == nil {
		return Success
	}

	code := string(errors.CodeOf(err))
	switch {
	case strings.HasPrefix(code, "CONFIG-"):
		return ConfigError
	case strings.HasPrefix(code, "PLUGIN-"),
		strings.HasPrefix(code, "TRANSPORT-"),
		strings.HasPrefix(code, "PROTOCOL-"):
		return PluginError
	case strings.HasPrefix(code, "TOOL-"):
		return ToolError
	case strings.HasPrefix(code, "AGENT-"):
		return ModelError
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "unknown command") ||
		strings.Contains(errMsg, "unknown flag") ||
		strings.Contains(errMsg, "invalid argument") ||
		strings.Contains(errMsg, "required flag") ||
		strings.Contains(errMsg, "accepts ") {
		return UsageError
	}
	return GeneralError
}

// GetExitCodeDescription returns a human-readable description of an exit code
func GetExitCodeDescription(code int) string {
	switch code {
	case Success:
		return "Success"
	case GeneralError:
		return "General error"
	case UsageError:
		return "Usage error (invalid flags or arguments)"
	case ConfigError:
		return "Configuration error"
	case PluginError:
		return "Plugin error"
	case ToolError:
		return "Tool error"
	case ModelError:
		return "Model error"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown error"
	}
}
