package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Config errors (CONFIG-001 to CONFIG-099)
	ErrCodeConfigNotFound      ErrorCode = "CONFIG-001"
	ErrCodeConfigParse         ErrorCode = "CONFIG-002"
	ErrCodeConfigSchema        ErrorCode = "CONFIG-003"
	ErrCodeConfigDuplicateID   ErrorCode = "CONFIG-004"
	ErrCodeConfigMissingField  ErrorCode = "CONFIG-005"
	ErrCodeConfigInvalidID     ErrorCode = "CONFIG-006"
	ErrCodeConfigEnvUnresolved ErrorCode = "CONFIG-007"
	ErrCodeConfigSecret        ErrorCode = "CONFIG-008"
	ErrCodeConfigWrite         ErrorCode = "CONFIG-009"

	// Transport errors (TRANSPORT-001 to TRANSPORT-099)
	ErrCodeTransportSpawn            ErrorCode = "TRANSPORT-001"
	ErrCodeTransportExited           ErrorCode = "TRANSPORT-002"
	ErrCodeTransportHandshakeTimeout ErrorCode = "TRANSPORT-003"
	ErrCodeTransportCallTimeout      ErrorCode = "TRANSPORT-004"
	ErrCodeTransportBrokenPipe       ErrorCode = "TRANSPORT-005"
	ErrCodeTransportClosed           ErrorCode = "TRANSPORT-006"

	// Protocol errors (PROTOCOL-001 to PROTOCOL-099)
	ErrCodeProtocolMalformed ErrorCode = "PROTOCOL-001"
	ErrCodeProtocolRPC       ErrorCode = "PROTOCOL-002"

	// Plugin errors (PLUGIN-001 to PLUGIN-099)
	ErrCodePluginNotFound          ErrorCode = "PLUGIN-001"
	ErrCodePluginInvalidTransition ErrorCode = "PLUGIN-002"
	ErrCodePluginNotRunning        ErrorCode = "PLUGIN-003"
	ErrCodePluginMaxRetries        ErrorCode = "PLUGIN-004"
	ErrCodePluginStartCancelled    ErrorCode = "PLUGIN-005"

	// Tool errors (TOOL-001 to TOOL-099)
	ErrCodeToolNotFound         ErrorCode = "TOOL-001"
	ErrCodeToolExists           ErrorCode = "TOOL-002"
	ErrCodeToolInvalidName      ErrorCode = "TOOL-003"
	ErrCodeToolInvalidArguments ErrorCode = "TOOL-004"
	ErrCodeToolExecution        ErrorCode = "TOOL-005"

	// Agent errors (AGENT-001 to AGENT-099)
	ErrCodeAgentDelegateToolUse ErrorCode = "AGENT-001"
	ErrCodeAgentModel           ErrorCode = "AGENT-002"
	ErrCodeAgentBusy            ErrorCode = "AGENT-003"
)

// ConduitError represents an enhanced error with code, suggestions, and documentation
type ConduitError struct {
	Code        ErrorCode
	Message     string
	Suggestions []string
	DocsURL     string
	Cause       error
}

// Error implements the error interface
func (e *ConduitError) Error() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	if len(e.Suggestions) > 0 {
		b.WriteString("\n\nSuggestions:")
		for _, suggestion := range e.Suggestions {
			b.WriteString(fmt.Sprintf("\n  • %s", suggestion))
		}
	}

	if e.DocsURL != "" {
		b.WriteString(fmt.Sprintf("\n\nDocumentation: %s", e.DocsURL))
	}

	return b.String()
}

// Summary returns the code and message without suggestions or docs. It is
// what ends up in event payloads and tool result text.
func (e *ConduitError) Summary() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *ConduitError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ConduitError with the same code. This lets
// callers match on the package sentinels regardless of message or cause.
func (e *ConduitError) Is(target error) bool {
	var t *ConduitError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new ConduitError
func New(code ErrorCode, message string) *ConduitError {
	return &ConduitError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new ConduitError with a formatted message
func Newf(code ErrorCode, format string, args ...any) *ConduitError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new ConduitError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *ConduitError {
	return &ConduitError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithSuggestion adds a suggestion to the error
func (e *ConduitError) WithSuggestion(suggestion string) *ConduitError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// WithSuggestions adds multiple suggestions to the error
func (e *ConduitError) WithSuggestions(suggestions ...string) *ConduitError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// WithDocs adds a documentation URL to the error
func (e *ConduitError) WithDocs(url string) *ConduitError {
	e.DocsURL = url
	return e
}

// CodeOf returns the code of the first ConduitError in err's chain, or the
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var ce *ConduitError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a ConduitError with code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var ce *ConduitError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Code == code {
			return true
		}
		err = ce.Cause
	}
	return false
}

// Sentinels for errors.Is. Never call the With* builders on these.
var (
	ErrPluginNotFound     = New(ErrCodePluginNotFound, "plugin not found")
	ErrInvalidTransition  = New(ErrCodePluginInvalidTransition, "invalid state transition")
	ErrPluginNotRunning   = New(ErrCodePluginNotRunning, "plugin not running")
	ErrMaxRetriesExceeded = New(ErrCodePluginMaxRetries, "max restart attempts exceeded")
	ErrToolNotFound       = New(ErrCodeToolNotFound, "tool not found")
	ErrToolExists         = New(ErrCodeToolExists, "tool already registered")
	ErrInvalidToolName    = New(ErrCodeToolInvalidName, "invalid tool name")
	ErrInvalidArguments   = New(ErrCodeToolInvalidArguments, "invalid tool arguments")
	ErrToolExecution      = New(ErrCodeToolExecution, "tool execution failed")
	ErrDelegateToolUse    = New(ErrCodeAgentDelegateToolUse, "delegate agent attempted to use tools")
	ErrTransportClosed    = New(ErrCodeTransportClosed, "transport closed")
	ErrCallTimeout        = New(ErrCodeTransportCallTimeout, "call timed out")
	ErrHandshakeTimeout   = New(ErrCodeTransportHandshakeTimeout, "handshake timed out")
	ErrProcessExited      = New(ErrCodeTransportExited, "process exited")
	ErrBrokenPipe         = New(ErrCodeTransportBrokenPipe, "broken pipe")
	ErrMalformedMessage   = New(ErrCodeProtocolMalformed, "malformed message")
	ErrRPC                = New(ErrCodeProtocolRPC, "rpc error")
	ErrExecutableNotFound = New(ErrCodeTransportSpawn, "executable not found")
	ErrDuplicatePluginID  = New(ErrCodeConfigDuplicateID, "duplicate plugin id")
	ErrConfigNotFound     = New(ErrCodeConfigNotFound, "config file not found")
	ErrStartCancelled     = New(ErrCodePluginStartCancelled, "start superseded")
)

// Common error constructors for frequently used errors

// NewPluginNotFoundError creates an unknown plugin error
func NewPluginNotFoundError(id string) *ConduitError {
	return New(ErrCodePluginNotFound, fmt.Sprintf("plugin not found: %s", id)).
		WithSuggestion("Run 'conduit plugins list' to see configured plugins")
}

// NewInvalidTransitionError creates an invalid state transition error
func NewInvalidTransitionError(id, from, to string) *ConduitError {
	return New(ErrCodePluginInvalidTransition,
		fmt.Sprintf("plugin %s: cannot go from %s to %s", id, from, to))
}

// NewPluginNotRunningError creates a plugin not running error
func NewPluginNotRunningError(id string) *ConduitError {
	return New(ErrCodePluginNotRunning, fmt.Sprintf("plugin not running: %s", id)).
		WithSuggestion(fmt.Sprintf("Run 'conduit plugins start %s'", id))
}

// NewMaxRetriesError creates a permanent failure error after retries are exhausted
func NewMaxRetriesError(id string, maxRetries int) *ConduitError {
	return New(ErrCodePluginMaxRetries,
		fmt.Sprintf("plugin %s failed after %d restart attempts", id, maxRetries)).
		WithSuggestion("Check the plugin's stderr output with --log-level debug").
		WithSuggestion(fmt.Sprintf("Run 'conduit plugins start %s' to try again", id))
}

// NewExecutableNotFoundError creates a spawn failure for a missing command
func NewExecutableNotFoundError(command string, cause error) *ConduitError {
	return Wrap(ErrCodeTransportSpawn, fmt.Sprintf("executable not found: %s", command), cause).
		WithSuggestion("Check the plugin's command in the config file").
		WithSuggestion("Make sure the executable is on PATH")
}

// NewRPCError creates an error carrying a JSON-RPC error response
func NewRPCError(method string, code int, message string) *ConduitError {
	return New(ErrCodeProtocolRPC, fmt.Sprintf("%s: server error %d: %s", method, code, message))
}

// NewToolNotFoundError creates an unknown tool error
func NewToolNotFoundError(name string) *ConduitError {
	return New(ErrCodeToolNotFound, fmt.Sprintf("tool not found: %s", name)).
		WithSuggestion("Run 'conduit tools list' to see registered tools")
}

// NewToolExistsError creates a duplicate registration error
func NewToolExistsError(name, source string) *ConduitError {
	return New(ErrCodeToolExists, fmt.Sprintf("tool %s already registered by %s", name, source))
}

// NewInvalidToolNameError creates a malformed tool name error
func NewInvalidToolNameError(name string) *ConduitError {
	return New(ErrCodeToolInvalidName, fmt.Sprintf("invalid tool name: %q", name)).
		WithSuggestion("Plugin tools are named mcp:<plugin-id>:<tool-name>")
}

// NewConfigParseError creates a config parsing error
func NewConfigParseError(path string, format string, cause error) *ConduitError {
	return Wrap(ErrCodeConfigParse, fmt.Sprintf("failed to parse %s config: %s", format, path), cause).
		WithSuggestion("Check the file syntax").
		WithSuggestion("Run 'conduit config validate' to see every problem at once")
}
