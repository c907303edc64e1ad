package cmd

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

var toolsCmd = &cobra.Command{
	Use:     "tools",
	Aliases: []string{"tool"},
	Short:   "List and call the tools the chat agent can use",
	Long: `List and call tools. Plugin tools are named mcp:<plugin-id>:<tool>;
specialist agents from the agents section appear under their own name.

Examples:
  # Every tool of every enabled plugin, with input schemas
  conduit tools list --verbose

  # Call a plugin tool with JSON arguments
  conduit tools call mcp:filesystem:read_file '{"path": "README.md"}'`,
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Start enabled plugins and list their tools",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsCallCmd = &cobra.Command{
	Use:   "call <name> [json-arguments]",
	Short: "Call one tool and print its result",
	Long: `Call one tool and print its text result. Only the plugin that owns the
tool is started. Arguments default to {}.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runToolsCall,
}

var (
	toolsServer  string
	toolsVerbose bool
	toolsJSON    bool
)

func init() {
	toolsListCmd.Flags().StringVar(&toolsServer, "server", "", "admin address of a running 'conduit serve'")
	toolsListCmd.Flags().BoolVarP(&toolsVerbose, "verbose", "v", false, "include input schemas")
	toolsListCmd.Flags().BoolVar(&toolsJSON, "json", false, "print tools as JSON")

	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	var entries []tools.Entry
	if toolsServer != "" {
		var err error
		if entries, err = newAdminClient(toolsServer).tools(cmd.Context()); err != nil {
			return err
		}
	} else {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		if err := a.startPlugins(cmd.Context()); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", summary(err)) //nolint:errcheck
		}
		if _, err := a.registerDelegates(); err != nil {
			return err
		}
		entries = a.tools.Entries()
	}

	if toolsJSON {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	return printTools(cmd.OutOrStdout(), entries)
}

func printTools(w io.Writer, entries []tools.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No tools available.") //nolint:errcheck
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tDESCRIPTION") //nolint:errcheck
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Source, oneLine(e.Description, 60)) //nolint:errcheck
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !toolsVerbose {
		return nil
	}
	for _, e := range entries {
		if len(e.InputSchema) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", e.Name) //nolint:errcheck
		var pretty strings.Builder
		if err := writeJSON(&pretty, e.InputSchema); err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimRight(pretty.String(), "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line) //nolint:errcheck
		}
	}
	return nil
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	name := args[0]
	raw := json.RawMessage("{}")
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return errors.Newf(errors.ErrCodeToolInvalidArguments, "arguments for %s are not valid JSON", name).
				WithSuggestion(`Quote the arguments as one shell word, e.g. '{"path": "a.txt"}'`)
		}
		raw = json.RawMessage(args[1])
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if tools.IsNamespaced(name) {
		pluginID, _, err := tools.ParseName(name)
		if err != nil {
			return err
		}
		if err := a.startPlugins(cmd.Context(), pluginID); err != nil {
			return err
		}
	} else if _, err := a.registerDelegates(); err != nil {
		return err
	}

	result, err := a.tools.Execute(cmd.Context(), name, raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result) //nolint:errcheck
	return nil
}

// summary drops suggestions and docs from coded errors, for one-line
// warnings.
func summary(err error) string {
	var ce *errors.ConduitError
	if stderrors.As(err, &ce) {
		return ce.Summary()
	}
	return err.Error()
}
