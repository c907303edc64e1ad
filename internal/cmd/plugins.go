package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:     "plugins",
	Aliases: []string{"plugin"},
	Short:   "Inspect and control MCP plugins",
	Long: `Inspect and control the MCP servers listed under mcp_plugins.local_servers.

Without --server the commands run plugins in this process: 'start' and
'status' launch them, report, and stop them again on exit. With --server
they act on the plugins of a running 'conduit serve'.

Examples:
  # Show configured plugins
  conduit plugins list

  # Check that a plugin starts and see its tools
  conduit plugins start filesystem

  # Restart a plugin inside a running server
  conduit plugins restart filesystem --server 127.0.0.1:9464

  # Turn a plugin off in the config file
  conduit plugins disable filesystem`,
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured plugins",
	Args:  cobra.NoArgs,
	RunE:  runPluginsList,
}

var pluginsStatusCmd = &cobra.Command{
	Use:   "status [id...]",
	Short: "Start plugins and report their state and health",
	Long: `Start the given plugins (all enabled plugins when none are named), run one
health check, and print the result. With --server the running server's view
is printed instead.`,
	RunE: runPluginsStatus,
}

var pluginsStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a plugin and list its tools",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsStart,
}

var pluginsStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a plugin in a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsControl("stop"),
}

var pluginsRestartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Restart a plugin in a running server",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsControl("restart"),
}

var pluginsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Mark a plugin enabled in the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsSetEnabled(true),
}

var pluginsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Mark a plugin disabled in the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPluginsSetEnabled(false),
}

var (
	pluginsServer string
	pluginsJSON   bool
)

func init() {
	pluginsCmd.PersistentFlags().StringVar(&pluginsServer, "server", "", "admin address of a running 'conduit serve'")
	pluginsListCmd.Flags().BoolVar(&pluginsJSON, "json", false, "print plugins as JSON")
	pluginsStatusCmd.Flags().BoolVar(&pluginsJSON, "json", false, "print plugins as JSON")

	pluginsCmd.AddCommand(pluginsListCmd, pluginsStatusCmd, pluginsStartCmd, pluginsStopCmd,
		pluginsRestartCmd, pluginsEnableCmd, pluginsDisableCmd)
	rootCmd.AddCommand(pluginsCmd)
}

func runPluginsList(cmd *cobra.Command, _ []string) error {
	var infos []plugin.Info
	if pluginsServer != "" {
		var err error
		if infos, err = newAdminClient(pluginsServer).plugins(cmd.Context()); err != nil {
			return err
		}
	} else {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck
		infos = a.plugins.List()
	}
	return printPlugins(cmd.OutOrStdout(), infos, false)
}

func runPluginsStatus(cmd *cobra.Command, args []string) error {
	if pluginsServer != "" {
		infos, err := newAdminClient(pluginsServer).plugins(cmd.Context())
		if err != nil {
			return err
		}
		infos, err = selectPlugins(infos, args)
		if err != nil {
			return err
		}
		return printPlugins(cmd.OutOrStdout(), infos, true)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if _, err := selectPlugins(a.plugins.List(), args); err != nil {
		return err
	}
	if err := a.startPlugins(cmd.Context(), args...); err != nil {
		a.log.Debug("some plugins failed to start", "error", err)
	}
	a.plugins.CheckHealth(cmd.Context())

	infos, _ := selectPlugins(a.plugins.List(), args)
	return printPlugins(cmd.OutOrStdout(), infos, true)
}

// selectPlugins keeps the plugins named by ids, in the order given. No ids
// keeps everything.
func selectPlugins(infos []plugin.Info, ids []string) ([]plugin.Info, error) {
	if len(ids) == 0 {
		return infos, nil
	}
	out := make([]plugin.Info, 0, len(ids))
	for _, id := range ids {
		i := slices.IndexFunc(infos, func(info plugin.Info) bool { return info.ID == id })
		if i < 0 {
			return nil, errors.NewPluginNotFoundError(id)
		}
		out = append(out, infos[i])
	}
	return out, nil
}

func runPluginsStart(cmd *cobra.Command, args []string) error {
	id := args[0]
	out := cmd.OutOrStdout()

	if pluginsServer != "" {
		info, err := newAdminClient(pluginsServer).control(cmd.Context(), id, "start")
		if err != nil {
			return err
		}
		printStarted(out, info)
		return nil
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if err := a.plugins.Start(cmd.Context(), id); err != nil {
		return err
	}
	info, _ := a.plugins.Get(id)
	printStarted(out, info)
	fmt.Fprintln(cmd.ErrOrStderr(), "Stopping again on exit; run 'conduit serve' to keep plugins running.") //nolint:errcheck
	return nil
}

func printStarted(w io.Writer, info plugin.Info) {
	fmt.Fprintf(w, "Started %s (%s): %d tools\n", info.ID, info.Name, info.ToolCount()) //nolint:errcheck
	for _, t := range info.Tools {
		fmt.Fprintf(w, "  %s\t%s\n", t.Name, oneLine(t.Description, 60)) //nolint:errcheck
	}
}

func runPluginsControl(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if pluginsServer == "" {
			return errors.Newf(errors.ErrCodePluginNotRunning, "no conduit server to %s %s in", action, id).
				WithSuggestion("Pass --server with the admin address of a running 'conduit serve'")
		}
		info, err := newAdminClient(pluginsServer).control(cmd.Context(), id, action)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.ID, info.State) //nolint:errcheck
		return nil
	}
}

// runPluginsSetEnabled rewrites the config file. A file with rejected
// entries is left alone, since saving would silently drop them.
func runPluginsSetEnabled(enabled bool) func(*cobra.Command, []string) error {
	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	return func(cmd *cobra.Command, args []string) error {
		id := args[0]
		cc, err := NewCommandContext(cmd)
		if err != nil {
			return err
		}
		cfg, loadErrs, err := config.Load(cmd.Context(), cc.ConfigPath, config.Options{})
		if err != nil {
			return err
		}
		if len(loadErrs) > 0 {
			printLoadErrors(cmd.ErrOrStderr(), loadErrs)
			return errors.Newf(errors.ErrCodeConfigWrite,
				"refusing to rewrite %s: %d entries were rejected", cc.ConfigPath, len(loadErrs)).
				WithSuggestion("Fix the entries reported above, then retry")
		}

		p, ok := cfg.Plugin(id)
		if !ok {
			return errors.NewPluginNotFoundError(id)
		}
		out := cmd.OutOrStdout()
		if p.Enabled == enabled {
			fmt.Fprintf(out, "%s is already %s\n", id, stateWord(enabled)) //nolint:errcheck
			return nil
		}

		cfg.SetEnabled(id, enabled)
		if err := config.Save(cc.ConfigPath, cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s. A running 'conduit serve' picks the change up automatically.\n", verb, id) //nolint:errcheck
		return nil
	}
}

func stateWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func printPlugins(w io.Writer, infos []plugin.Info, withHealth bool) error {
	if pluginsJSON {
		return writeJSON(w, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(w, "No plugins configured.") //nolint:errcheck
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	header := "ID\tNAME\tSTATE\tTOOLS\tRESTARTS"
	if withHealth {
		header += "\tHEALTH"
	}
	fmt.Fprintln(tw, header+"\tERROR") //nolint:errcheck

	for _, p := range infos {
		restarts := fmt.Sprintf("%d/%d", p.RestartCount, p.MaxRetries)
		if p.Failed {
			restarts += " (gave up)"
		}
		row := fmt.Sprintf("%s\t%s\t%s\t%d\t%s", p.ID, p.Name, p.State, p.ToolCount(), restarts)
		if withHealth {
			h := string(p.Health)
			if h == "" {
				h = "-"
			}
			row += "\t" + h
		}
		fmt.Fprintln(tw, row+"\t"+oneLine(p.Error, 50)) //nolint:errcheck
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// oneLine keeps the first line of s, cut to limit runes.
func oneLine(s string, limit int) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			s = s[:i]
			break
		}
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}
