package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/agent"
	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/llm"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/mcp"
	"github.com/felixgeelhaar/conduit/internal/metrics"
	"github.com/felixgeelhaar/conduit/internal/plugin"
	"github.com/felixgeelhaar/conduit/internal/telemetry"
	"github.com/felixgeelhaar/conduit/internal/tools"
	"github.com/felixgeelhaar/conduit/internal/version"
)

// app is the object graph shared by the commands that run plugins: one
// bus, one plugin manager, one tool registry kept in step with it.
type app struct {
	configPath string
	cfg        *config.Config
	loadErrs   []*config.LoadError
	log        *log.Logger

	bus     *events.Bus
	metrics *metrics.Registry
	plugins *plugin.Manager
	tools   *tools.Registry

	stopWatch context.CancelFunc
	watching  <-chan struct{}
}

// newApp loads the config and wires the plugin manager and tool registry.
// Rejected config entries are printed as warnings; nothing is started.
func newApp(cmd *cobra.Command) (*app, error) {
	cc, err := NewCommandContext(cmd)
	if err != nil {
		return nil, err
	}
	cfg, loadErrs, err := config.Load(cmd.Context(), cc.ConfigPath, config.Options{})
	if err != nil {
		return nil, err
	}
	printLoadErrors(cmd.ErrOrStderr(), loadErrs)

	logger := log.DefaultLogger()
	reg := metrics.NewRegistry()
	bus := events.NewBus().OnDrop(func(events.Event) { reg.Metrics.EventDropped() })

	mgr := plugin.NewManager(plugin.Options{
		Config:     cfg.Manager,
		Bus:        bus,
		Logger:     logger,
		Metrics:    reg.Metrics,
		ClientInfo: mcp.Implementation{Name: "conduit", Version: version.GetInfo().Short()},
	})
	if err := mgr.Load(cfg.Plugins.LocalServers); err != nil {
		_ = mgr.Close()
		bus.Close()
		return nil, err
	}

	toolReg := tools.NewRegistry(tools.Options{Plugins: mgr, Logger: logger, Metrics: reg.Metrics})
	watchCtx, stop := context.WithCancel(context.Background())

	return &app{
		configPath: cc.ConfigPath,
		cfg:        cfg,
		loadErrs:   loadErrs,
		log:        logger,
		bus:        bus,
		metrics:    reg,
		plugins:    mgr,
		tools:      toolReg,
		stopWatch:  stop,
		watching:   toolReg.Watch(watchCtx, bus, mgr),
	}, nil
}

func printLoadErrors(w io.Writer, loadErrs []*config.LoadError) {
	for _, le := range loadErrs {
		fmt.Fprintf(w, "warning: skipping %v\n", le) //nolint:errcheck
	}
}

// startPlugins starts ids, or every enabled plugin when ids is empty, and
// registers the tools of whatever came up. Failures are returned joined
// but do not stop the other plugins.
func (a *app) startPlugins(ctx context.Context, ids ...string) error {
	var err error
	if len(ids) == 0 {
		err = a.plugins.StartAll(ctx)
	} else {
		for _, id := range ids {
			if startErr := a.plugins.Start(ctx, id); startErr != nil && err == nil {
				err = startErr
			}
		}
	}
	a.syncTools()
	return err
}

// syncTools registers running plugins' tools now instead of waiting for the
// watcher to drain the Started events.
func (a *app) syncTools() {
	for _, id := range a.plugins.Running() {
		if err := a.tools.Sync(id, a.plugins.Tools(id)); err != nil {
			a.log.Warn("could not register plugin tools", "plugin_id", id, "error", err)
		}
	}
}

// registerDelegates exposes the enabled specialist agents as tools.
func (a *app) registerDelegates() ([]*agent.Delegate, error) {
	return agent.RegisterDelegates(a.tools, a.cfg.Agents, func(ac config.AgentConfig) llm.Client {
		return llm.NewOpenAI(llm.Options{
			BaseURL: ac.APIBase,
			APIKey:  ac.ResolvedAPIKey,
			Model:   ac.Model,
			Logger:  a.log,
		})
	})
}

// Close stops every plugin and the background watchers.
func (a *app) Close() error {
	err := a.plugins.Close()
	a.stopWatch()
	<-a.watching
	a.bus.Close()
	return err
}

var (
	otlpEndpoint string
	otlpInsecure bool
)

func addTracingFlags(c *cobra.Command) {
	c.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", os.Getenv("CONDUIT_OTLP_ENDPOINT"),
		"OTLP/HTTP collector (host:port) to export traces to; tracing is off when empty")
	c.Flags().BoolVar(&otlpInsecure, "otlp-insecure", false, "send traces over plain HTTP")
}

// initTracing installs the tracer provider selected by the tracing flags.
func initTracing(ctx context.Context) (func(context.Context) error, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version.GetInfo().Short()
	cfg.Enabled = otlpEndpoint != ""
	cfg.Endpoint = otlpEndpoint
	cfg.Insecure = otlpInsecure
	return telemetry.InitProvider(ctx, cfg)
}
