package cmd

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/health"
	"github.com/felixgeelhaar/conduit/internal/server"
	"github.com/felixgeelhaar/conduit/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run enabled plugins under supervision",
	Long: `Start every enabled plugin and keep it running: crashed plugins are
restarted with exponential backoff, health checks run on each plugin's
interval, and edits to the config file are applied without a restart.
Lifecycle events are printed until the process is interrupted.

The admin server on --metrics-addr provides:
  /health/live           - liveness probe
  /health/ready          - 503 until every enabled plugin is running and healthy
  /metrics               - Prometheus metrics
  /plugins, /tools       - JSON snapshots
  POST /plugins/{id}/... - start, stop, restart (used by 'conduit plugins --server')

Example:
  conduit serve --metrics-addr 127.0.0.1:9464`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveMetricsAddr     string
	serveWatch           bool
	serveEventsJSON      bool
	serveShutdownTimeout time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "127.0.0.1:9464", "admin server address; empty disables it")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload plugins when the config file changes")
	serveCmd.Flags().BoolVar(&serveEventsJSON, "json", false, "print events as JSON lines")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 10*time.Second, "how long to drain admin connections on exit")
	addTracingFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	out := cmd.OutOrStdout()

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	sub := a.bus.Subscribe(events.DefaultBuffer)
	defer sub.Close()

	if err := a.startPlugins(ctx); err != nil {
		a.log.Warn("some plugins failed to start", "error", summary(err))
	}
	go a.plugins.MonitorHealth(ctx)

	if serveWatch {
		go func() {
			err := a.plugins.Watch(ctx, a.configPath, config.Options{}, nil)
			if err != nil && ctx.Err() == nil {
				a.log.LogError("config watch stopped", err)
			}
		}()
	}

	srvErr := make(chan error, 1)
	var srv *server.Server
	if serveMetricsAddr != "" {
		probes := health.NewProbeManager(version.GetInfo().Short())
		probes.SetReadiness(a.plugins.Readiness)
		srv = server.NewServer(server.Config{
			Address:         serveMetricsAddr,
			ShutdownTimeout: serveShutdownTimeout,
		}, server.Options{
			Probes:  probes,
			Metrics: a.metrics,
			Plugins: a.plugins,
			Tools:   a.tools,
			Control: a.plugins,
			Logger:  a.log,
		})
		go func() { srvErr <- srv.Start() }()
	}

	fmt.Fprintf(out, "conduit %s serving %d plugins; press Ctrl+C to stop\n", //nolint:errcheck
		version.GetInfo().Short(), len(a.plugins.List()))

	err = printEvents(ctx, out, sub, srvErr)
	cancel()

	if srv != nil {
		if shutErr := srv.Shutdown(context.Background()); shutErr != nil && err == nil {
			err = shutErr
		}
	}
	return err
}

// printEvents writes bus events to w until ctx is done or the admin
// server fails.
func printEvents(ctx context.Context, w io.Writer, sub *events.Subscription, srvErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-srvErr:
			if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			if e.Kind == events.KindAgentStatus {
				continue
			}
			if serveEventsJSON {
				if err := writeJSONLine(w, e); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(w, "%s %s\n", e.Time.Format(time.TimeOnly), e) //nolint:errcheck
		}
	}
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
