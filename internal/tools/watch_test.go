package tools

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/mcp"
	"github.com/felixgeelhaar/conduit/internal/mcp/mcptest"
	"github.com/felixgeelhaar/conduit/internal/plugin"
)

func TestMain(m *testing.M) {
	mcptest.RunIfHelper()
	os.Exit(m.Run())
}

const waitFor = 10 * time.Second

func fakePlugin(id string, s mcptest.Server) config.PluginConfig {
	cmd, args := s.Command()
	return config.PluginConfig{
		ID:         id,
		Command:    cmd,
		Args:       args,
		Env:        s.EnvMap(),
		Enabled:    true,
		MaxRetries: 1,
		Timeout:    config.Duration(5 * time.Second),
	}
}

func TestWatchFollowsPluginLifecycle(t *testing.T) {
	bus := events.NewBus()
	mgr := plugin.NewManager(plugin.Options{
		Bus:    bus,
		Logger: log.Nop(),
		Config: config.ManagerConfig{ShutdownGrace: config.Duration(500 * time.Millisecond)},
	})
	require.NoError(t, mgr.Load([]config.PluginConfig{
		fakePlugin("a", mcptest.Server{Tools: []string{"echo", "grow"}}),
		fakePlugin("b", mcptest.Server{Tools: []string{"echo"}}),
	}))
	t.Cleanup(func() { _ = mgr.Close() })

	reg := NewRegistry(Options{Plugins: mgr, Logger: log.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := reg.Watch(ctx, bus, mgr)

	require.NoError(t, mgr.StartAll(ctx))
	require.Eventually(t, func() bool { return reg.Len() == 3 }, waitFor, 10*time.Millisecond)

	// Two plugins expose a tool with the same name; each routes to its own.
	out, err := reg.Execute(ctx, "mcp:a:echo", json.RawMessage(`{"text":"from a"}`))
	require.NoError(t, err)
	assert.Equal(t, "from a", out)
	out, err = reg.Execute(ctx, "mcp:b:echo", json.RawMessage(`{"text":"from b"}`))
	require.NoError(t, err)
	assert.Equal(t, "from b", out)

	// list_changed adds a tool.
	_, err = reg.Execute(ctx, "mcp:a:grow", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := reg.Resolve("mcp:a:extra")
		return err == nil
	}, waitFor, 10*time.Millisecond)

	// Stopping a drops only its tools.
	require.NoError(t, mgr.Stop("a"))
	require.Eventually(t, func() bool { return reg.Len() == 1 }, waitFor, 10*time.Millisecond)
	_, err = reg.Resolve("mcp:b:echo")
	assert.NoError(t, err)

	_, err = reg.Execute(ctx, "mcp:a:echo", nil)
	assert.ErrorIs(t, err, errors.ErrPluginNotRunning)

	cancel()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("watcher did not exit")
	}
}

func TestWatchSyncsPluginsAlreadyRunning(t *testing.T) {
	plugins := newFakePlugins()
	plugins.set("fs", mcp.Tool{Name: "read"}, mcp.Tool{Name: "write"})
	r := newRegistry(plugins)
	require.NoError(t, r.Register(mcp.Tool{Name: "stale"}, "gone"))

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Watch(ctx, bus, plugins)

	assert.Equal(t, 2, r.Len(), "tools of plugins started before Watch are registered, stale ones dropped")

	plugins.set("git", mcp.Tool{Name: "status"})
	bus.Publish(events.Started("git", 1))
	require.Eventually(t, func() bool { return r.Len() == 3 }, waitFor, 5*time.Millisecond)

	bus.Publish(events.Error("fs", "crashed"))
	require.Eventually(t, func() bool { return r.Len() == 1 }, waitFor, 5*time.Millisecond)
}
