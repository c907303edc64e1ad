package cmd

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/mcp/mcptest"
	"github.com/felixgeelhaar/conduit/internal/plugin"
	"github.com/felixgeelhaar/conduit/internal/server"
)

func TestPluginsList(t *testing.T) {
	path := writeConfig(t, []pluginEntry{
		fakeEntry("echo", true, mcptest.Server{}),
		fakeEntry("off", false, mcptest.Server{}),
	}, nil)

	res := run(t, "", "--config", path, "plugins", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "ID")
	assert.Regexp(t, `echo\s+echo\s+stopped`, res.stdout)
	assert.Regexp(t, `off\s+off\s+disabled`, res.stdout)

	res = run(t, "", "--config", path, "plugins", "list", "--json")
	require.NoError(t, res.err)
	var infos []plugin.Info
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "echo", infos[0].ID)
}

func TestPluginsListReportsRejectedEntries(t *testing.T) {
	bad := fakeEntry("bad:id", true, mcptest.Server{})
	path := writeConfig(t, []pluginEntry{fakeEntry("echo", true, mcptest.Server{}), bad}, nil)

	res := run(t, "", "--config", path, "plugins", "list")
	require.NoError(t, res.err)
	assert.Contains(t, res.stderr, "warning: skipping")
	assert.NotContains(t, res.stdout, "bad:id")
}

func TestPluginsListMissingConfig(t *testing.T) {
	res := run(t, "", "--config", t.TempDir()+"/nope.json", "plugins", "list")
	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeConfigNotFound))
}

func TestPluginsStart(t *testing.T) {
	path := writeConfig(t, []pluginEntry{fakeEntry("echo", true, mcptest.Server{Tools: []string{"echo", "fail"}})}, nil)

	res := run(t, "", "--config", path, "plugins", "start", "echo")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Started echo (echo): 2 tools")
	assert.Contains(t, res.stdout, "test tool echo")
	assert.Contains(t, res.stderr, "Stopping again on exit")
}

func TestPluginsStartFailures(t *testing.T) {
	path := writeConfig(t, []pluginEntry{
		fakeEntry("off", false, mcptest.Server{}),
		fakeEntry("dies", true, mcptest.Server{Mode: mcptest.ModeExit}),
	}, nil)

	tests := []struct {
		name string
		id   string
		code errors.ErrorCode
	}{
		{"unknown plugin", "nope", errors.ErrCodePluginNotFound},
		{"disabled plugin", "off", errors.ErrCodePluginInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, "", "--config", path, "plugins", "start", tt.id)
			require.Error(t, res.err)
			assert.True(t, errors.HasCode(res.err, tt.code), "got %v", res.err)
		})
	}

	t.Run("process exits", func(t *testing.T) {
		res := run(t, "", "--config", path, "plugins", "start", "dies")
		require.Error(t, res.err)
		assert.NotEmpty(t, errors.CodeOf(res.err))
	})
}

func TestPluginsStatus(t *testing.T) {
	path := writeConfig(t, []pluginEntry{
		fakeEntry("echo", true, mcptest.Server{}),
		fakeEntry("dies", true, mcptest.Server{Mode: mcptest.ModeExit}),
	}, nil)

	res := run(t, "", "--config", path, "plugins", "status", "--json")
	require.NoError(t, res.err)

	var infos []plugin.Info
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, plugin.StateRunning, infos[0].State)
	assert.NotZero(t, infos[0].ToolCount())
	assert.Equal(t, plugin.StateError, infos[1].State)
	assert.NotEmpty(t, infos[1].Error)

	res = run(t, "", "--config", path, "plugins", "status", "nope")
	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodePluginNotFound))
}

func TestPluginsStopNeedsServer(t *testing.T) {
	path := writeConfig(t, []pluginEntry{fakeEntry("echo", true, mcptest.Server{})}, nil)

	for _, action := range []string{"stop", "restart"} {
		res := run(t, "", "--config", path, "plugins", action, "echo")
		require.Error(t, res.err)
		assert.True(t, errors.HasCode(res.err, errors.ErrCodePluginNotRunning))
		assert.Contains(t, res.err.Error(), "--server")
	}
}

func TestPluginsEnableDisable(t *testing.T) {
	path := writeConfig(t, []pluginEntry{fakeEntry("echo", true, mcptest.Server{})}, nil)
	enabled := func() bool {
		cfg, loadErrs, err := config.Load(context.Background(), path, config.Options{})
		require.NoError(t, err)
		require.Empty(t, loadErrs)
		p, ok := cfg.Plugin("echo")
		require.True(t, ok)
		return p.Enabled
	}

	res := run(t, "", "--config", path, "plugins", "disable", "echo")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Disabled echo")
	assert.False(t, enabled())

	res = run(t, "", "--config", path, "plugins", "disable", "echo")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "already disabled")

	res = run(t, "", "--config", path, "plugins", "enable", "echo")
	require.NoError(t, res.err)
	assert.True(t, enabled())

	res = run(t, "", "--config", path, "plugins", "enable", "nope")
	assert.True(t, errors.HasCode(res.err, errors.ErrCodePluginNotFound))
}

func TestPluginsDisableRefusesLossyRewrite(t *testing.T) {
	path := writeConfig(t, []pluginEntry{
		fakeEntry("echo", true, mcptest.Server{}),
		{ID: "broken", Enabled: true, Timeout: "5s"},
	}, nil)

	res := run(t, "", "--config", path, "plugins", "disable", "echo")
	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeConfigWrite))
	assert.Contains(t, res.stderr, "broken")

	cfg, _, err := config.Load(context.Background(), path, config.Options{})
	require.NoError(t, err)
	p, _ := cfg.Plugin("echo")
	assert.True(t, p.Enabled, "file must be left untouched")
}

// TestPluginsAgainstServer drives a manager through the admin endpoints,
// the way `conduit plugins --server` talks to `conduit serve`.
func TestPluginsAgainstServer(t *testing.T) {
	cmd, args := mcptest.Server{}.Command()
	mgr := plugin.NewManager(plugin.Options{
		Config: config.ManagerConfig{ShutdownGrace: config.Duration(500 * time.Millisecond)},
		Logger: log.Nop(),
	})
	require.NoError(t, mgr.Load([]config.PluginConfig{{
		ID:         "echo",
		Command:    cmd,
		Args:       args,
		Env:        mcptest.Server{}.EnvMap(),
		Enabled:    true,
		MaxRetries: 1,
		Timeout:    config.Duration(5 * time.Second),
	}}))
	t.Cleanup(func() { _ = mgr.Close() })

	srv := server.NewServer(server.Config{}, server.Options{Plugins: mgr, Control: mgr, Logger: log.Nop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	res := run(t, "", "plugins", "start", "echo", "--server", ts.URL)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Started echo")
	assert.True(t, mgr.IsRunning("echo"))

	res = run(t, "", "plugins", "restart", "echo", "--server", ts.URL)
	require.NoError(t, res.err)
	assert.Equal(t, "echo: running\n", res.stdout)

	res = run(t, "", "plugins", "status", "--server", ts.URL, "--json")
	require.NoError(t, res.err)
	var infos []plugin.Info
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, plugin.StateRunning, infos[0].State)
	assert.Zero(t, infos[0].RestartCount, "a manual restart is not counted")

	res = run(t, "", "plugins", "stop", "echo", "--server", ts.URL)
	require.NoError(t, res.err)
	assert.Equal(t, "echo: stopped\n", res.stdout)

	res = run(t, "", "plugins", "stop", "nope", "--server", ts.URL)
	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodePluginNotFound))

	res = run(t, "", "plugins", "list", "--server", "127.0.0.1:1")
	require.Error(t, res.err)
	assert.True(t, errors.HasCode(res.err, errors.ErrCodeTransportClosed))
}
