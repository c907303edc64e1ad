package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cerrors "github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/health"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/metrics"
	"github.com/felixgeelhaar/conduit/internal/plugin"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

type staticPlugins []plugin.Info

func (s staticPlugins) List() []plugin.Info { return s }

type staticTools []tools.Entry

func (s staticTools) Entries() []tools.Entry { return s }

type fakeController struct {
	plugins staticPlugins
	calls   []string
}

func (f *fakeController) List() []plugin.Info { return f.plugins }

func (f *fakeController) act(action, id string, next plugin.State) error {
	f.calls = append(f.calls, action+" "+id)
	for i := range f.plugins {
		if f.plugins[i].ID != id {
			continue
		}
		if f.plugins[i].State == plugin.StateDisabled {
			return cerrors.NewInvalidTransitionError(id, string(plugin.StateDisabled), string(next))
		}
		f.plugins[i].State = next
		return nil
	}
	return cerrors.NewPluginNotFoundError(id)
}

func (f *fakeController) Start(_ context.Context, id string) error {
	return f.act("start", id, plugin.StateRunning)
}

func (f *fakeController) Stop(id string) error {
	return f.act("stop", id, plugin.StateStopped)
}

func (f *fakeController) Restart(_ context.Context, id string) error {
	return f.act("restart", id, plugin.StateRunning)
}

func newTestServer(pm *health.ProbeManager) *Server {
	reg := metrics.NewRegistry()
	reg.Metrics.PluginStarted("fs", true)
	return NewServer(Config{Address: "127.0.0.1:0"}, Options{
		Probes:  pm,
		Metrics: reg,
		Plugins: staticPlugins{{ID: "fs", Name: "Filesystem", State: plugin.StateRunning}},
		Tools:   staticTools{{Name: "mcp:fs:read", Source: tools.Source{Kind: tools.SourcePlugin, PluginID: "fs"}}},
		Logger:  log.Nop(),
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(Config{Address: ":0"}, Options{})

	if s.shutdownTimeout != 10*time.Second {
		t.Errorf("default shutdown timeout: expected 10s, got %v", s.shutdownTimeout)
	}
	if s.httpServer.ReadTimeout != 10*time.Second {
		t.Errorf("default read timeout: expected 10s, got %v", s.httpServer.ReadTimeout)
	}
	if s.httpServer.IdleTimeout != 60*time.Second {
		t.Errorf("default idle timeout: expected 60s, got %v", s.httpServer.IdleTimeout)
	}

	if rec := get(t, s.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics without a registry: expected 404, got %d", rec.Code)
	}
}

func TestHandleLiveness(t *testing.T) {
	tests := []struct {
		name     string
		shutdown bool
		want     health.Status
	}{
		{"normal operation", false, health.StatusHealthy},
		{"during shutdown", true, health.StatusUnresponsive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := health.NewProbeManager("1.0.0")
			if tt.shutdown {
				pm.MarkShutdown()
			}
			rec := get(t, newTestServer(pm).Handler(), "/health/live")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var res health.ProbeResult
			if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res.Status)
			}
			if res.Version != "1.0.0" {
				t.Errorf("expected version 1.0.0, got %q", res.Version)
			}
		})
	}
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name        string
		initialized bool
		plugins     map[string]*health.Result
		wantCode    int
	}{
		{"not initialized", false, nil, http.StatusServiceUnavailable},
		{"no plugins", true, nil, http.StatusOK},
		{"all healthy", true, map[string]*health.Result{"fs": health.Healthy("running")}, http.StatusOK},
		{"one starting", true, map[string]*health.Result{
			"fs":  health.Healthy("running"),
			"git": health.NewResult(health.StatusUnresponsive, "starting"),
		}, http.StatusServiceUnavailable},
		{"one failed", true, map[string]*health.Result{"fs": health.NewResult(health.StatusDead, "exited")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pm := health.NewProbeManager("1.0.0")
			pm.SetReadiness(func(context.Context) map[string]*health.Result { return tt.plugins })
			if tt.initialized {
				pm.MarkInitialized()
			}
			rec := get(t, newTestServer(pm).Handler(), "/health/ready")
			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSnapshotsAndMetrics(t *testing.T) {
	h := newTestServer(health.NewProbeManager("1.0.0")).Handler()

	rec := get(t, h, "/plugins")
	var infos []plugin.Info
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil {
		t.Fatalf("decode plugins: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "fs" || infos[0].State != plugin.StateRunning {
		t.Errorf("unexpected plugins: %+v", infos)
	}

	rec = get(t, h, "/tools")
	if !strings.Contains(rec.Body.String(), `"mcp:fs:read"`) {
		t.Errorf("unexpected tools: %s", rec.Body.String())
	}

	rec = get(t, h, "/metrics")
	if !strings.Contains(rec.Body.String(), "conduit_plugin_starts_total") {
		t.Errorf("metrics output misses plugin starts:\n%s", rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/plugins", nil)
	post := httptest.NewRecorder()
	h.ServeHTTP(post, req)
	if post.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /plugins: expected 405, got %d", post.Code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	pm := health.NewProbeManager("1.0.0")
	s := newTestServer(pm)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready after Serve: expected 200, got %d", resp.StatusCode)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !s.IsShuttingDown() || !pm.IsShuttingDown() {
		t.Error("expected shutdown to be recorded")
	}
	select {
	case err := <-done:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("expected ErrServerClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestPluginControl(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantState plugin.State
		wantErr   cerrors.ErrorCode
	}{
		{"start", "/plugins/fs/start", http.StatusOK, plugin.StateRunning, ""},
		{"stop", "/plugins/fs/stop", http.StatusOK, plugin.StateStopped, ""},
		{"restart", "/plugins/fs/restart", http.StatusOK, plugin.StateRunning, ""},
		{"unknown plugin", "/plugins/nope/start", http.StatusNotFound, "", cerrors.ErrCodePluginNotFound},
		{"disabled plugin", "/plugins/git/start", http.StatusConflict, "", cerrors.ErrCodePluginInvalidTransition},
		{"unknown action", "/plugins/fs/explode", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := &fakeController{plugins: staticPlugins{
				{ID: "fs", State: plugin.StateStopped},
				{ID: "git", State: plugin.StateDisabled},
			}}
			s := NewServer(Config{Address: ":0"}, Options{Plugins: ctl, Control: ctl, Logger: log.Nop()})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}

			if tt.wantCode == http.StatusOK {
				var info plugin.Info
				if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if info.State != tt.wantState {
					t.Errorf("expected state %s, got %s", tt.wantState, info.State)
				}
				return
			}

			var body ErrorBody
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != string(tt.wantErr) {
				t.Errorf("expected code %q, got %q", tt.wantErr, body.Code)
			}
			if body.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestPluginControlNeedsController(t *testing.T) {
	rec := httptest.NewRecorder()
	h := newTestServer(health.NewProbeManager("1.0.0")).Handler()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plugins/fs/start", nil))
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected control routes to be absent, got %d", rec.Code)
	}
}
