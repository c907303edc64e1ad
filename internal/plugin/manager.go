package plugin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/health"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/mcp"
	"github.com/felixgeelhaar/conduit/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	// Config tunes supervision; zero fields take the package defaults.
	Config config.ManagerConfig
	// Bus receives lifecycle events. A private bus is created when nil.
	Bus        *events.Bus
	Logger     *log.Logger
	Metrics    *metrics.Metrics
	ClientInfo mcp.Implementation
}

// Manager owns every plugin record. Its lock guards the records only;
// process and network I/O always run with it released.
type Manager struct {
	cfg     config.ManagerConfig
	bus     *events.Bus
	log     *log.Logger
	metrics *metrics.Metrics
	health  *health.Manager
	client  mcp.Implementation

	mu      sync.RWMutex
	records map[string]*record
	order   []string
	closed  bool

	// ctx scopes automatic restarts and supervision goroutines.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager with no plugins. Call Load to add them.
func NewManager(opts Options) *Manager {
	cfg := opts.Config.WithDefaults()
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	info := opts.ClientInfo
	if info.Name == "" {
		info = mcp.Implementation{Name: "conduit", Version: "dev"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		bus:     bus,
		log:     log.OrDefault(opts.Logger).Component("plugin-manager"),
		metrics: opts.Metrics,
		health:  health.NewManager().WithTimeout(cfg.HealthCheckTimeout.Duration()),
		client:  info,
		records: make(map[string]*record),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Bus returns the bus lifecycle events are published on.
func (m *Manager) Bus() *events.Bus {
	return m.bus
}

// Load creates a record for every plugin: stopped when enabled, disabled
// otherwise. Nothing is started. Ids already known are rejected.
func (m *Manager) Load(plugins []config.PluginConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, p := range plugins {
		if _, exists := m.records[p.ID]; exists {
			errs = append(errs, errors.Newf(errors.ErrCodeConfigDuplicateID,
				"plugin %s is already loaded", p.ID))
			continue
		}
		r := newRecord(p)
		m.records[p.ID] = r
		m.order = append(m.order, p.ID)
		m.metrics.SetPluginState(p.ID, string(r.state))
	}
	return stderrors.Join(errs...)
}

// setState moves r to next or reports an invalid transition. Callers hold mu.
func (m *Manager) setState(r *record, next State) error {
	if r.state == next {
		return nil
	}
	if !r.state.CanTransition(next) {
		return errors.NewInvalidTransitionError(r.cfg.ID, string(r.state), string(next))
	}
	m.log.Debug("plugin state change", "plugin_id", r.cfg.ID, "from", r.state, "to", next)
	r.state = next
	m.metrics.SetPluginState(r.cfg.ID, string(next))
	return nil
}

func (m *Manager) publish(evs ...events.Event) {
	for _, e := range evs {
		m.bus.Publish(e)
	}
}

// Start launches the plugin and waits for the handshake and tool discovery.
// It is valid from Stopped and Error. Starting a permanently failed plugin
// resets its restart counter. A disabled plugin must be enabled first.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeTransportClosed, "plugin manager closed")
	}
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewPluginNotFoundError(id)
	}
	if !r.state.CanTransition(StateStarting) {
		err := errors.NewInvalidTransitionError(id, string(r.state), string(StateStarting))
		if r.state == StateDisabled {
			err.WithSuggestion(fmt.Sprintf("Run 'conduit plugins enable %s' first", id))
		}
		m.mu.Unlock()
		return err
	}
	if r.failed {
		r.failed = false
		r.restarts = 0
	}
	startCtx, gen := m.beginStart(ctx, r)
	cfg := r.cfg
	m.mu.Unlock()

	return m.runStart(startCtx, cfg, gen)
}

// beginStart moves r to Starting under a fresh generation. Callers hold mu
// and have checked the transition.
func (m *Manager) beginStart(ctx context.Context, r *record) (context.Context, uint64) {
	r.abandon()
	_ = m.setState(r, StateStarting)
	r.errMsg = ""
	startCtx, cancel := context.WithCancel(ctx)
	r.cancelStart = cancel
	return startCtx, r.gen
}

// runStart does the I/O of one start attempt and applies the outcome if
// gen is still current.
func (m *Manager) runStart(ctx context.Context, cfg config.PluginConfig, gen uint64) error {
	id := cfg.ID
	logger := m.log.Plugin(id)
	logger.Info("starting plugin", "command", cfg.Command)

	client, err := mcp.Start(ctx, mcp.Options{
		Command:       cfg.Command,
		Args:          cfg.Args,
		Env:           cfg.Environ(),
		Dir:           cfg.WorkingDir,
		Timeout:       cfg.Timeout.Duration(),
		ShutdownGrace: m.cfg.ShutdownGrace.Duration(),
		ClientInfo:    m.client,
		Logger:        logger,
	})
	if err == nil {
		err = m.enterInitializing(id, gen, client)
	}

	var (
		tools     []mcp.Tool
		resources []mcp.Resource
		prompts   []mcp.Prompt
	)
	if err == nil {
		tools, resources, prompts, err = discover(ctx, client, logger)
	}
	if err != nil && ctx.Err() != nil {
		err = errors.Wrap(errors.ErrCodePluginStartCancelled,
			fmt.Sprintf("start of %s cancelled", id), err)
	}

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen {
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		logger.Debug("discarding superseded start")
		return errors.Newf(errors.ErrCodePluginStartCancelled, "start of %s superseded", id)
	}
	if r.cancelStart != nil {
		// The process outlives the start context; only the handshake used it.
		r.cancelStart()
		r.cancelStart = nil
	}

	if err != nil {
		r.client = nil
		evs := m.failLocked(r, err, 0)
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		m.metrics.PluginStarted(id, false)
		logger.LogError("plugin failed to start", err)
		m.publish(evs...)
		return err
	}

	if err := m.setState(r, StateRunning); err != nil {
		m.mu.Unlock()
		_ = client.Close()
		return err
	}
	r.client = client
	r.tools = tools
	r.resources = resources
	r.prompts = prompts
	r.startedAt = time.Now()
	r.lastCheck = r.startedAt
	r.health = health.StatusHealthy
	m.wg.Add(1)
	m.mu.Unlock()

	go m.supervise(id, client, gen)

	m.metrics.PluginStarted(id, true)
	logger.Info("plugin running", "tools", len(tools), "pid", client.Pid())
	m.publish(events.Started(id, len(tools)))
	return nil
}

// enterInitializing records the spawned client so Stop can interrupt the
// handshake.
func (m *Manager) enterInitializing(id string, gen uint64, client *mcp.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.gen != gen {
		return errors.Newf(errors.ErrCodePluginStartCancelled, "start of %s superseded", id)
	}
	if err := m.setState(r, StateInitializing); err != nil {
		return err
	}
	r.client = client
	return nil
}

func discover(ctx context.Context, client *mcp.Client, logger *log.Logger) ([]mcp.Tool, []mcp.Resource, []mcp.Prompt, error) {
	if _, err := client.Initialize(ctx); err != nil {
		return nil, nil, nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	// Resources and prompts are informational; a server that advertises
	// them but fails to list them still serves its tools.
	resources, err := client.ListResources(ctx)
	if err != nil {
		logger.Warn("listing resources failed", "error", err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		logger.Warn("listing prompts failed", "error", err)
	}
	return tools, resources, prompts, nil
}

// failLocked moves r to Error after a failed start or a crash and, when
// auto_restart is set, schedules the next attempt or gives up for good.
// ranFor is how long the process had been running; a stable run resets
// the restart counter first. Callers hold mu and publish the result.
func (m *Manager) failLocked(r *record, cause error, ranFor time.Duration) []events.Event {
	id := r.cfg.ID
	r.abandon()
	_ = m.setState(r, StateError)
	r.errMsg = summary(cause)

	evs := []events.Event{events.Error(id, r.errMsg)}
	if !r.cfg.AutoRestart {
		return evs
	}

	if ranFor >= m.cfg.StableAfter.Duration() && r.restarts > 0 {
		m.log.Plugin(id).Debug("plugin ran stably before failing, resetting restart counter",
			"ran_for", ranFor, "restarts", r.restarts)
		r.restarts = 0
	}

	r.restarts++
	r.lastRestart = time.Now()
	if r.restarts > r.cfg.MaxRetries {
		r.failed = true
		giveUp := errors.NewMaxRetriesError(id, r.cfg.MaxRetries)
		r.errMsg = giveUp.Summary()
		m.log.Plugin(id).Error("plugin failed permanently", "max_retries", r.cfg.MaxRetries)
		m.metrics.Error(string(giveUp.Code), "plugin")
		return append(evs, events.Error(id, r.errMsg))
	}

	delay := RestartDelay(m.cfg.RestartBaseDelay.Duration(), m.cfg.RestartMaxDelay.Duration(), r.restarts)
	gen := r.gen
	r.restartTimer = time.AfterFunc(delay, func() { m.autoRestart(id, gen) })
	m.metrics.PluginRestarted(id)
	m.log.Plugin(id).Info("scheduling plugin restart",
		"attempt", r.restarts, "max_retries", r.cfg.MaxRetries, "delay", delay)
	return append(evs, events.RestartAttempt(id, r.restarts, r.cfg.MaxRetries))
}

func (m *Manager) autoRestart(id string, gen uint64) {
	m.mu.Lock()
	r, ok := m.records[id]
	if m.closed || !ok || r.gen != gen || r.state != StateError || r.failed {
		m.mu.Unlock()
		return
	}
	r.restartTimer = nil
	ctx, gen := m.beginStart(m.ctx, r)
	cfg := r.cfg
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	_ = m.runStart(ctx, cfg, gen)
}

// crashed handles a running plugin that exited, timed out or failed a
// health check. Reports about an older generation are ignored.
func (m *Manager) crashed(id string, gen uint64, cause error, reason string) {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen || r.state != StateRunning {
		m.mu.Unlock()
		return
	}
	client := r.client
	ranFor := time.Since(r.startedAt)
	evs := m.failLocked(r, cause, ranFor)
	m.mu.Unlock()

	m.metrics.PluginFailed(id, reason)
	m.log.Plugin(id).Warn("plugin failed", "reason", reason, "error", summary(cause), "ran_for", ranFor)
	if client != nil {
		m.goClose(client)
	}
	m.publish(evs...)
}

func (m *Manager) goClose(client *mcp.Client) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_ = client.Close()
	}()
}

// supervise watches one running process for exit and tool list changes.
func (m *Manager) supervise(id string, client *mcp.Client, gen uint64) {
	defer m.wg.Done()

	notifications := client.Notifications()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			if n.Method == mcp.MethodToolsListChanged {
				m.rediscover(id, client, gen)
			}
		case <-client.Done():
			err := client.Err()
			if err == nil {
				err = errors.New(errors.ErrCodeTransportExited, "plugin process exited")
			}
			reason := "exited"
			if errors.HasCode(err, errors.ErrCodeProtocolMalformed) {
				reason = "protocol"
			}
			m.crashed(id, gen, err, reason)
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// rediscover re-lists a running plugin's tools after list_changed.
func (m *Manager) rediscover(id string, client *mcp.Client, gen uint64) {
	tools, err := client.ListTools(m.ctx)
	if err != nil {
		m.log.Plugin(id).Warn("tool rediscovery failed", "error", err)
		if errors.HasCode(err, errors.ErrCodeTransportCallTimeout) {
			m.crashed(id, gen, err, "timeout")
		}
		return
	}

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok || r.gen != gen || r.state != StateRunning {
		m.mu.Unlock()
		return
	}
	r.tools = tools
	m.mu.Unlock()

	m.log.Plugin(id).Info("plugin tools changed", "tools", len(tools))
	m.publish(events.ToolsChanged(id, len(tools)))
}

// Stop shuts the plugin down. It cancels an in-flight start or a pending
// restart, closes the process and interrupts in-flight calls. Stopping a
// stopped or disabled plugin is a no-op.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return errors.NewPluginNotFoundError(id)
	}
	client, stopped := m.stopLocked(r)
	m.mu.Unlock()

	if stopped {
		m.finishStop(id, client)
	}
	return nil
}

// stopLocked abandons r's process and moves it to Stopped, reporting
// whether there was anything to stop. Callers hold mu and hand the client
// to finishStop once they have released it.
func (m *Manager) stopLocked(r *record) (*mcp.Client, bool) {
	if r.state == StateStopped || r.state == StateDisabled {
		return nil, false
	}
	client := r.abandon()
	_ = m.setState(r, StateStopped)
	r.errMsg = ""
	r.failed = false
	r.restarts = 0
	return client, true
}

func (m *Manager) finishStop(id string, client *mcp.Client) {
	if client != nil {
		_ = client.Close()
	}
	m.log.Plugin(id).Info("plugin stopped")
	m.publish(events.Stopped(id))
}

// Restart stops the plugin and starts it again.
func (m *Manager) Restart(ctx context.Context, id string) error {
	if err := m.Stop(id); err != nil {
		return err
	}
	return m.Start(ctx, id)
}

// Enable lets a disabled plugin be started. It does not start it.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return errors.NewPluginNotFoundError(id)
	}
	if r.state != StateDisabled {
		return nil
	}
	return m.setState(r, StateStopped)
}

// Disable stops the plugin if needed and marks it disabled.
func (m *Manager) Disable(id string) error {
	for {
		if err := m.Stop(id); err != nil {
			return err
		}
		m.mu.Lock()
		r, ok := m.records[id]
		if !ok {
			m.mu.Unlock()
			return errors.NewPluginNotFoundError(id)
		}
		// A start may have slipped in between Stop and the lock.
		if r.state == StateStopped || r.state == StateDisabled {
			err := m.setState(r, StateDisabled)
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()
	}
}

// StartAll starts every stopped plugin in parallel and returns the joined
// start errors. One plugin failing does not stop the others.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	var ids []string
	for _, id := range m.order {
		if m.records[id].state == StateStopped {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	return m.each(ids, func(id string) error { return m.Start(ctx, id) })
}

// StopAll stops every plugin in parallel.
func (m *Manager) StopAll() error {
	return m.each(m.ids(), m.Stop)
}

func (m *Manager) each(ids []string, fn func(id string) error) error {
	errs := make([]error, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = fn(id)
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Close stops every plugin and waits for background work to finish. The
// manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, r := range m.records {
		if r.restartTimer != nil {
			r.restartTimer.Stop()
			r.restartTimer = nil
		}
	}
	m.mu.Unlock()

	err := m.StopAll()
	m.cancel()
	m.wg.Wait()
	return err
}

// CallTool forwards a tools/call to a running plugin. A call timeout or a
// protocol error is treated like a crash.
func (m *Manager) CallTool(ctx context.Context, id, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	if !ok {
		m.mu.RUnlock()
		return nil, errors.NewPluginNotFoundError(id)
	}
	if r.state != StateRunning || r.client == nil {
		m.mu.RUnlock()
		return nil, errors.NewPluginNotRunningError(id)
	}
	client, gen := r.client, r.gen
	m.mu.RUnlock()

	res, err := client.CallTool(ctx, tool, args)
	switch {
	case errors.HasCode(err, errors.ErrCodeTransportCallTimeout):
		m.crashed(id, gen, err, "timeout")
	case errors.HasCode(err, errors.ErrCodeProtocolMalformed):
		m.crashed(id, gen, err, "protocol")
	}
	return res, err
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return Info{}, false
	}
	return r.info(), true
}

// List returns snapshots of every plugin in config order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].info())
	}
	return out
}

// Tools returns the tools a running plugin offers, or nil.
func (m *Manager) Tools(id string) []mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok || r.state != StateRunning {
		return nil
	}
	return append([]mcp.Tool(nil), r.tools...)
}

// Has reports whether id is a configured plugin.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok
}

// IsRunning reports whether the plugin can serve calls.
func (m *Manager) IsRunning(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	return ok && r.state == StateRunning
}

// Running returns the ids of running plugins in config order.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		if m.records[id].state == StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Configs returns the loaded plugin configs in order.
func (m *Manager) Configs() []config.PluginConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]config.PluginConfig, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].cfg)
	}
	return out
}

func summary(err error) string {
	var ce *errors.ConduitError
	if stderrors.As(err, &ce) {
		return ce.Summary()
	}
	return err.Error()
}
