package plugin

import (
	"context"
	stderrors "errors"
	"slices"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
)

// Reload applies a new plugin list. Added plugins are created and started
// when enabled, removed ones are stopped and dropped, and updated ones get
// the new config: restarted if they were active or are newly enabled,
// disabled if the new config turns them off. Unchanged plugins are not
// touched. Repeated ids keep their first entry. The returned error joins
// duplicate-id and start failures; the diff is applied regardless.
func (m *Manager) Reload(ctx context.Context, plugins []config.PluginConfig) (config.Diff, error) {
	var errs []error
	next := make(map[string]config.PluginConfig, len(plugins))
	unique := make([]config.PluginConfig, 0, len(plugins))
	for _, p := range plugins {
		if _, dup := next[p.ID]; dup {
			errs = append(errs, errors.Newf(errors.ErrCodeConfigDuplicateID,
				"plugin %s appears more than once, keeping the first", p.ID))
			continue
		}
		next[p.ID] = p
		unique = append(unique, p)
	}
	plugins = unique

	diff := config.DiffPlugins(m.Configs(), plugins)
	var toStart []string

	for _, id := range diff.Removed {
		m.mu.Lock()
		r, ok := m.records[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		client, stopped := m.stopLocked(r)
		delete(m.records, id)
		m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
		m.mu.Unlock()

		if stopped {
			m.finishStop(id, client)
		}
		m.metrics.ForgetPlugin(id)
	}

	for _, id := range diff.Updated {
		cfg := next[id]

		// Stopping, swapping the config and settling the state happen under
		// one lock so a concurrent Start sees either the old plugin or the
		// new config, never a half-applied update.
		m.mu.Lock()
		r, ok := m.records[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		wasDisabled := r.state == StateDisabled
		wasActive := r.state.Active() || (r.state == StateError && !r.failed && r.restartTimer != nil)
		client, stopped := m.stopLocked(r)
		r.cfg = cfg
		if cfg.Enabled {
			_ = m.setState(r, StateStopped)
		} else {
			_ = m.setState(r, StateDisabled)
		}
		m.mu.Unlock()

		if stopped {
			m.finishStop(id, client)
		}
		if cfg.Enabled && (wasActive || wasDisabled) {
			toStart = append(toStart, id)
		}
	}

	for _, id := range diff.Added {
		cfg := next[id]
		m.mu.Lock()
		r := newRecord(cfg)
		m.records[id] = r
		m.metrics.SetPluginState(id, string(r.state))
		m.mu.Unlock()
		if cfg.Enabled {
			toStart = append(toStart, id)
		}
	}

	// Keep List in config file order.
	m.mu.Lock()
	m.order = m.order[:0]
	for _, p := range plugins {
		if _, ok := m.records[p.ID]; ok {
			m.order = append(m.order, p.ID)
		}
	}
	m.mu.Unlock()

	m.log.Info("configuration reloaded",
		"added", diff.Added, "removed", diff.Removed, "updated", diff.Updated)
	m.publish(events.ConfigReloaded(diff.Added, diff.Removed, diff.Updated))

	if err := m.each(toStart, func(id string) error { return m.Start(ctx, id) }); err != nil {
		errs = append(errs, err)
	}
	return diff, stderrors.Join(errs...)
}

// Watch reloads plugins whenever the config file at path changes, until ctx
// is done. Files that fail to load are logged and leave the running set
// alone; rejected entries are logged and skipped.
func (m *Manager) Watch(ctx context.Context, path string, opts config.Options, onReload func(*config.Config)) error {
	return config.Watch(ctx, path, config.DefaultDebounce, func() {
		cfg, loadErrs, err := config.Load(ctx, path, opts)
		if err != nil {
			m.log.LogError("config reload failed, keeping current plugins", err)
			return
		}
		for _, le := range loadErrs {
			m.log.Warn("config entry rejected", "error", le)
		}
		if _, err := m.Reload(ctx, cfg.Plugins.LocalServers); err != nil {
			m.log.LogError("config reload: some plugins failed to start", err)
		}
		if onReload != nil {
			onReload(cfg)
		}
	})
}
