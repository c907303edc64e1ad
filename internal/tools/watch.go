package tools

import (
	"context"

	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/mcp"
)

// Catalog reports the tools of running plugins. *plugin.Manager satisfies it.
type Catalog interface {
	Tools(pluginID string) []mcp.Tool
	Running() []string
}

// Watch keeps plugin tools in step with the plugin lifecycle: Started and
// ToolsChanged (re)register a plugin's current tools, Stopped and Error
// remove them. The subscription is in place when Watch returns; the
// returned channel is closed once ctx is done and the watcher has exited.
func (r *Registry) Watch(ctx context.Context, bus *events.Bus, catalog Catalog) <-chan struct{} {
	sub := bus.Subscribe(events.DefaultBuffer)
	r.resync(catalog)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()

		var dropped uint64
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C:
				if !ok {
					return
				}
				// Missed events leave the registry stale; rebuild it.
				if n := sub.Dropped(); n != dropped {
					dropped = n
					r.log.Warn("tool watcher fell behind, resyncing", "dropped", n)
					r.resync(catalog)
					continue
				}
				r.apply(e, catalog)
			}
		}
	}()
	return done
}

func (r *Registry) apply(e events.Event, catalog Catalog) {
	switch e.Kind {
	case events.KindStarted, events.KindToolsChanged:
		tools := catalog.Tools(e.PluginID)
		if err := r.Sync(e.PluginID, tools); err != nil {
			r.log.LogError("registering plugin tools", err)
			return
		}
		r.log.Debug("plugin tools registered", "plugin_id", e.PluginID, "tools", len(tools))
	case events.KindStopped, events.KindError:
		if n := r.UnregisterAll(e.PluginID); n > 0 {
			r.log.Debug("plugin tools unregistered", "plugin_id", e.PluginID, "tools", n)
		}
	}
}

// resync rebuilds every plugin's entries from the catalog.
func (r *Registry) resync(catalog Catalog) {
	running := make(map[string]bool)
	for _, id := range catalog.Running() {
		running[id] = true
		if err := r.Sync(id, catalog.Tools(id)); err != nil {
			r.log.LogError("registering plugin tools", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.Source.Kind == SourcePlugin && !running[e.Source.PluginID] {
			delete(r.entries, name)
		}
	}
}
