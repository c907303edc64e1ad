package plugin

import (
	"context"
	"time"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/health"
)

// MonitorHealth checks running plugins every manager interval until ctx is
// done. A plugin is only probed once its own interval has elapsed.
func (m *Manager) MonitorHealth(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkHealth(ctx, false)
		}
	}
}

// CheckHealth probes every running plugin now, publishes the results and
// treats dead or unresponsive plugins as crashed.
func (m *Manager) CheckHealth(ctx context.Context) map[string]*health.Result {
	return m.checkHealth(ctx, true)
}

func (m *Manager) checkHealth(ctx context.Context, force bool) map[string]*health.Result {
	now := time.Now()
	gens := make(map[string]uint64)
	var checkers []health.Checker

	m.mu.Lock()
	for _, id := range m.order {
		r := m.records[id]
		if r.state != StateRunning || r.client == nil {
			continue
		}
		if !force && now.Sub(r.lastCheck) < r.healthInterval(m.cfg.HealthCheckInterval.Duration()) {
			continue
		}
		r.lastCheck = now
		gens[id] = r.gen
		checkers = append(checkers, health.NewProcessChecker(id, r.client))
	}
	m.mu.Unlock()

	if len(checkers) == 0 {
		return map[string]*health.Result{}
	}

	results := m.health.Run(ctx, checkers)
	for id, res := range results {
		m.mu.Lock()
		if r, ok := m.records[id]; ok && r.gen == gens[id] {
			r.health = res.Status
		}
		m.mu.Unlock()

		m.metrics.HealthChecked(id, string(res.Status))
		m.publish(events.HealthStatus(id, res.Status))

		switch res.Status {
		case health.StatusDead:
			m.crashed(id, gens[id], errors.New(errors.ErrCodeTransportExited,
				"health check: "+res.Message), "dead")
		case health.StatusUnresponsive:
			m.crashed(id, gens[id], errors.New(errors.ErrCodeTransportCallTimeout,
				"health check: "+res.Message), "unresponsive")
		}
	}
	return results
}

// Readiness summarizes every enabled plugin for the readiness probe without
// probing anything: running plugins report their last health status, plugins
// still coming up are unresponsive and failed plugins are dead. Stopped and
// disabled plugins are left out.
func (m *Manager) Readiness(context.Context) map[string]*health.Result {
	out := make(map[string]*health.Result)
	for _, info := range m.List() {
		var res *health.Result
		switch info.State {
		case StateRunning:
			status := info.Health
			if status == "" {
				status = health.StatusHealthy
			}
			res = health.NewResult(status, "running")
		case StateStarting, StateInitializing:
			res = health.NewResult(health.StatusUnresponsive, string(info.State))
		case StateError:
			res = health.NewResult(health.StatusDead, info.Error)
		default:
			continue
		}
		res.Details["tools"] = info.ToolCount()
		res.Details["restarts"] = info.RestartCount
		out[info.ID] = res
	}
	return out
}
