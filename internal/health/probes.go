package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ReadinessFunc reports the current per-component results used by the
// readiness probe.
type ReadinessFunc func(ctx context.Context) map[string]*Result

// ProbeManager tracks process lifecycle for the admin endpoints of a
// long-running conduit process.
type ProbeManager struct {
	*Manager

	startTime   time.Time
	initialized atomic.Bool
	inShutdown  atomic.Bool
	version     string

	mu        sync.RWMutex
	readiness ReadinessFunc
}

// NewProbeManager creates a new health check manager with probe support.
func NewProbeManager(version string) *ProbeManager {
	return &ProbeManager{
		Manager:   NewManager(),
		startTime: time.Now(),
		version:   version,
	}
}

// SetReadiness replaces the registered checkers as the readiness source.
func (pm *ProbeManager) SetReadiness(fn ReadinessFunc) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.readiness = fn
}

// MarkInitialized marks the application as fully initialized.
func (pm *ProbeManager) MarkInitialized() {
	pm.initialized.Store(true)
}

// MarkShutdown marks the application as shutting down.
func (pm *ProbeManager) MarkShutdown() {
	pm.inShutdown.Store(true)
}

// IsInitialized returns whether the application is fully initialized.
func (pm *ProbeManager) IsInitialized() bool {
	return pm.initialized.Load()
}

// IsShuttingDown returns whether the application is shutting down.
func (pm *ProbeManager) IsShuttingDown() bool {
	return pm.inShutdown.Load()
}

// Uptime returns how long the application has been running.
func (pm *ProbeManager) Uptime() time.Duration {
	return time.Since(pm.startTime)
}

// Version returns the application version.
func (pm *ProbeManager) Version() string {
	return pm.version
}

// ProbeResult is the body of a probe response.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (pm *ProbeManager) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   pm.version,
		Uptime:    pm.Uptime().Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// CheckLiveness reports healthy while the process is serving, unresponsive
// once shutdown has begun. It runs no checks.
func (pm *ProbeManager) CheckLiveness(ctx context.Context) *ProbeResult {
	status := StatusHealthy
	if pm.IsShuttingDown() {
		status = StatusUnresponsive
	}
	return pm.result(status, nil)
}

// CheckReadiness is dead while starting up or shutting down, otherwise the
// worst status from the readiness source (or the registered checkers).
func (pm *ProbeManager) CheckReadiness(ctx context.Context) *ProbeResult {
	if pm.IsShuttingDown() || !pm.IsInitialized() {
		return pm.result(StatusDead, nil)
	}

	pm.mu.RLock()
	fn := pm.readiness
	pm.mu.RUnlock()

	var checks map[string]*Result
	if fn != nil {
		checks = fn(ctx)
	} else {
		checks = pm.Manager.Check(ctx)
	}
	return pm.result(pm.Manager.OverallStatus(checks), checks)
}
