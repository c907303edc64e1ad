// Package health provides liveness checks for supervised plugin processes.
//
// A Checker probes one target and reports one of three statuses:
//   - healthy: the process answered in time
//   - unresponsive: the process is alive but did not answer in time
//   - dead: the process has exited or its pipes are gone
//
// The Manager runs a batch of checkers in parallel, each under its own
// timeout, and returns the results by checker name.
package health

import (
	"context"
	"time"
)

// Checker defines the interface for health checks.
type Checker interface {
	// Name returns the unique name of this health check. For plugin
	// checks it is the plugin id.
	Name() string

	// Check performs the health check and returns the result.
	// It must respect the context deadline.
	Check(ctx context.Context) *Result
}

// Status represents the health check status.
type Status string

const (
	// StatusHealthy indicates the process answered a ping.
	StatusHealthy Status = "healthy"

	// StatusUnresponsive indicates the process is alive but did not answer in time.
	StatusUnresponsive Status = "unresponsive"

	// StatusDead indicates the process has exited.
	StatusDead Status = "dead"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Result represents the result of a health check.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

// NewResult creates a new health check result with the given status and message.
func NewResult(status Status, message string) *Result {
	return &Result{
		Status:  status,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithDetail adds a detail to the result and returns the result for chaining.
func (r *Result) WithDetail(key string, value any) *Result {
	r.Details[key] = value
	return r
}

// WithLatency sets the latency and returns the result for chaining.
func (r *Result) WithLatency(latency time.Duration) *Result {
	r.Latency = latency
	return r
}

// Healthy creates a healthy result with the given message.
func Healthy(message string) *Result {
	return NewResult(StatusHealthy, message)
}

// Unresponsive creates an unresponsive result with the given message.
func Unresponsive(message string) *Result {
	return NewResult(StatusUnresponsive, message)
}

// Dead creates a dead result with the given message.
func Dead(message string) *Result {
	return NewResult(StatusDead, message)
}
