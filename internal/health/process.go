package health

import (
	"context"
	"errors"
)

// Pinger is a live connection to a plugin process.
type Pinger interface {
	// Ping sends a liveness request and waits for any reply.
	Ping(ctx context.Context) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// ProcessChecker reports on a single plugin process.
type ProcessChecker struct {
	name   string
	target Pinger
}

// NewProcessChecker creates a checker named after the plugin it probes.
func NewProcessChecker(name string, target Pinger) *ProcessChecker {
	return &ProcessChecker{name: name, target: target}
}

// Name implements Checker.
func (c *ProcessChecker) Name() string {
	return c.name
}

// Check implements Checker.
func (c *ProcessChecker) Check(ctx context.Context) *Result {
	select {
	case <-c.target.Done():
		return Dead("process exited")
	default:
	}

	err := c.target.Ping(ctx)
	if err == nil {
		return Healthy("ping answered")
	}

	select {
	case <-c.target.Done():
		return Dead("process exited").WithDetail("error", err.Error())
	default:
	}

	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return Unresponsive("ping not answered in time")
	}
	return Unresponsive("ping failed").WithDetail("error", err.Error())
}
