// Package plugin supervises MCP server processes: it starts and stops them,
// tracks their lifecycle state, restarts them after crashes with
// exponential backoff, monitors their health and applies config reloads.
package plugin

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is a plugin's position in its lifecycle.
type State string

const (
	// StateDisabled means the config turns the plugin off. It must be
	// enabled before it can start.
	StateDisabled State = "disabled"
	// StateStopped means the plugin is enabled but not running.
	StateStopped State = "stopped"
	// StateStarting means the process is being spawned.
	StateStarting State = "starting"
	// StateInitializing means the handshake and tool discovery are running.
	StateInitializing State = "initializing"
	// StateRunning means the plugin answered the handshake and can serve calls.
	StateRunning State = "running"
	// StateError means the last start or run failed. With the failed flag
	// set on the record it is permanent until the user starts it again.
	StateError State = "error"
)

var transitions = map[State][]State{
	StateDisabled:     {StateStopped},
	StateStopped:      {StateStarting, StateDisabled},
	StateStarting:     {StateInitializing, StateStopped, StateError},
	StateInitializing: {StateRunning, StateStopped, StateError},
	StateRunning:      {StateStopped, StateError},
	StateError:        {StateStarting, StateStopped, StateDisabled},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether a process exists or is being brought up.
func (s State) Active() bool {
	return s == StateStarting || s == StateInitializing || s == StateRunning
}

func (s State) String() string {
	return string(s)
}

// RestartDelay returns the wait before automatic restart attempt n (1-based):
// base doubled per previous attempt, capped at maxDelay.
func RestartDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
