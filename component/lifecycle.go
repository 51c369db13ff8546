// Package component defines the lifecycle contract the pipeline stages
// (ingest, scoring, persist) implement and the dependency bundle they
// are constructed with.
package component

import (
	"context"
	"time"
)

// State is the current lifecycle state of a component.
type State int

const (
	// StateCreated means the component was constructed but not initialized.
	StateCreated State = iota
	// StateInitialized means setup completed but processing has not started.
	StateInitialized
	// StateStarted means the component is running.
	StateStarted
	// StateStopped means the component shut down cleanly.
	StateStopped
	// StateFailed means a lifecycle operation failed.
	StateFailed
)

func (cs State) String() string {
	switch cs {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Component is the lifecycle contract every pipeline stage follows:
//   - Initialize() error                 // setup only, no context
//   - Start(ctx context.Context) error   // begin processing, ctx governs the run
//   - Stop(timeout time.Duration) error  // graceful shutdown within timeout
type Component interface {
	Name() string
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() Health
}

// Health is a point-in-time health snapshot served by the readiness
// endpoint.
type Health struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}
