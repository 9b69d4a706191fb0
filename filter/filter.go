// Package filter drives one pipeline stage through its lifecycle: setup, the
// receive/process/send loop, and exactly-once teardown. The stage's payload
// logic lives behind the Filter interface; the Runner owns everything around
// it, including cooperative cancellation and exit-signal propagation.
package filter

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/transport"
)

// ErrDone is returned by a Filter's Process to request a clean stop, for
// example when an exhaustible source has no more frames.
var ErrDone = errors.New("filter done")

// Filter is the payload logic of one stage. Setup runs once before the loop;
// failure there is fatal. Process is an opaque transformation over the
// cycle's topic-keyed batch; the Runner gives it no concurrency of its own.
// Shutdown runs exactly once, even under concurrent stop signals.
type Filter interface {
	Setup(cfg Config) error
	Process(batch frame.Batch) (frame.Batch, error)
	Shutdown() error
}

// Config configures one stage instance
type Config struct {
	// ID identifies the stage instance in logs and exit signals. Defaults
	// to a fresh uuid.
	ID string
	// Sources are connection specs for upstream producers
	Sources []string
	// Outputs are listen specs for this stage's output channels
	Outputs []string
	// ExitMode governs whether this stage's stop signal passes downstream.
	// Defaults to propagate.
	ExitMode transport.ExitMode
	// PollInterval bounds each blocking wait in the run loop; the
	// cancellation flag is checked at every tick. Defaults to 10ms.
	PollInterval time.Duration
	// SendTimeout bounds how long an output channel waits for slow
	// consumers. Zero means unbounded wait, the default.
	SendTimeout time.Duration
	// ForceAdvance lets output channels advance past laggard consumers when
	// the send timeout expires
	ForceAdvance bool
	// Settings is opaque configuration handed to the Filter's Setup
	Settings map[string]any
	// Logger falls back to slog.Default
	Logger *slog.Logger
	// Registerer receives stage and transport metrics; may be nil
	Registerer prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ExitMode == "" {
		c.ExitMode = transport.ExitPropagate
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// State represents the current lifecycle state of a stage
type State int

const (
	// StateCreated indicates the runner was created but not started
	StateCreated State = iota
	// StateSettingUp indicates one-time setup is executing
	StateSettingUp
	// StateRunning indicates the receive/process/send loop is active
	StateRunning
	// StateShuttingDown indicates teardown is executing
	StateShuttingDown
	// StateStopped indicates the stage stopped cleanly
	StateStopped
	// StateFailed indicates the stage stopped because of a failure
	StateFailed
)

// String returns a string representation of the stage state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSettingUp:
		return "setting_up"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
