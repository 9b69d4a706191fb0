package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/filter"
	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/transport"
)

// runStage is the hidden child mode: it runs the built-in identity stage
// with wiring taken from the OPENFILTER_* environment the orchestrator
// sets, overridable by flags for standalone use.
func runStage(args []string) int {
	fs := flag.NewFlagSet("stage", flag.ContinueOnError)

	name := fs.String("name", getEnv("OPENFILTER_STAGE_NAME", ""),
		"Stage instance name (env: OPENFILTER_STAGE_NAME)")
	sources := fs.String("sources", getEnv("OPENFILTER_SOURCES", ""),
		"Comma-separated source connection specs (env: OPENFILTER_SOURCES)")
	outputs := fs.String("outputs", getEnv("OPENFILTER_OUTPUTS", ""),
		"Comma-separated output listen specs (env: OPENFILTER_OUTPUTS)")
	exitMode := fs.String("exit-mode", getEnv("OPENFILTER_EXIT_MODE", string(transport.ExitPropagate)),
		"Exit mode: propagate, obey, isolate (env: OPENFILTER_EXIT_MODE)")
	sendTimeout := fs.Duration("send-timeout", getEnvDuration("OPENFILTER_SEND_TIMEOUT", 0),
		"Backpressure send timeout, 0 waits forever (env: OPENFILTER_SEND_TIMEOUT)")
	forceAdvance := fs.Bool("force-advance", getEnvBool("OPENFILTER_FORCE_ADVANCE", false),
		"Advance past laggard consumers when the send timeout expires (env: OPENFILTER_FORCE_ADVANCE)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := setupLogger(
		getEnv("OPENFILTER_LOG_LEVEL", "info"),
		getEnv("OPENFILTER_LOG_FORMAT", "text"),
	)
	slog.SetDefault(logger)

	var settings map[string]any
	if raw := os.Getenv("OPENFILTER_SETTINGS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			logger.Error("Bad stage settings", "error", err)
			return 2
		}
	}

	cfg := filter.Config{
		ID:           *name,
		ExitMode:     transport.ExitMode(*exitMode),
		SendTimeout:  *sendTimeout,
		ForceAdvance: *forceAdvance,
		Settings:     settings,
		Logger:       logger,
	}
	if *sources != "" {
		cfg.Sources = []string{*sources}
	}
	if *outputs != "" {
		cfg.Outputs = []string{*outputs}
	}
	if !cfg.ExitMode.Valid() {
		logger.Error("Bad exit mode", "exit_mode", *exitMode)
		return 2
	}

	runner := filter.NewRunner(&identityFilter{}, cfg)
	if err := runner.Run(context.Background()); err != nil {
		logger.Error("Stage failed", "error", err)
		if errors.IsConfig(err) {
			return 2
		}
		return 1
	}
	return 0
}

// identityFilter forwards every batch unchanged. Sourceless instances
// instead emit heartbeat frames so a pipeline can be smoke-tested without
// a real producer.
type identityFilter struct {
	logger    *slog.Logger
	heartbeat bool
	seq       uint64
}

func (f *identityFilter) Setup(cfg filter.Config) error {
	f.logger = cfg.Logger
	f.heartbeat = len(cfg.Sources) == 0
	return nil
}

func (f *identityFilter) Process(batch frame.Batch) (frame.Batch, error) {
	if !f.heartbeat {
		return batch, nil
	}
	f.seq++
	// Sourceless mode runs a hot loop; pace the heartbeats.
	time.Sleep(time.Second)
	return frame.Batch{
		frame.DefaultTopic: frame.New(map[string]any{
			"heartbeat": f.seq,
			"emitted":   time.Now().UTC().Format(time.RFC3339Nano),
		}),
	}, nil
}

func (f *identityFilter) Shutdown() error {
	if f.heartbeat {
		f.logger.Info("Heartbeat source stopping", "emitted", f.seq)
	}
	return nil
}

var _ filter.Filter = (*identityFilter)(nil)
