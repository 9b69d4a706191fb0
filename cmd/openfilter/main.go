// Package main implements the openfilter command. The `run` subcommand
// loads a pipeline definition and supervises its stages as child
// processes; the hidden `stage` subcommand is what those children execute
// when a stage declares no command of its own.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/abhijit10m/openfilter/config"
	"github.com/abhijit10m/openfilter/health"
	"github.com/abhijit10m/openfilter/metric"
	"github.com/abhijit10m/openfilter/orchestrator"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "openfilter"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	os.Exit(dispatch(os.Args[1:]))
}

// dispatch routes to a subcommand and returns the process exit code: zero
// for a clean run, the first failing stage's code for a failed pipeline,
// 2 for usage and configuration errors.
func dispatch(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}
	switch args[0] {
	case "run":
		return runPipeline(args[1:])
	case "stage":
		return runStage(args[1:])
	case "version", "-version", "--version", "-v":
		fmt.Printf("%s %s (%s/%s)\n", appName, Version, runtime.GOOS, runtime.GOARCH)
		return 0
	case "help", "-help", "--help", "-h":
		printUsage()
		return 0
	default:
		_, _ = fmt.Fprintf(os.Stderr, "%s: unknown command %q\n\n", appName, args[0])
		printUsage()
		return 2
	}
}

// runPipeline is the orchestrator mode behind `openfilter run`.
func runPipeline(args []string) int {
	cliCfg, err := parseRunFlags(args)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s run: %v\n", appName, err)
		return 2
	}

	pipeline, err := config.Load(cliCfg.PipelinePath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s run: %v\n", appName, err)
		return 2
	}
	cliCfg.applyOverrides(pipeline)

	logger := setupLogger(pipeline.LogLevel, pipeline.LogFormat)
	slog.SetDefault(logger)

	registry := metric.NewRegistry()

	orch, err := orchestrator.New(orchestrator.Config{
		Pipeline:   pipeline,
		Logger:     logger,
		Registerer: registry.Registerer(),
	})
	if err != nil {
		logger.Error("Pipeline rejected", "error", err)
		return 2
	}

	pipelineName := strings.TrimSuffix(filepath.Base(cliCfg.PipelinePath), filepath.Ext(cliCfg.PipelinePath))
	metricsSrv := serveMetrics(pipeline.MetricsAddr, registry, orch.Health(), pipelineName, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := orch.Run(ctx)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if runErr != nil {
		if code := orch.ExitCode(); code != 0 {
			return code
		}
		return 1
	}
	return 0
}

// serveMetrics exposes the registry and the health endpoint on addr, or
// returns nil when no address is configured.
func serveMetrics(addr string, registry *metric.Registry, monitor *health.Monitor, pipelineName string, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.Handle("/healthz", health.Handler(monitor, pipelineName))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
