package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/abhijit10m/openfilter/config"
)

// RunConfig holds command-line configuration for `openfilter run`.
type RunConfig struct {
	PipelinePath string
	LogLevel     string
	LogFormat    string
	MetricsAddr  string
}

func parseRunFlags(args []string) (*RunConfig, error) {
	cfg := &RunConfig{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.Usage = func() { printUsage() }

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("OPENFILTER_LOG_LEVEL", ""),
		"Override the pipeline's log level: debug, info, warn, error (env: OPENFILTER_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("OPENFILTER_LOG_FORMAT", ""),
		"Override the pipeline's log format: text, json (env: OPENFILTER_LOG_FORMAT)")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr",
		getEnv("OPENFILTER_METRICS_ADDR", ""),
		"Override the pipeline's metrics listen address (env: OPENFILTER_METRICS_ADDR)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one pipeline file, got %d arguments", fs.NArg())
	}
	cfg.PipelinePath = fs.Arg(0)
	if _, err := os.Stat(cfg.PipelinePath); err != nil {
		return nil, fmt.Errorf("pipeline file not found: %s", cfg.PipelinePath)
	}
	return cfg, nil
}

// applyOverrides layers CLI flags over the loaded pipeline file.
func (c *RunConfig) applyOverrides(p *config.Pipeline) {
	if c.LogLevel != "" {
		p.LogLevel = c.LogLevel
	}
	if c.LogFormat != "" {
		p.LogFormat = c.LogFormat
	}
	if c.MetricsAddr != "" {
		p.MetricsAddr = c.MetricsAddr
	}
}

func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - frame pipeline runtime

Usage:
  %s run [flags] <pipeline.yaml>   Run a pipeline, supervising its stages
  %s version                       Show version information

Run flags:
  -log-level     Override the pipeline's log level (debug, info, warn, error)
  -log-format    Override the pipeline's log format (text, json)
  -metrics-addr  Override the pipeline's metrics listen address

The pipeline file format and the connection spec grammar are documented in
the config and connspec packages.
`, appName, appName, appName)
}

// Environment variable helpers

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
