// Package config loads and validates pipeline definition files.
//
// A pipeline file is YAML: a handful of process-wide settings plus an
// ordered list of stages. Stage wiring uses the connection spec grammar
// documented in package connspec; anything the file leaves out is filled
// in by the orchestrator's defaulting rules.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/transport"
)

// Pipeline is the top-level shape of a pipeline definition file.
type Pipeline struct {
	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string `yaml:"log_level,omitempty"`

	// LogFormat is "text" or "json". Empty means text.
	LogFormat string `yaml:"log_format,omitempty"`

	// MetricsAddr, when set, exposes the orchestrator's Prometheus
	// registry on this listen address (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// GracePeriod bounds how long shutdown waits for children to exit
	// after SIGTERM before they are killed.
	GracePeriod Duration `yaml:"grace_period,omitempty"`

	// SendTimeout bounds how long a blocked send waits for slow
	// consumers. Zero means wait forever: backpressure propagates to
	// the producer instead of failing it.
	SendTimeout Duration `yaml:"send_timeout,omitempty"`

	// ForceAdvance releases laggard consumers instead of failing the
	// producer when SendTimeout expires on a send.
	ForceAdvance bool `yaml:"force_advance,omitempty"`

	Stages []StageConfig `yaml:"stages"`
}

// StageConfig describes one stage process in the pipeline file.
type StageConfig struct {
	Name string `yaml:"name"`

	// Command is the child process argv. An empty command runs the
	// built-in identity stage.
	Command []string `yaml:"command,omitempty"`

	// Sources and Outputs are connection specs. Unset sources default
	// to the previous stage's outputs; unset outputs default to a
	// loopback TCP address allocated by the orchestrator.
	Sources []string `yaml:"sources,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`

	// ExitMode is propagate, obey, or isolate. Empty means propagate.
	ExitMode string `yaml:"exit_mode,omitempty"`

	Env map[string]string `yaml:"env,omitempty"`

	// Settings is free-form stage configuration handed to Filter.Setup.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Mode returns the stage's exit mode with the default applied.
func (s *StageConfig) Mode() transport.ExitMode {
	if s.ExitMode == "" {
		return transport.ExitPropagate
	}
	return transport.ExitMode(s.ExitMode)
}

// Load reads and validates a pipeline definition from path.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapConfig(err, "config", "Load", "read pipeline file")
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline definition from raw YAML.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, errors.WrapConfig(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "Parse", "decode yaml")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the pipeline definition for structural errors. It does
// not resolve defaulted wiring; that happens in the orchestrator.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.WrapConfig(fmt.Errorf("%w: pipeline has no stages", errors.ErrInvalidConfig), "config", "Validate", "pipeline validation")
	}
	if p.GracePeriod < 0 {
		return errors.WrapConfig(fmt.Errorf("%w: grace_period must not be negative", errors.ErrInvalidConfig), "config", "Validate", "pipeline validation")
	}
	if p.SendTimeout < 0 {
		return errors.WrapConfig(fmt.Errorf("%w: send_timeout must not be negative", errors.ErrInvalidConfig), "config", "Validate", "pipeline validation")
	}
	switch p.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapConfig(fmt.Errorf("%w: unknown log_level %q", errors.ErrInvalidConfig, p.LogLevel), "config", "Validate", "pipeline validation")
	}
	switch p.LogFormat {
	case "", "text", "json":
	default:
		return errors.WrapConfig(fmt.Errorf("%w: unknown log_format %q", errors.ErrInvalidConfig, p.LogFormat), "config", "Validate", "pipeline validation")
	}

	seen := make(map[string]struct{}, len(p.Stages))
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Name == "" {
			return errors.WrapConfig(fmt.Errorf("%w: stage %d has no name", errors.ErrInvalidConfig, i), "config", "Validate", "pipeline validation")
		}
		if _, dup := seen[s.Name]; dup {
			return errors.WrapConfig(fmt.Errorf("%w: duplicate stage name %q", errors.ErrInvalidConfig, s.Name), "config", "Validate", "pipeline validation")
		}
		seen[s.Name] = struct{}{}

		if s.ExitMode != "" && !transport.ExitMode(s.ExitMode).Valid() {
			return errors.WrapConfig(fmt.Errorf("%w: stage %q: unknown exit_mode %q", errors.ErrInvalidConfig, s.Name, s.ExitMode), "config", "Validate", "pipeline validation")
		}
		for _, spec := range s.Sources {
			if _, err := connspec.Parse(spec); err != nil {
				return errors.WrapConfig(fmt.Errorf("stage %q source: %w", s.Name, err), "config", "Validate", "pipeline validation")
			}
		}
		for _, spec := range s.Outputs {
			if _, err := connspec.Parse(spec); err != nil {
				return errors.WrapConfig(fmt.Errorf("stage %q output: %w", s.Name, err), "config", "Validate", "pipeline validation")
			}
		}
	}
	return nil
}

// StageByName returns the named stage config, or nil.
func (p *Pipeline) StageByName(name string) *StageConfig {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}
