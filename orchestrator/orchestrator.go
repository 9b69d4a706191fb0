// Package orchestrator runs a multi-stage pipeline as a family of child
// processes. It resolves the wiring the pipeline file leaves implicit
// (default output addresses, linear source chaining), launches each stage
// as its own process, and supervises the group: an unexpected child death
// tears the remaining stages down, while a clean in-band exit is left to
// propagate through the transport layer on its own.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/abhijit10m/openfilter/config"
	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/health"
)

const (
	// basePort is where default output address allocation starts; stage i
	// with no declared outputs listens on basePort+i.
	basePort = 5550

	defaultGracePeriod = 10 * time.Second
)

// Stage is a pipeline stage with its wiring fully resolved.
type Stage struct {
	Name    string
	Argv    []string
	Sources []string
	Outputs []string
	Env     map[string]string
}

// Edge records that envelopes flow from stage From to stage To. The list
// is derived from the resolved wiring when the orchestrator is built, so
// exit propagation and diagnostics never have to rediscover topology at
// runtime.
type Edge struct {
	From int
	To   int
}

// Config configures an Orchestrator.
type Config struct {
	Pipeline *config.Pipeline

	// SelfArgv is the command used for stages that declare none; it is
	// expected to run the built-in identity stage. Defaults to the
	// current executable's hidden stage mode.
	SelfArgv []string

	Logger     *slog.Logger
	Registerer prometheus.Registerer

	// Health receives per-stage liveness updates. A fresh monitor is
	// created when nil; retrieve it with Health().
	Health *health.Monitor

	// Stdout and Stderr receive child process output. Default to the
	// orchestrator's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Orchestrator launches and supervises the stage processes of one pipeline.
type Orchestrator struct {
	pipeline *config.Pipeline
	stages   []Stage
	edges    []Edge
	grace    time.Duration
	logger   *slog.Logger
	metrics  *orchestratorMetrics
	monitor  *health.Monitor
	stdout   io.Writer
	stderr   io.Writer

	mu       sync.Mutex
	exitCode int

	procs    []*exec.Cmd
	stopOnce sync.Once
	stopping atomic.Bool
	allDone  chan struct{}
}

// New resolves the pipeline's wiring and returns an orchestrator ready to
// Run. Resolution applies two defaulting rules: a stage without outputs
// listens on tcp://127.0.0.1:<5550+i>, and a stage after the first without
// sources reads from the previous stage's outputs.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Pipeline == nil {
		return nil, errors.WrapConfig(
			fmt.Errorf("pipeline is nil: %w", errors.ErrInvalidConfig),
			"orchestrator", "New", "config validation")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	selfArgv := cfg.SelfArgv
	if len(selfArgv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.WrapConfig(err, "orchestrator", "New", "locate executable")
		}
		selfArgv = []string{exe, "stage"}
	}
	grace := cfg.Pipeline.GracePeriod.Std()
	if grace <= 0 {
		grace = defaultGracePeriod
	}

	stages, err := resolveStages(cfg.Pipeline, selfArgv)
	if err != nil {
		return nil, err
	}
	edges, err := resolveEdges(stages)
	if err != nil {
		return nil, err
	}

	monitor := cfg.Health
	if monitor == nil {
		monitor = health.NewMonitor()
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &Orchestrator{
		pipeline: cfg.Pipeline,
		stages:   stages,
		edges:    edges,
		grace:    grace,
		logger:   logger.With("component", "orchestrator"),
		metrics:  newOrchestratorMetrics(cfg.Registerer),
		monitor:  monitor,
		stdout:   stdout,
		stderr:   stderr,
		allDone:  make(chan struct{}),
	}, nil
}

// Stages returns the pipeline's stages with defaulted wiring applied.
func (o *Orchestrator) Stages() []Stage { return o.stages }

// Edges returns the propagation edges derived from the resolved wiring.
func (o *Orchestrator) Edges() []Edge { return o.edges }

// Health returns the monitor receiving per-stage liveness updates.
func (o *Orchestrator) Health() *health.Monitor { return o.monitor }

// ExitCode reports the pipeline's aggregate exit code: zero only when
// every stage stopped cleanly, otherwise the code of the first stage
// that did not.
func (o *Orchestrator) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exitCode
}

// Run starts every stage process and blocks until the whole group has
// exited. A cancelled context or an unexpected child death triggers a
// coordinated stop: SIGTERM to all live children, a grace period, then
// SIGKILL for stragglers. The returned error is the root cause of a
// failed run, nil for a clean one.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.start(); err != nil {
		return err
	}
	o.logger.Info("pipeline started",
		"stages", len(o.stages), "edges", len(o.edges), "grace", o.grace)

	g, runCtx := errgroup.WithContext(ctx)
	for i := range o.procs {
		i := i
		g.Go(func() error {
			return o.supervise(i)
		})
	}

	// Any supervise error, or cancellation of the caller's context,
	// cancels runCtx; that is the single trigger for group shutdown.
	go func() {
		<-runCtx.Done()
		o.shutdown()
	}()

	err := g.Wait()
	close(o.allDone)
	if err != nil {
		o.logger.Error("pipeline failed", "error", err, "exit_code", o.ExitCode())
		return err
	}
	o.logger.Info("pipeline stopped")
	return nil
}

func (o *Orchestrator) start() error {
	o.procs = make([]*exec.Cmd, len(o.stages))
	for i, st := range o.stages {
		cmd := exec.Command(st.Argv[0], st.Argv[1:]...)
		cmd.Stdout = o.stdout
		cmd.Stderr = o.stderr
		cmd.Env = o.childEnv(st)
		if err := cmd.Start(); err != nil {
			for j := 0; j < i; j++ {
				_ = o.procs[j].Process.Kill()
				_ = o.procs[j].Wait()
			}
			return errors.WrapCrash(
				fmt.Errorf("stage %q: %w", st.Name, err),
				"orchestrator", "Run", "start stage")
		}
		o.procs[i] = cmd
		o.metrics.stageStarted()
		running := health.NewHealthy(st.Name, "running")
		running.PID = cmd.Process.Pid
		o.monitor.Update(st.Name, running)
		o.logger.Info("stage started", "stage", st.Name, "pid", cmd.Process.Pid,
			"sources", strings.Join(st.Sources, " "), "outputs", strings.Join(st.Outputs, " "))
	}
	return nil
}

// supervise reaps one child and turns an unexpected death into the error
// that cancels the group.
func (o *Orchestrator) supervise(i int) error {
	st := o.stages[i]
	waitErr := o.procs[i].Wait()
	code := exitCode(o.procs[i], waitErr)
	o.metrics.stageExited(code == 0)

	if code == 0 {
		o.monitor.UpdateDegraded(st.Name, "exited")
		o.logger.Info("stage exited", "stage", st.Name)
		return nil
	}

	// Death by the signal we sent during a coordinated stop is the
	// orchestrated path, not a crash. The stopping flag is set before
	// any signal goes out, so this read cannot race the send.
	if o.stopping.Load() &&
		(code == 128+int(syscall.SIGTERM) || code == 128+int(syscall.SIGKILL)) {
		o.monitor.UpdateDegraded(st.Name, "terminated")
		o.logger.Info("stage terminated", "stage", st.Name)
		return nil
	}

	o.monitor.UpdateUnhealthy(st.Name, fmt.Sprintf("exit code %d", code))

	o.mu.Lock()
	first := o.exitCode == 0
	if first {
		o.exitCode = code
	}
	o.mu.Unlock()

	if first {
		o.logger.Error("stage died unexpectedly, stopping pipeline",
			"stage", st.Name, "exit_code", code)
	} else {
		o.logger.Warn("stage exited during shutdown", "stage", st.Name, "exit_code", code)
	}
	return errors.WrapCrash(
		fmt.Errorf("stage %q exited with code %d: %w", st.Name, code, errors.ErrChildCrashed),
		"orchestrator", "Run", "supervise stage")
}

// shutdown signals every live child with SIGTERM and escalates to SIGKILL
// for any still alive once the grace period lapses. Safe to call from
// multiple goroutines; only the first call acts.
func (o *Orchestrator) shutdown() {
	o.stopOnce.Do(func() {
		select {
		case <-o.allDone:
			// Group already fully reaped; nothing left to stop.
			return
		default:
		}
		o.stopping.Store(true)
		o.logger.Info("stopping stages", "grace", o.grace)
		for i, cmd := range o.procs {
			// Signal on an already-reaped child returns ErrProcessDone;
			// either way there is nothing more to do for it.
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				o.logger.Debug("signal stage", "stage", o.stages[i].Name, "error", err)
			}
		}
		go func() {
			select {
			case <-o.allDone:
			case <-time.After(o.grace):
				for i, cmd := range o.procs {
					if err := cmd.Process.Kill(); err == nil {
						o.logger.Warn("killed unresponsive stage", "stage", o.stages[i].Name)
					}
				}
			}
		}()
	})
}

// childEnv builds the environment for a stage process: the orchestrator's
// own environment, the wiring contract variables, then the stage's
// declared overrides.
func (o *Orchestrator) childEnv(st Stage) []string {
	env := os.Environ()
	env = append(env,
		"OPENFILTER_STAGE_NAME="+st.Name,
		"OPENFILTER_SOURCES="+strings.Join(st.Sources, ","),
		"OPENFILTER_OUTPUTS="+strings.Join(st.Outputs, ","),
		"OPENFILTER_EXIT_MODE="+string(o.pipeline.StageByName(st.Name).Mode()),
		"OPENFILTER_GRACE_PERIOD="+o.grace.String(),
		"OPENFILTER_SEND_TIMEOUT="+o.pipeline.SendTimeout.Std().String(),
		fmt.Sprintf("OPENFILTER_FORCE_ADVANCE=%t", o.pipeline.ForceAdvance),
	)
	if o.pipeline.LogLevel != "" {
		env = append(env, "OPENFILTER_LOG_LEVEL="+o.pipeline.LogLevel)
	}
	if o.pipeline.LogFormat != "" {
		env = append(env, "OPENFILTER_LOG_FORMAT="+o.pipeline.LogFormat)
	}
	if settings := o.pipeline.StageByName(st.Name).Settings; len(settings) > 0 {
		if raw, err := json.Marshal(settings); err == nil {
			env = append(env, "OPENFILTER_SETTINGS="+string(raw))
		}
	}
	for k, v := range st.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// resolveStages applies the defaulting rules to every stage in order.
func resolveStages(p *config.Pipeline, selfArgv []string) ([]Stage, error) {
	stages := make([]Stage, len(p.Stages))
	for i := range p.Stages {
		sc := &p.Stages[i]
		st := Stage{
			Name:    sc.Name,
			Argv:    sc.Command,
			Sources: append([]string(nil), sc.Sources...),
			Outputs: append([]string(nil), sc.Outputs...),
			Env:     sc.Env,
		}
		if len(st.Argv) == 0 {
			st.Argv = selfArgv
		}
		if len(st.Outputs) == 0 {
			st.Outputs = []string{fmt.Sprintf("tcp://127.0.0.1:%d", basePort+i)}
		}
		if len(st.Sources) == 0 && i > 0 {
			st.Sources = append([]string(nil), stages[i-1].Outputs...)
		}
		stages[i] = st
	}
	return stages, nil
}

// resolveEdges matches every stage's sources against every other stage's
// outputs by listen address. Sources that match nothing are external
// endpoints and produce no edge.
func resolveEdges(stages []Stage) ([]Edge, error) {
	outputs := make(map[string]int) // address key -> producing stage
	for i, st := range stages {
		for _, spec := range st.Outputs {
			eps, err := connspec.Parse(spec)
			if err != nil {
				return nil, err
			}
			for _, ep := range eps {
				outputs[addressKey(ep)] = i
			}
		}
	}

	var edges []Edge
	seen := make(map[Edge]struct{})
	for j, st := range stages {
		for _, spec := range st.Sources {
			eps, err := connspec.Parse(spec)
			if err != nil {
				return nil, err
			}
			for _, ep := range eps {
				i, ok := outputs[addressKey(ep)]
				if !ok || i == j {
					continue
				}
				e := Edge{From: i, To: j}
				if _, dup := seen[e]; dup {
					continue
				}
				seen[e] = struct{}{}
				edges = append(edges, e)
			}
		}
	}
	return edges, nil
}

func addressKey(ep connspec.Endpoint) string {
	scheme := ep.Scheme
	if scheme == connspec.SchemeWS {
		// tcp and ws name the same transport; a ws:// source must match a
		// tcp:// output on the same address.
		scheme = connspec.SchemeTCP
	}
	return scheme + "|" + ep.Address + "|" + ep.Path
}

// exitCode extracts a shell-style exit code from a reaped process. A
// signal death maps to 128+signo, matching what a shell would report.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState == nil {
		return 1
	}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return 1
}
