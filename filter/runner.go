package filter

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/router"
	"github.com/abhijit10m/openfilter/transport"
)

// BatchSource is the consumer side of one input channel as the run loop sees
// it. transport.Receiver implements it; tests substitute their own.
type BatchSource interface {
	TryRecv() (frame.Envelope, bool)
	Done() <-chan struct{}
	Err() error
	ExitSignals() <-chan transport.Signal
	Close() error
}

// BatchSink is the producer side of one output channel as the run loop sees
// it. transport.Sender implements it.
type BatchSink interface {
	Send(ctx context.Context, batch frame.Batch) error
	BroadcastExit(sig transport.Signal)
	Close() error
}

// Runner drives one Filter through its lifecycle. Each Runner owns exactly
// one goroutine's worth of hot loop; all blocking waits are bounded by the
// poll interval and re-check the cooperative cancellation flag.
type Runner struct {
	cfg    Config
	fil    Filter
	logger *slog.Logger
	rt     *router.Router

	sources   []BatchSource
	sourceEPs []connspec.Endpoint
	sinks     []BatchSink

	// wired is true when sources/sinks were injected rather than built from
	// connection specs; injected runners also leave OS signals alone.
	wired bool

	mu    sync.Mutex
	state State

	// draining is set when an upstream stage announced its exit: the loop
	// finishes the envelopes already received, then stops cleanly.
	draining atomic.Bool

	metrics      *runnerMetrics
	teardownOnce sync.Once
}

// NewRunner creates a runner that builds its transports from the config's
// connection specs when Run is called.
func NewRunner(fil Filter, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:     cfg,
		fil:     fil,
		logger:  cfg.Logger.With("component", "runner", "stage", cfg.ID),
		rt:      router.New(cfg.Logger),
		state:   StateCreated,
		metrics: newRunnerMetrics(cfg.Registerer, cfg.ID),
	}
}

// NewRunnerWith creates a runner over pre-built sources and sinks. sourceEPs
// must parallel sources; it supplies each source's topic mapping.
func NewRunnerWith(fil Filter, cfg Config, sources []BatchSource, sourceEPs []connspec.Endpoint, sinks []BatchSink) *Runner {
	r := NewRunner(fil, cfg)
	r.sources = sources
	r.sourceEPs = sourceEPs
	r.sinks = sinks
	r.wired = true
	return r
}

// State returns the current lifecycle state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.metrics.recordState(s)
	r.logger.Debug("stage state changed", "state", s.String())
}

// Run executes the full lifecycle and blocks until the stage has stopped.
// A nil return means the stage stopped cleanly, including stops triggered by
// upstream exit propagation, OS signals, or parent-process death.
func (r *Runner) Run(ctx context.Context) error {
	r.setState(StateSettingUp)

	if !r.wired {
		if err := r.buildTransports(ctx); err != nil {
			r.setState(StateFailed)
			return err
		}
	}

	if err := r.fil.Setup(r.cfg); err != nil {
		r.closeTransports()
		r.setState(StateFailed)
		return errors.Wrap(fmt.Errorf("%w: %w", errors.ErrSetupFailed, err), "Runner", "Run", "setup")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var watcherWG sync.WaitGroup
	r.startWatcher(runCtx, cancel, &watcherWG)

	r.setState(StateRunning)
	r.logger.Info("stage running",
		"sources", len(r.sources), "outputs", len(r.sinks), "exit_mode", string(r.cfg.ExitMode))

	runErr := r.loop(runCtx)

	cancel()
	r.teardown(runErr)
	watcherWG.Wait()
	return runErr
}

func (r *Runner) buildTransports(ctx context.Context) error {
	outEPs, err := connspec.ParseList(r.cfg.Outputs)
	if err != nil {
		return err
	}
	srcEPs, err := connspec.ParseList(r.cfg.Sources)
	if err != nil {
		return err
	}

	var metrics *transport.Metrics
	if r.cfg.Registerer != nil {
		metrics = transport.NewMetrics(r.cfg.Registerer)
	}

	for _, ep := range outEPs {
		sender, err := transport.NewSender(transport.SenderConfig{
			Endpoint:     ep,
			SendTimeout:  r.cfg.SendTimeout,
			ForceAdvance: r.cfg.ForceAdvance,
			Logger:       r.cfg.Logger,
			Metrics:      metrics,
		})
		if err != nil {
			r.closeTransports()
			return err
		}
		r.sinks = append(r.sinks, sender)
	}

	for _, ep := range srcEPs {
		recv, err := transport.NewReceiver(ctx, transport.ReceiverConfig{
			Endpoint: ep,
			ClientID: r.cfg.ID + "/" + ep.Name(),
			Logger:   r.cfg.Logger,
			Metrics:  metrics,
		})
		if err != nil {
			r.closeTransports()
			return err
		}
		r.sources = append(r.sources, recv)
		r.sourceEPs = append(r.sourceEPs, ep)
	}
	return nil
}

// startWatcher launches the background watcher that funnels every external
// stop request into the cooperative cancel: OS signals, parent-process
// death, and in-band exit signals from upstream stages.
func (r *Runner) startWatcher(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	exitCh := make(chan transport.Signal, len(r.sources)+1)
	for _, src := range r.sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case sig := <-src.ExitSignals():
					select {
					case exitCh <- sig:
					default:
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var sigCh chan os.Signal
	if !r.wired {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	parentPID := os.Getppid()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if sigCh != nil {
			defer signal.Stop(sigCh)
		}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-exitCh:
				// Drain rather than cancel: envelopes the producer pushed
				// before announcing its exit still get processed.
				r.logger.Info("upstream stage stopped, draining remaining input",
					"origin_stage", sig.StageID, "signal_mode", string(sig.Mode))
				r.draining.Store(true)
				return
			case s := <-sigChOrNil(sigCh):
				r.logger.Info("received OS signal, shutting down", "signal", s.String())
				cancel()
				return
			case <-ticker.C:
				if os.Getppid() != parentPID {
					r.logger.Warn("parent process died, shutting down")
					cancel()
					return
				}
			}
		}
	}()
}

// sigChOrNil lets the watcher select over an absent signal channel
func sigChOrNil(ch chan os.Signal) <-chan os.Signal {
	if ch == nil {
		return nil
	}
	return ch
}

// loop is the RUNNING hot loop: one receive/process/send cycle in flight at
// a time, cancellation checked at the top of each iteration and inside every
// blocking wait.
func (r *Runner) loop(ctx context.Context) error {
	for ctx.Err() == nil {
		batch, ok, err := r.receive(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil // cancelled during the receive wait
		}

		started := time.Now()
		out, err := r.fil.Process(batch)
		r.metrics.recordCycle(time.Since(started).Seconds())
		if stderrors.Is(err, ErrDone) {
			r.logger.Info("filter finished its input, stopping")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "Runner", "loop", "process")
		}
		if len(out) == 0 {
			continue
		}

		for _, sink := range r.sinks {
			if err := sink.Send(ctx, out); err != nil {
				if ctx.Err() != nil {
					return nil // send interrupted by our own shutdown
				}
				return err
			}
		}
	}
	return nil
}

// receive blocks until at least one source has a ready batch or the loop is
// cancelled, waking every poll interval to check the flag. All batches ready
// in the same cycle are routed and merged, later sources winning collisions.
func (r *Runner) receive(ctx context.Context) (frame.Batch, bool, error) {
	if len(r.sources) == 0 {
		// Source stages pace themselves inside Process.
		return frame.Batch{}, true, nil
	}

	timer := time.NewTimer(r.cfg.PollInterval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil, false, nil
		}

		var routed []frame.Batch
		for i, src := range r.sources {
			if env, ready := src.TryRecv(); ready {
				routed = append(routed, r.rt.Route(env.Topics, r.sourceEPs[i]))
				continue
			}
			select {
			case <-src.Done():
				if err := src.Err(); err != nil {
					return nil, false, errors.Wrap(err, "Runner", "receive", "source read")
				}
			default:
			}
		}
		if len(routed) > 0 {
			return r.rt.Merge(routed...), true, nil
		}
		if r.draining.Load() {
			return nil, false, nil // upstream exited and its input is drained
		}

		timer.Reset(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil, false, nil
		case <-timer.C:
		}
	}
}

// teardown runs the shutdown path exactly once: forward the exit signal when
// this stage propagates, run the filter's teardown hook, then close the
// transports.
func (r *Runner) teardown(runErr error) {
	r.teardownOnce.Do(func() {
		r.setState(StateShuttingDown)

		if r.cfg.ExitMode == transport.ExitPropagate {
			sig := transport.Signal{
				Mode:      transport.ExitPropagate,
				StageID:   r.cfg.ID,
				Timestamp: time.Now().UTC(),
			}
			for _, sink := range r.sinks {
				sink.BroadcastExit(sig)
			}
		}

		if err := r.fil.Shutdown(); err != nil {
			r.logger.Error("filter teardown failed", "error", err)
		}

		r.closeTransports()

		if runErr != nil {
			r.setState(StateFailed)
			r.logger.Error("stage stopped with failure", "error", runErr)
			return
		}
		r.setState(StateStopped)
		r.logger.Info("stage stopped cleanly")
	})
}

func (r *Runner) closeTransports() {
	for _, src := range r.sources {
		if err := src.Close(); err != nil {
			r.logger.Debug("source close failed", "error", err)
		}
	}
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil {
			r.logger.Debug("sink close failed", "error", err)
		}
	}
}
