package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/pkg/retry"
)

// ReceiverConfig configures one source endpoint
type ReceiverConfig struct {
	// Endpoint is the producer endpoint to dial
	Endpoint connspec.Endpoint
	// ClientID identifies this consumer across reconnects. Defaults to a
	// fresh uuid.
	ClientID string
	// Retry bounds the dial/reconnect loop
	Retry retry.Config
	// Logger falls back to slog.Default
	Logger *slog.Logger
	// Metrics may be nil
	Metrics *Metrics
}

// Receiver is the consumer side of one channel. It dials the producer,
// identifies itself, and drives the credit loop: request msg_id n, receive
// envelope n, request n+1. With the endpoint's strict-sync option the next
// request waits until the caller has consumed the previous envelope, pinning
// the producer to the consumption rate.
type Receiver struct {
	cfg     ReceiverConfig
	name    string
	logger  *slog.Logger
	metrics *Metrics

	out   chan frame.Envelope
	exits chan Signal

	cancel    context.CancelFunc
	closed    chan struct{} // run loop exited; failErr is then readable
	failErr   error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReceiver creates a receiver and starts its connection loop
func NewReceiver(ctx context.Context, cfg ReceiverConfig) (*Receiver, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Reconnect()
	}
	switch cfg.Endpoint.Scheme {
	case connspec.SchemeTCP, connspec.SchemeWS, connspec.SchemeIPC:
	default:
		return nil, errors.WrapConfig(
			fmt.Errorf("%q: %w", cfg.Endpoint.Scheme, errors.ErrUnknownScheme),
			"Receiver", "NewReceiver", "endpoint validation")
	}

	outCap := 1
	if cfg.Endpoint.Options.Sync {
		// Strict-sync: no client-side buffering, the request loop moves at
		// the caller's pace.
		outCap = 0
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Receiver{
		cfg:     cfg,
		name:    cfg.Endpoint.Name(),
		metrics: cfg.Metrics,
		out:     make(chan frame.Envelope, outCap),
		exits:   make(chan Signal, 4),
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	r.logger = cfg.Logger.With("component", "receiver", "endpoint", r.name, "client_id", cfg.ClientID)

	r.wg.Add(1)
	go r.run(runCtx)
	return r, nil
}

// Endpoint returns the receiver's source endpoint descriptor
func (r *Receiver) Endpoint() connspec.Endpoint {
	return r.cfg.Endpoint
}

// Recv returns the next envelope. ok is false with a nil error when ctx
// expires first (the caller's poll tick) and false with an error when the
// receiver has terminally failed or was closed.
func (r *Receiver) Recv(ctx context.Context) (frame.Envelope, bool, error) {
	select {
	case env := <-r.out:
		return env, true, nil
	case <-ctx.Done():
		return frame.Envelope{}, false, nil
	case <-r.closed:
		// Drain what the run loop delivered before exiting.
		select {
		case env := <-r.out:
			return env, true, nil
		default:
		}
		err := r.failErr
		if err == nil {
			err = errors.WrapTransport(errors.ErrChannelClosed, "Receiver", "Recv", "channel wait")
		}
		return frame.Envelope{}, false, err
	}
}

// TryRecv returns a ready envelope without blocking
func (r *Receiver) TryRecv() (frame.Envelope, bool) {
	select {
	case env := <-r.out:
		return env, true
	default:
		return frame.Envelope{}, false
	}
}

// Done is closed when the connection loop has exited, either through Close
// or a terminal failure; Err then reports the failure, if any.
func (r *Receiver) Done() <-chan struct{} {
	return r.closed
}

// Err returns the terminal failure after Done is closed
func (r *Receiver) Err() error {
	select {
	case <-r.closed:
		return r.failErr
	default:
		return nil
	}
}

// ExitSignals returns the in-band exit signals observed on this channel
func (r *Receiver) ExitSignals() <-chan Signal {
	return r.exits
}

// Close stops the connection loop
func (r *Receiver) Close() error {
	r.closeOnce.Do(r.cancel)
	r.wg.Wait()
	return nil
}

func (r *Receiver) run(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.closed)

	next := uint64(1)
	for ctx.Err() == nil {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.failErr = errors.WrapTransport(err, "Receiver", "run", "dial")
				r.logger.Error("giving up connecting to producer", "error", err)
			}
			return
		}
		r.logger.Debug("connected to producer", "next_msg_id", next)

		if err := r.consume(ctx, conn, &next); err != nil && ctx.Err() == nil {
			r.logger.Warn("connection lost, reconnecting", "error", err, "next_msg_id", next)
			continue
		}
		return
	}
}

// dial connects, with bounded backoff, and completes the hello handshake
func (r *Receiver) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	url := "ws://" + r.cfg.Endpoint.Address
	if r.cfg.Endpoint.Scheme == connspec.SchemeIPC {
		socketPath := r.cfg.Endpoint.Address
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}
		url = "ws://unix"
	}
	if r.cfg.Endpoint.Path != "" {
		url += r.cfg.Endpoint.Path
	}

	return retry.DoWithResult(ctx, r.cfg.Retry, func() (*websocket.Conn, error) {
		conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		hello := encodeControl(controlMessage{Type: msgHello, ClientID: r.cfg.ClientID})
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	})
}

// consume runs the credit loop on one connection until it breaks or ctx ends.
// A nil return means ctx ended (clean stop); an error means reconnect.
func (r *Receiver) consume(ctx context.Context, conn *websocket.Conn, next *uint64) error {
	defer func() { _ = conn.Close() }()

	// Unblock blocking reads on cancellation.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	request := func(id uint64) error {
		msg := encodeControl(controlMessage{Type: msgRequest, MsgID: id})
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}

	if err := request(*next); err != nil {
		return fmt.Errorf("request msg %d: %w", *next, err)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			env, err := frame.DecodeEnvelope(data)
			if err != nil {
				r.logger.Error("dropping undecodable envelope", "error", err)
				continue
			}
			if env.MsgID < *next {
				// Duplicate from a retried producer write.
				r.logger.Debug("dropping duplicate envelope", "msg_id", env.MsgID)
				continue
			}
			r.metrics.recordReceived(r.name)
			*next = env.MsgID + 1

			if r.cfg.Endpoint.Options.Sync {
				// Strict-sync: hand over first, request only once consumed.
				select {
				case r.out <- env:
				case <-ctx.Done():
					return nil
				}
				if err := request(*next); err != nil {
					return fmt.Errorf("request msg %d: %w", *next, err)
				}
			} else {
				if err := request(*next); err != nil {
					return fmt.Errorf("request msg %d: %w", *next, err)
				}
				select {
				case r.out <- env:
				case <-ctx.Done():
					return nil
				}
			}

		case websocket.TextMessage:
			msg, err := decodeControl(data)
			if err != nil {
				r.logger.Debug("dropping undecodable control message", "error", err)
				continue
			}
			switch msg.Type {
			case msgSkip:
				if msg.NextMsgID > *next {
					r.logger.Info("producer advanced past missed envelopes",
						"from_msg_id", *next, "to_msg_id", msg.NextMsgID)
					*next = msg.NextMsgID
				}
				if err := request(*next); err != nil {
					return fmt.Errorf("request msg %d: %w", *next, err)
				}
			case msgExit:
				if msg.Exit == nil {
					continue
				}
				select {
				case r.exits <- *msg.Exit:
				default:
					r.logger.Warn("exit signal buffer full, dropping duplicate",
						"stage", msg.Exit.StageID)
				}
			}
		}
	}
}
