package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/pkg/retry"
)

// Channel states on the producer side
type channelState int

const (
	stateIdle channelState = iota
	statePending
	stateFaulted
)

func (s channelState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePending:
		return "pending"
	case stateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// SenderConfig configures one output channel
type SenderConfig struct {
	// Endpoint is the listen endpoint (tcp/ws address or ipc socket path)
	Endpoint connspec.Endpoint
	// SendTimeout bounds the PENDING wait (the backpressure grace period).
	// Zero means unbounded, the default.
	SendTimeout time.Duration
	// ForceAdvance completes a send on grace expiry by dropping the laggard
	// clients' gating instead of failing the send.
	ForceAdvance bool
	// WriteTimeout is the per-socket write deadline
	WriteTimeout time.Duration
	// Retry bounds socket write retries before the channel faults
	Retry retry.Config
	// Logger falls back to slog.Default
	Logger *slog.Logger
	// Metrics may be nil
	Metrics *Metrics
}

// Sender is the producer side of one flow-controlled channel. It serves a
// websocket endpoint; consumers connect, identify themselves, and request
// msg_ids. Send blocks until every client registered at assignment time has
// requested the envelope's id, converting backpressure into upstream stall
// rather than memory growth.
type Sender struct {
	cfg     SenderConfig
	name    string
	logger  *slog.Logger
	metrics *Metrics

	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	events chan senderEvent
	quit   chan struct{}

	sendMu    sync.Mutex // serializes Send: at most one PENDING batch
	closeOnce sync.Once
	wg        sync.WaitGroup

	clientCount atomic.Int64
	stallLog    *rate.Limiter
}

type registeredClient struct {
	id        string
	conn      *websocket.Conn
	requested uint64 // highest msg_id the client signalled readiness for
	delivered uint64 // highest msg_id actually written to the client
	joinedAt  uint64 // last msg_id already assigned when the client registered
}

type pendingSend struct {
	msgID   uint64
	encoded []byte
	started time.Time
	gate    map[string]struct{} // client ids registered at assignment time
	done    chan error
}

type completedSend struct {
	msgID   uint64
	encoded []byte
}

type senderEvent interface{ isSenderEvent() }

type evConnect struct {
	id   string
	conn *websocket.Conn
}
type evDisconnect struct{ id string }
type evRequest struct {
	id    string
	msgID uint64
}
type evSend struct {
	encoded []byte // envelope bytes with a zero msg_id prefix, patched in-loop
	done    chan error
}
type evResolve struct {
	msgID uint64
	force bool
}
type evExit struct {
	sig  Signal
	done chan struct{}
}

func (evConnect) isSenderEvent()    {}
func (evDisconnect) isSenderEvent() {}
func (evRequest) isSenderEvent()    {}
func (evSend) isSenderEvent()       {}
func (evResolve) isSenderEvent()    {}
func (evExit) isSenderEvent()       {}

// NewSender starts listening on the endpoint and serving consumer
// connections. Address errors surface here, before any data is produced.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Send()
	}

	var (
		listener net.Listener
		err      error
	)
	switch cfg.Endpoint.Scheme {
	case connspec.SchemeTCP, connspec.SchemeWS:
		listener, err = net.Listen("tcp", cfg.Endpoint.Address)
	case connspec.SchemeIPC:
		// A previous unclean exit may have left the socket file behind.
		_ = os.Remove(cfg.Endpoint.Address)
		listener, err = net.Listen("unix", cfg.Endpoint.Address)
	default:
		err = fmt.Errorf("%q: %w", cfg.Endpoint.Scheme, errors.ErrUnknownScheme)
	}
	if err != nil {
		return nil, errors.WrapConfig(err, "Sender", "NewSender", "listen")
	}

	s := &Sender{
		cfg:      cfg,
		name:     cfg.Endpoint.Name(),
		metrics:  cfg.Metrics,
		listener: listener,
		events:   make(chan senderEvent, 64),
		quit:     make(chan struct{}),
		stallLog: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	s.logger = cfg.Logger.With("component", "sender", "channel", s.name)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	path := cfg.Endpoint.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleConnection)
	s.server = &http.Server{Handler: mux}

	s.wg.Add(2)
	go s.serve()
	go s.loop()
	return s, nil
}

// Addr returns the actual listen address, useful with a ":0" endpoint
func (s *Sender) Addr() string {
	return s.listener.Addr().String()
}

// Clients returns the number of currently registered consumers
func (s *Sender) Clients() int {
	return int(s.clientCount.Load())
}

// Send assigns the next msg_id to the batch and blocks until every client
// registered at assignment time has requested it, the grace period elapses,
// or ctx is cancelled. A second concurrent Send blocks until the first
// resolves.
func (s *Sender) Send(ctx context.Context, batch frame.Batch) error {
	encoded, err := frame.EncodeEnvelope(frame.Envelope{Topics: batch})
	if err != nil {
		return errors.WrapTransport(err, "Sender", "Send", "envelope encoding")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	done := make(chan error, 1)
	select {
	case s.events <- evSend{encoded: encoded, done: done}:
	case <-s.quit:
		return errors.WrapTransport(errors.ErrChannelClosed, "Sender", "Send", "submit")
	}

	var graceCh <-chan time.Time
	if s.cfg.SendTimeout > 0 {
		timer := time.NewTimer(s.cfg.SendTimeout)
		defer timer.Stop()
		graceCh = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-s.quit:
		// Close racing this Send: the loop may have resolved the event
		// just before exiting, so prefer its verdict when one exists.
		select {
		case err := <-done:
			return err
		default:
		}
		return errors.WrapTransport(errors.ErrChannelClosed, "Sender", "Send", "shutdown")
	case <-ctx.Done():
		// The msg_id stays consumed; clients that already pulled the
		// envelope keep it.
		s.resolvePending(false)
		if err := <-done; err == nil {
			return nil // completed just before the cancellation landed
		}
		return errors.WrapTransport(
			fmt.Errorf("%w: %w", errors.ErrSendInterrupted, ctx.Err()),
			"Sender", "Send", "pending wait")
	case <-graceCh:
		if s.stallLog.Allow() {
			s.logger.Warn("backpressure grace period expired",
				"grace", s.cfg.SendTimeout, "force_advance", s.cfg.ForceAdvance)
		}
		if s.cfg.ForceAdvance {
			s.resolvePending(true)
			return <-done
		}
		s.resolvePending(false)
		if err := <-done; err == nil {
			return nil
		}
		return errors.WrapBackpressure(errors.ErrGraceExpired, "Sender", "Send", "pending wait")
	}
}

// resolvePending asks the loop to resolve the current pending batch. force
// completes it by dropping laggard gating; otherwise the batch is parked as
// the last completed envelope so responsive-but-slow clients can still pull
// it.
func (s *Sender) resolvePending(force bool) {
	select {
	case s.events <- evResolve{force: force}:
	case <-s.quit:
	}
}

// BroadcastExit pushes an exit signal to every connected consumer
// immediately, outside flow control. Delivery is best effort; the call
// returns once the writes have been attempted, so a Close right after
// cannot race the broadcast away.
func (s *Sender) BroadcastExit(sig Signal) {
	done := make(chan struct{})
	select {
	case s.events <- evExit{sig: sig, done: done}:
	case <-s.quit:
		return
	}
	select {
	case <-done:
	case <-s.quit:
	}
}

// Close stops the server and fails any pending send
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.server.Close()
		if s.cfg.Endpoint.Scheme == connspec.SchemeIPC {
			_ = os.Remove(s.cfg.Endpoint.Address)
		}
	})
	s.wg.Wait()
	return nil
}

func (s *Sender) serve() {
	defer s.wg.Done()
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		select {
		case <-s.quit:
		default:
			s.logger.Error("channel server failed", "error", err)
		}
	}
}

// handleConnection upgrades a consumer connection, waits for its hello, and
// pumps its control messages into the event loop. All writes to the
// connection happen on the loop goroutine; this goroutine only reads.
func (s *Sender) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	hello, err := decodeControl(data)
	if err != nil || hello.Type != msgHello || hello.ClientID == "" {
		s.logger.Debug("consumer sent invalid hello, dropping connection")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	select {
	case s.events <- evConnect{id: hello.ClientID, conn: conn}:
	case <-s.quit:
		_ = conn.Close()
		return
	}

readPump:
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := decodeControl(data)
		if err != nil {
			s.logger.Debug("dropping undecodable control message", "client", hello.ClientID, "error", err)
			continue
		}
		if msg.Type != msgRequest {
			continue
		}
		select {
		case s.events <- evRequest{id: hello.ClientID, msgID: msg.MsgID}:
		case <-s.quit:
			break readPump
		}
	}

	_ = conn.Close()
	select {
	case s.events <- evDisconnect{id: hello.ClientID}:
	case <-s.quit:
	}
}

// loop is the single goroutine that owns the client registry and all
// flow-control state. No locking: every mutation arrives as an event.
func (s *Sender) loop() {
	defer s.wg.Done()

	clients := make(map[string]*registeredClient)
	var (
		pending   *pendingSend
		last      *completedSend
		lastMsgID uint64
		state     = stateIdle
	)

	completePending := func() {
		wait := time.Since(pending.started).Seconds()
		s.metrics.recordSent(s.name, wait)
		last = &completedSend{msgID: pending.msgID, encoded: pending.encoded}
		pending.done <- nil
		pending = nil
		state = stateIdle
	}

	faultChannel := func(cause error) {
		s.logger.Error("channel faulted", "error", cause)
		state = stateFaulted
		if pending != nil {
			pending.done <- errors.WrapTransport(
				fmt.Errorf("%w: %w", errors.ErrChannelFaulted, cause),
				"Sender", "Send", "socket write")
			pending = nil
		}
		for _, c := range clients {
			_ = c.conn.Close()
		}
	}

	// deliver writes an envelope to one client, retrying with identical
	// bytes. Exhausting the retries faults the whole channel.
	deliver := func(c *registeredClient, msgID uint64, encoded []byte) bool {
		err := retry.Do(context.Background(), s.cfg.Retry, func() error {
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			werr := c.conn.WriteMessage(websocket.BinaryMessage, encoded)
			if werr != nil {
				s.metrics.recordRetry(s.name)
			}
			return werr
		})
		if err != nil {
			faultChannel(fmt.Errorf("write msg %d to client %s: %w", msgID, c.id, err))
			return false
		}
		c.delivered = msgID
		return true
	}

	skipTo := func(c *registeredClient, next uint64) {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage,
			encodeControl(controlMessage{Type: msgSkip, NextMsgID: next})); err != nil {
			s.logger.Debug("skip notification failed", "client", c.id, "error", err)
		}
	}

	for {
		var ev senderEvent
		select {
		case <-s.quit:
			if pending != nil {
				pending.done <- errors.WrapTransport(errors.ErrChannelClosed, "Sender", "Send", "shutdown")
				pending = nil
			}
			// A Send racing Close may have queued its event before quit
			// was observed; its caller is still waiting on done.
			for drained := false; !drained; {
				select {
				case ev := <-s.events:
					switch ev := ev.(type) {
					case evSend:
						ev.done <- errors.WrapTransport(errors.ErrChannelClosed, "Sender", "Send", "shutdown")
					case evExit:
						close(ev.done)
					}
				default:
					drained = true
				}
			}
			for _, c := range clients {
				_ = c.conn.Close()
			}
			return
		case ev = <-s.events:
		}

		switch ev := ev.(type) {
		case evConnect:
			if prev, ok := clients[ev.id]; ok {
				// Reconnect under the same id: the old connection is dead.
				_ = prev.conn.Close()
				if pending != nil {
					delete(pending.gate, ev.id)
					if len(pending.gate) == 0 {
						completePending()
					}
				}
			}
			// A client connecting mid-flight starts at requested id 0. It
			// gates all future batches, but is only eligible for envelopes
			// assigned after it joined: batches already SENT or already
			// pending are never delivered to it.
			clients[ev.id] = &registeredClient{id: ev.id, conn: ev.conn, joinedAt: lastMsgID}
			s.clientCount.Store(int64(len(clients)))
			s.metrics.setClients(s.name, len(clients))
			s.logger.Debug("consumer registered", "client", ev.id, "clients", len(clients))

		case evDisconnect:
			c, ok := clients[ev.id]
			if !ok {
				break
			}
			_ = c.conn.Close()
			delete(clients, ev.id)
			s.clientCount.Store(int64(len(clients)))
			s.metrics.setClients(s.name, len(clients))
			s.logger.Debug("consumer deregistered", "client", ev.id, "clients", len(clients))
			// A disconnecting client can no longer block a pending batch.
			if pending != nil {
				delete(pending.gate, ev.id)
				if len(pending.gate) == 0 {
					completePending()
				}
			}

		case evRequest:
			c, ok := clients[ev.id]
			if !ok {
				break
			}
			if ev.msgID > c.requested {
				c.requested = ev.msgID
			}
			floor := c.joinedAt + 1 // first msg_id this client is eligible for
			switch {
			case pending != nil && pending.msgID >= floor:
				if c.requested >= pending.msgID && c.delivered < pending.msgID {
					if deliver(c, pending.msgID, pending.encoded) {
						delete(pending.gate, c.id)
						if len(pending.gate) == 0 {
							completePending()
						}
					}
				} else if ev.msgID < pending.msgID {
					// Requested an envelope this channel no longer holds.
					skipTo(c, pending.msgID)
				}
			case pending != nil:
				// Ineligible for the pending batch: point past it.
				skipTo(c, pending.msgID+1)
			case last != nil && last.msgID >= floor && ev.msgID == last.msgID && c.delivered < last.msgID:
				// A responsive-but-slow client catching up on the most
				// recently completed envelope.
				deliver(c, last.msgID, last.encoded)
			case ev.msgID <= lastMsgID:
				// Everything up to lastMsgID is gone for this client: either
				// SENT before it joined or superseded. Never replayed.
				skipTo(c, lastMsgID+1)
			}

		case evSend:
			if state == stateFaulted {
				ev.done <- errors.WrapTransport(errors.ErrChannelFaulted, "Sender", "Send", "submit")
				break
			}
			lastMsgID++
			binary.BigEndian.PutUint64(ev.encoded[:8], lastMsgID)
			pending = &pendingSend{
				msgID:   lastMsgID,
				encoded: ev.encoded,
				started: time.Now(),
				gate:    make(map[string]struct{}, len(clients)),
				done:    ev.done,
			}
			state = statePending
			for id := range clients {
				pending.gate[id] = struct{}{}
			}
			// Fast path: clients that requested ahead take delivery now.
			for _, c := range clients {
				if pending == nil {
					break
				}
				if c.requested >= pending.msgID && c.delivered < pending.msgID {
					if deliver(c, pending.msgID, pending.encoded) {
						delete(pending.gate, c.id)
						if len(pending.gate) == 0 {
							completePending()
						}
					}
				}
			}
			// No registered clients: the guarantee is over registered
			// consumers, so the batch is vacuously SENT.
			if pending != nil && len(pending.gate) == 0 {
				completePending()
			}

		case evResolve:
			if pending == nil {
				break
			}
			if ev.force {
				for id := range pending.gate {
					s.logger.Warn("force-advancing past laggard client",
						"client", id, "msg_id", pending.msgID)
					delete(pending.gate, id)
				}
				completePending()
				break
			}
			// Abort: park the envelope as last-completed so slow but
			// responsive clients can still pull it, then fail the send.
			last = &completedSend{msgID: pending.msgID, encoded: pending.encoded}
			pending.done <- errors.WrapBackpressure(errors.ErrGraceExpired, "Sender", "Send", "pending wait")
			pending = nil
			state = stateIdle

		case evExit:
			payload := encodeControl(controlMessage{Type: msgExit, Exit: &ev.sig})
			for _, c := range clients {
				_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					s.logger.Debug("exit broadcast failed", "client", c.id, "error", err)
				}
			}
			s.logger.Info("exit signal broadcast",
				"mode", ev.sig.Mode, "stage", ev.sig.StageID, "clients", len(clients))
			close(ev.done)
		}
	}
}
