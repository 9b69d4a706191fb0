package transport

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/errors"
	"github.com/abhijit10m/openfilter/frame"
	"github.com/abhijit10m/openfilter/pkg/retry"
)

func listenEndpoint() connspec.Endpoint {
	return connspec.Endpoint{Scheme: connspec.SchemeTCP, Address: "127.0.0.1:0"}
}

func dialEndpoint(s *Sender) connspec.Endpoint {
	return connspec.Endpoint{Scheme: connspec.SchemeTCP, Address: s.Addr()}
}

func testBatch(seq int) frame.Batch {
	return frame.Batch{
		"main": frame.Frame{Topic: "main", Data: map[string]any{"seq": float64(seq)}},
	}
}

// rawClient speaks the wire protocol directly so tests control exactly when
// credit requests happen.
type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newRawClient(t *testing.T, s *Sender, clientID string) *rawClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		encodeControl(controlMessage{Type: msgHello, ClientID: clientID})))
	c := &rawClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *rawClient) request(msgID uint64) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage,
		encodeControl(controlMessage{Type: msgRequest, MsgID: msgID})))
}

// read returns the next message, decoded: either an envelope or a control
func (c *rawClient) read(timeout time.Duration) (env *frame.Envelope, ctrl *controlMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	msgType, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	if msgType == websocket.BinaryMessage {
		e, err := frame.DecodeEnvelope(data)
		require.NoError(c.t, err)
		return &e, nil
	}
	m, err := decodeControl(data)
	require.NoError(c.t, err)
	return nil, &m
}

func (c *rawClient) close() {
	_ = c.conn.Close()
}

func waitForClients(t *testing.T, s *Sender, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Clients() == n },
		2*time.Second, 5*time.Millisecond, "expected %d registered clients", n)
}

func TestSender_AllClientsReceiveAllBatchesInOrder(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	const clients = 3
	const batches = 5

	receivers := make([]*Receiver, clients)
	for i := range receivers {
		r, err := NewReceiver(ctx, ReceiverConfig{
			Endpoint: dialEndpoint(s),
			ClientID: fmt.Sprintf("client-%d", i),
		})
		require.NoError(t, err)
		defer func() { _ = r.Close() }()
		receivers[i] = r
	}
	waitForClients(t, s, clients)

	sendErr := make(chan error, 1)
	go func() {
		for i := 1; i <= batches; i++ {
			if err := s.Send(ctx, testBatch(i)); err != nil {
				sendErr <- err
				return
			}
		}
		sendErr <- nil
	}()

	// Drain in lockstep across receivers: with one-batch client buffers, a
	// receiver drained far ahead of its peers would just block on the
	// producer's flow control.
	for want := uint64(1); want <= batches; want++ {
		for i, r := range receivers {
			recvCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			env, ok, err := r.Recv(recvCtx)
			cancel()
			require.NoError(t, err)
			require.True(t, ok, "receiver %d timed out waiting for msg %d", i, want)
			assert.Equal(t, want, env.MsgID, "receiver %d out of order", i)
			assert.Equal(t, float64(want), env.Topics["main"].Data["seq"])
		}
	}
	require.NoError(t, <-sendErr)
}

func TestSender_SendBlocksUntilEveryClientRequests(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	fast := newRawClient(t, s, "fast")
	slow := newRawClient(t, s, "slow")
	waitForClients(t, s, 2)

	fast.request(1)
	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), testBatch(1)) }()

	// The fast client takes delivery; the slow one has not requested, so the
	// batch stays PENDING and Send stays blocked.
	env, _ := fast.read(2 * time.Second)
	require.NotNil(t, env)
	assert.Equal(t, uint64(1), env.MsgID)

	select {
	case err := <-done:
		t.Fatalf("Send returned %v while a registered client had not requested", err)
	case <-time.After(150 * time.Millisecond):
	}

	slow.request(1)
	env, _ = slow.read(2 * time.Second)
	require.NotNil(t, env)
	assert.Equal(t, uint64(1), env.MsgID)
	require.NoError(t, <-done)
}

func TestSender_DisconnectingClientStopsBlocking(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	live := newRawClient(t, s, "live")
	expendable := newRawClient(t, s, "expendable")
	waitForClients(t, s, 2)

	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), testBatch(1)) }()

	live.request(1)
	env, _ := live.read(2 * time.Second)
	require.NotNil(t, env)

	select {
	case <-done:
		t.Fatal("Send completed while a registered client never requested")
	case <-time.After(150 * time.Millisecond):
	}

	// Dropping the silent client must release the pending batch for the
	// remaining registered clients.
	expendable.close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send still blocked after the laggard disconnected")
	}
}

func TestSender_LateJoinerSkipsSentBatches(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	first := newRawClient(t, s, "first")
	waitForClients(t, s, 1)

	first.request(1)
	require.NoError(t, s.Send(context.Background(), testBatch(1)))
	env, _ := first.read(2 * time.Second)
	require.NotNil(t, env)

	// Batch 1 is SENT. A client joining now must not receive it.
	late := newRawClient(t, s, "late")
	waitForClients(t, s, 2)
	late.request(1)

	_, ctrl := late.read(2 * time.Second)
	require.NotNil(t, ctrl, "expected a skip, not an envelope")
	assert.Equal(t, msgSkip, ctrl.Type)
	assert.Equal(t, uint64(2), ctrl.NextMsgID)

	// Both clients gate and receive batch 2.
	first.request(2)
	late.request(2)
	require.NoError(t, s.Send(context.Background(), testBatch(2)))

	env, _ = first.read(2 * time.Second)
	require.NotNil(t, env)
	assert.Equal(t, uint64(2), env.MsgID)
	env, _ = late.read(2 * time.Second)
	require.NotNil(t, env)
	assert.Equal(t, uint64(2), env.MsgID)
}

func TestSender_GraceExpiryReturnsBackpressureError(t *testing.T) {
	s, err := NewSender(SenderConfig{
		Endpoint:    listenEndpoint(),
		SendTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	newRawClient(t, s, "silent")
	waitForClients(t, s, 1)

	err = s.Send(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.True(t, errors.IsBackpressure(err))
	assert.ErrorIs(t, err, errors.ErrGraceExpired)
}

func TestSender_GraceExpiryForceAdvances(t *testing.T) {
	s, err := NewSender(SenderConfig{
		Endpoint:     listenEndpoint(),
		SendTimeout:  100 * time.Millisecond,
		ForceAdvance: true,
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	newRawClient(t, s, "silent")
	waitForClients(t, s, 1)

	assert.NoError(t, s.Send(context.Background(), testBatch(1)))
}

func TestSender_NoClientsCompletesImmediately(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// The delivery guarantee covers registered consumers; with none, each
	// batch is vacuously SENT.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Send(ctx, testBatch(1)))
	assert.NoError(t, s.Send(ctx, testBatch(2)))
}

func TestReceiver_PollTickReturnsWithoutEnvelope(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	r, err := NewReceiver(context.Background(), ReceiverConfig{Endpoint: dialEndpoint(s)})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	pollCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok, err := r.Recv(pollCtx)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestReceiver_SurfacesExitSignals(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	r, err := NewReceiver(context.Background(), ReceiverConfig{Endpoint: dialEndpoint(s)})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	waitForClients(t, s, 1)

	sent := Signal{Mode: ExitPropagate, StageID: "stage-a", Timestamp: time.Now().UTC().Truncate(time.Second)}
	s.BroadcastExit(sent)

	select {
	case got := <-r.ExitSignals():
		assert.Equal(t, ExitPropagate, got.Mode)
		assert.Equal(t, "stage-a", got.StageID)
		assert.Equal(t, sent.Timestamp, got.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("exit signal never surfaced")
	}
}

func TestSender_CloseRacingSendNeverHangs(t *testing.T) {
	// Close and Send contend on the event channel; a send queued just as
	// the loop observes shutdown must still get an answer.
	for i := 0; i < 100; i++ {
		s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- s.Send(context.Background(), testBatch(1)) }()
		require.NoError(t, s.Close())

		select {
		case err := <-done:
			if err != nil {
				assert.True(t, errors.IsTransport(err))
				assert.ErrorIs(t, err, errors.ErrChannelClosed)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: Send never returned after Close", i)
		}
	}
}

func TestSender_ClosePendingSendFails(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)

	newRawClient(t, s, "silent")
	waitForClients(t, s, 1)

	// The silent client never requests, so the send parks as PENDING.
	done := make(chan error, 1)
	go func() { done <- s.Send(context.Background(), testBatch(1)) }()
	select {
	case err := <-done:
		t.Fatalf("Send returned %v while a registered client had not requested", err)
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.IsTransport(err))
		assert.ErrorIs(t, err, errors.ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending Send never failed after Close")
	}
}

func TestReceiver_StrictSyncRequestsAtConsumptionRate(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ep := dialEndpoint(s)
	ep.Options.Sync = true
	r, err := NewReceiver(context.Background(), ReceiverConfig{Endpoint: ep})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	waitForClients(t, s, 1)

	ctx := context.Background()
	require.NoError(t, s.Send(ctx, testBatch(1)))

	done := make(chan error, 1)
	go func() { done <- s.Send(ctx, testBatch(2)) }()

	// Batch 1 sits unconsumed in the receiver. In strict-sync mode the
	// request for 2 is withheld until Recv hands batch 1 over, so the
	// second send stays blocked.
	select {
	case err := <-done:
		t.Fatalf("Send returned %v before the first envelope was consumed", err)
	case <-time.After(200 * time.Millisecond):
	}

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	env, ok, err := r.Recv(recvCtx)
	cancel()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), env.MsgID)

	// Consumption released the credit for 2.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Send still blocked after the first envelope was consumed")
	}

	recvCtx, cancel = context.WithTimeout(ctx, 2*time.Second)
	env, ok, err = r.Recv(recvCtx)
	cancel()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), env.MsgID)
}

func TestSender_WriteFailureFaultsChannel(t *testing.T) {
	s, err := NewSender(SenderConfig{
		Endpoint:     listenEndpoint(),
		WriteTimeout: 50 * time.Millisecond,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2.0,
		},
	})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	// The client requests the batch but never reads it. A payload far
	// beyond the socket buffers forces every write attempt onto the
	// deadline.
	c := newRawClient(t, s, "wedged")
	waitForClients(t, s, 1)
	c.request(1)

	huge := frame.Batch{
		"main": frame.Frame{Topic: "main", Data: map[string]any{
			"pixels": strings.Repeat("x", 32<<20),
		}},
	}
	err = s.Send(context.Background(), huge)
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.ErrorIs(t, err, errors.ErrChannelFaulted)

	// A faulted channel fails every later send without touching a socket.
	start := time.Now()
	err = s.Send(context.Background(), testBatch(2))
	require.Error(t, err)
	assert.True(t, errors.IsTransport(err))
	assert.ErrorIs(t, err, errors.ErrChannelFaulted)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSender_ClosedChannelFailsSend(t *testing.T) {
	s, err := NewSender(SenderConfig{Endpoint: listenEndpoint()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Send(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrChannelClosed)
}

func TestExitMode_Valid(t *testing.T) {
	assert.True(t, ExitPropagate.Valid())
	assert.True(t, ExitObey.Valid())
	assert.True(t, ExitIsolate.Valid())
	assert.False(t, ExitMode("cascade").Valid())
}
