// Package transport implements the flow-controlled channel protocol between
// pipeline stages. Each output channel is a Sender: a websocket server that
// pushes envelopes to every registered consumer, gated by a credit model in
// which a consumer must request a msg_id before the envelope counts as
// delivered to it. Each source endpoint is a Receiver that dials the
// producer, requests msg_ids in strictly increasing order, and surfaces
// decoded envelopes and in-band exit signals.
//
// The producer-side client registry is owned by a single event-loop
// goroutine, so flow-control state needs no locking: connects, disconnects,
// credit requests, and sends all funnel through one channel.
package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExitMode is the policy governing whether a stage's shutdown signal passes
// to its neighbors.
type ExitMode string

// Exit propagation policies
const (
	// ExitPropagate asks direct downstream consumers to stop too
	ExitPropagate ExitMode = "propagate"
	// ExitObey stops the stage when one of its producers stops
	ExitObey ExitMode = "obey"
	// ExitIsolate stops the stage without forwarding the signal
	ExitIsolate ExitMode = "isolate"
)

// Valid reports whether the mode is one of the three policies
func (m ExitMode) Valid() bool {
	switch m {
	case ExitPropagate, ExitObey, ExitIsolate:
		return true
	}
	return false
}

// Signal is the control-channel exit message. It travels along the same
// producer->consumer edges as data, never a separate network.
type Signal struct {
	Mode      ExitMode  `json:"mode"`
	StageID   string    `json:"stage_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Control message type tags. Control messages are JSON text frames; data
// envelopes are binary frames (see frame.EncodeEnvelope).
const (
	msgHello   = "hello"
	msgRequest = "request"
	msgSkip    = "skip"
	msgExit    = "exit"
)

// controlMessage is the union of all JSON control frames
type controlMessage struct {
	Type string `json:"type"`

	// hello
	ClientID string `json:"client_id,omitempty"`

	// request
	MsgID uint64 `json:"msg_id,omitempty"`

	// skip: the producer no longer holds the requested envelope; the
	// consumer should resume requesting from NextMsgID.
	NextMsgID uint64 `json:"next_msg_id,omitempty"`

	// exit
	Exit *Signal `json:"exit,omitempty"`
}

func encodeControl(m controlMessage) []byte {
	b, _ := json.Marshal(m)
	return b
}

func decodeControl(data []byte) (controlMessage, error) {
	var m controlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return controlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if m.Type == "" {
		return controlMessage{}, fmt.Errorf("control message without type")
	}
	return m, nil
}
