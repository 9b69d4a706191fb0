// Package frame defines the data units exchanged between pipeline stages: the
// Frame (one topic-tagged batch element carrying an optional image buffer and
// JSON-safe structured fields) and the Envelope (the per-send wire unit that
// groups one frame per topic under a monotonically increasing msg_id).
package frame

import (
	"fmt"
)

// DefaultTopic is the topic assigned to frames whose producer did not name
// one, and the topic a bare mapping alias renames.
const DefaultTopic = "main"

// Image holds a raw pixel buffer and enough metadata to interpret it. The
// runtime never decodes pixels; it moves them.
type Image struct {
	Pixels []byte `json:"-"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Frame is one transport unit: an optional image plus JSON-safe structured
// data, tagged with the topic it currently belongs to. A frame belongs to
// exactly one topic at a time; Retopic returns a copy under a new topic.
type Frame struct {
	Topic string         `json:"topic"`
	Image *Image         `json:"image,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// New creates a frame on the default topic
func New(data map[string]any) Frame {
	return Frame{Topic: DefaultTopic, Data: data}
}

// Retopic returns a shallow clone of the frame tagged with a new topic.
// Pixel buffers are shared; they are treated as immutable once framed.
func (f Frame) Retopic(topic string) Frame {
	f.Topic = topic
	return f
}

// Clone returns a copy with its own Data map. Image pixels are shared.
func (f Frame) Clone() Frame {
	out := f
	if f.Data != nil {
		out.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			out.Data[k] = v
		}
	}
	if f.Image != nil {
		img := *f.Image
		out.Image = &img
	}
	return out
}

// Validate checks structural invariants before a frame enters the transport
func (f Frame) Validate() error {
	if f.Topic == "" {
		return fmt.Errorf("frame has no topic")
	}
	if f.Image != nil && f.Image.Format == "" {
		return fmt.Errorf("frame %q: image buffer without format", f.Topic)
	}
	return nil
}

// Batch is one cycle's worth of frames keyed by topic
type Batch map[string]Frame

// Clone returns a batch with cloned frames
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for topic, f := range b {
		out[topic] = f.Clone()
	}
	return out
}

// Topics returns the topic set of the batch in unspecified order
func (b Batch) Topics() []string {
	out := make([]string, 0, len(b))
	for topic := range b {
		out = append(out, topic)
	}
	return out
}
