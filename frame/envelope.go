package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
)

// Envelope is the unit the transport moves: one frame per topic, stamped with
// the producer-local msg_id. msg_ids start at 1 and are never reused or
// reordered within a channel.
type Envelope struct {
	MsgID  uint64
	Topics Batch
}

// wireHeader is the JSON portion of an encoded envelope. Pixel buffers are
// carried after the header as raw trailers, in sorted topic order, so image
// payloads avoid a base64 round trip.
type wireHeader struct {
	Topics map[string]wirePayload `json:"topics"`
}

type wirePayload struct {
	Data  map[string]any `json:"data,omitempty"`
	Image *wireImage     `json:"image,omitempty"`
}

type wireImage struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   uint32 `json:"size"`
}

const envelopePrefixLen = 12 // 8-byte msg_id + 4-byte header length

// EncodeEnvelope serializes an envelope:
//
//	[msg_id u64 BE][header_len u32 BE][header JSON][pixel trailers...]
//
// Trailers appear in sorted topic order so encoding is deterministic and a
// retried send is byte-identical.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	hdr := wireHeader{Topics: make(map[string]wirePayload, len(env.Topics))}
	topics := make([]string, 0, len(env.Topics))
	trailerLen := 0

	for topic, f := range env.Topics {
		p := wirePayload{Data: f.Data}
		if f.Image != nil {
			p.Image = &wireImage{
				Format: f.Image.Format,
				Width:  f.Image.Width,
				Height: f.Image.Height,
				Size:   uint32(len(f.Image.Pixels)),
			}
			trailerLen += len(f.Image.Pixels)
			topics = append(topics, topic)
		}
		hdr.Topics[topic] = p
	}
	sort.Strings(topics)

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %d: %w", env.MsgID, err)
	}

	buf := make([]byte, 0, envelopePrefixLen+len(hdrBytes)+trailerLen)
	buf = binary.BigEndian.AppendUint64(buf, env.MsgID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(hdrBytes)))
	buf = append(buf, hdrBytes...)
	for _, topic := range topics {
		buf = append(buf, env.Topics[topic].Image.Pixels...)
	}
	return buf, nil
}

// DecodeEnvelope parses an encoded envelope back into frames
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) < envelopePrefixLen {
		return Envelope{}, fmt.Errorf("decode envelope: short prefix (%d bytes)", len(data))
	}
	msgID := binary.BigEndian.Uint64(data[:8])
	hdrLen := binary.BigEndian.Uint32(data[8:12])
	if uint64(envelopePrefixLen)+uint64(hdrLen) > uint64(len(data)) {
		return Envelope{}, fmt.Errorf("decode envelope %d: header length %d exceeds payload", msgID, hdrLen)
	}

	var hdr wireHeader
	if err := json.Unmarshal(data[envelopePrefixLen:envelopePrefixLen+int(hdrLen)], &hdr); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope %d: %w", msgID, err)
	}

	env := Envelope{MsgID: msgID, Topics: make(Batch, len(hdr.Topics))}

	// Trailers were appended in sorted topic order on encode.
	withImage := make([]string, 0, len(hdr.Topics))
	for topic, p := range hdr.Topics {
		if p.Image != nil {
			withImage = append(withImage, topic)
		}
	}
	sort.Strings(withImage)

	offset := envelopePrefixLen + int(hdrLen)
	pixels := make(map[string][]byte, len(withImage))
	for _, topic := range withImage {
		size := int(hdr.Topics[topic].Image.Size)
		if offset+size > len(data) {
			return Envelope{}, fmt.Errorf("decode envelope %d: image trailer for %q truncated", msgID, topic)
		}
		pixels[topic] = data[offset : offset+size : offset+size]
		offset += size
	}

	for topic, p := range hdr.Topics {
		f := Frame{Topic: topic, Data: p.Data}
		if p.Image != nil {
			f.Image = &Image{
				Pixels: pixels[topic],
				Format: p.Image.Format,
				Width:  p.Image.Width,
				Height: p.Image.Height,
			}
		}
		env.Topics[topic] = f
	}
	return env, nil
}
