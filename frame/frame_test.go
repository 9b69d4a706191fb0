package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_Retopic(t *testing.T) {
	f := New(map[string]any{"count": 1})
	assert.Equal(t, DefaultTopic, f.Topic)

	g := f.Retopic("detections")
	assert.Equal(t, "detections", g.Topic)
	assert.Equal(t, DefaultTopic, f.Topic, "original frame unchanged")
}

func TestFrame_CloneIsolatesData(t *testing.T) {
	f := Frame{Topic: "main", Data: map[string]any{"a": 1}}
	g := f.Clone()
	g.Data["a"] = 2

	assert.Equal(t, 1, f.Data["a"])
	assert.Equal(t, 2, g.Data["a"])
}

func TestFrame_Validate(t *testing.T) {
	assert.Error(t, Frame{}.Validate())
	assert.Error(t, Frame{Topic: "main", Image: &Image{Pixels: []byte{1}}}.Validate())
	assert.NoError(t, Frame{Topic: "main"}.Validate())
	assert.NoError(t, Frame{Topic: "main", Image: &Image{Format: "RGB"}}.Validate())
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		MsgID: 7,
		Topics: Batch{
			"main": {
				Topic: "main",
				Image: &Image{Pixels: []byte{1, 2, 3, 4, 5, 6}, Format: "RGB", Width: 2, Height: 1},
				Data:  map[string]any{"seq": float64(7)},
			},
			"meta": {
				Topic: "meta",
				Data:  map[string]any{"source": "camera0"},
			},
		},
	}

	encoded, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), decoded.MsgID)
	require.Len(t, decoded.Topics, 2)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, decoded.Topics["main"].Image.Pixels)
	assert.Equal(t, "RGB", decoded.Topics["main"].Image.Format)
	assert.Equal(t, 2, decoded.Topics["main"].Image.Width)
	assert.Equal(t, float64(7), decoded.Topics["main"].Data["seq"])
	assert.Nil(t, decoded.Topics["meta"].Image)
	assert.Equal(t, "camera0", decoded.Topics["meta"].Data["source"])
}

func TestEnvelope_EncodeDeterministic(t *testing.T) {
	env := Envelope{
		MsgID: 3,
		Topics: Batch{
			"b": {Topic: "b", Image: &Image{Pixels: []byte{9, 9}, Format: "GRAY", Width: 2, Height: 1}},
			"a": {Topic: "a", Image: &Image{Pixels: []byte{1, 1}, Format: "GRAY", Width: 2, Height: 1}},
		},
	}

	// Retried sends must be byte-identical: trailer order is sorted, and the
	// pixel bytes land in a stable position.
	first, err := EncodeEnvelope(env)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(first)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1}, decoded.Topics["a"].Image.Pixels)
	assert.Equal(t, []byte{9, 9}, decoded.Topics["b"].Image.Pixels)
}

func TestDecodeEnvelope_Truncated(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0, 1, 2})
	assert.Error(t, err)

	env := Envelope{MsgID: 1, Topics: Batch{
		"main": {Topic: "main", Image: &Image{Pixels: []byte{1, 2, 3, 4}, Format: "RGB", Width: 1, Height: 1}},
	}}
	encoded, err := EncodeEnvelope(env)
	require.NoError(t, err)

	_, err = DecodeEnvelope(encoded[:len(encoded)-2])
	assert.ErrorContains(t, err, "truncated")
}
