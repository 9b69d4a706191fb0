package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/frame"
)

func batch(topics ...string) frame.Batch {
	b := make(frame.Batch, len(topics))
	for _, topic := range topics {
		b[topic] = frame.Frame{Topic: topic, Data: map[string]any{"from": topic}}
	}
	return b
}

func TestRoute_RenamesMappedTopics(t *testing.T) {
	eps, err := connspec.Parse("tcp://host:1;a>main;b>meta")
	require.NoError(t, err)

	out := New(nil).Route(batch("a", "b"), eps[0])

	require.Len(t, out, 2)
	assert.Equal(t, "main", out["main"].Topic)
	assert.Equal(t, "a", out["main"].Data["from"])
	assert.Equal(t, "meta", out["meta"].Topic)
}

func TestRoute_ClosedSetDropsUnmapped(t *testing.T) {
	eps, err := connspec.Parse("tcp://host:1;a>main")
	require.NoError(t, err)

	out := New(nil).Route(batch("a", "telemetry"), eps[0])

	require.Len(t, out, 1)
	_, dropped := out["telemetry"]
	assert.False(t, dropped)
}

func TestRoute_OpenEndpointIdentity(t *testing.T) {
	eps, err := connspec.Parse("tcp://host:2")
	require.NoError(t, err)

	out := New(nil).Route(batch("main", "meta"), eps[0])

	assert.Len(t, out, 2)
	assert.Equal(t, "main", out["main"].Topic)
	assert.Equal(t, "meta", out["meta"].Topic)
}

func TestRoute_BareAliasRenamesDefaultOnly(t *testing.T) {
	eps, err := connspec.Parse("tcp://host:1;camera")
	require.NoError(t, err)

	out := New(nil).Route(batch("main", "meta"), eps[0])

	require.Len(t, out, 2)
	assert.Equal(t, "camera", out["camera"].Topic)
	assert.Equal(t, "main", out["camera"].Data["from"])
	assert.Equal(t, "meta", out["meta"].Topic)
}

func TestMerge_LastWins(t *testing.T) {
	// Mirrors two sources configured as "tcp://host:1;a>main" and
	// "tcp://host:2": both produce local topic "main" in the same cycle, and
	// the second source's frame must survive.
	r := New(nil)
	eps, err := connspec.Parse("tcp://host:1;a>main,tcp://host:2")
	require.NoError(t, err)

	first := r.Route(batch("a"), eps[0])
	second := r.Route(batch("main"), eps[1])

	merged := r.Merge(first, second)
	require.Len(t, merged, 1)
	assert.Equal(t, "main", merged["main"].Data["from"])
}

func TestMerge_DisjointTopics(t *testing.T) {
	r := New(nil)
	merged := r.Merge(batch("main"), batch("meta"))
	assert.Len(t, merged, 2)
}
