package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S5: Free-run entry/exit, exact values from spec.md §8.
func TestFreeRunEntryExit(t *testing.T) {
	t.Parallel()

	handle := NewMockHandle(8192)
	dio := New(handle, DirectionPlayback, 0, 240)
	require.NoError(t, dio.OpenDev())
	require.NoError(t, dio.ConfigureDev(Format{SampleRate: 48000, Channels: 1}))

	handle.SetHwLevel(200)
	require.NoError(t, dio.NoStream(true))
	assert.Equal(t, StateNoStreamDraining, dio.State())
	assert.Equal(t, 2400, dio.filledZerosForDrain, "50ms at 48kHz must fill exactly 2400 zero frames")
	assert.False(t, dio.FreeRunning())

	handle.SetHwLevel(40)
	require.NoError(t, dio.NoStream(true))
	assert.Equal(t, StateFreeRunning, dio.State())
	assert.True(t, dio.FreeRunning())

	require.NoError(t, dio.NoStream(false))
	assert.Equal(t, StateNormal, dio.State())
	assert.False(t, dio.FreeRunning())
	assert.Equal(t, 0, dio.filledZerosForDrain)
}

// B3-adjacent: a severe underrun (-EPIPE) increments the counter and is
// surfaced to the caller rather than silently swallowed.
func TestSevereUnderrunCounted(t *testing.T) {
	t.Parallel()

	handle := NewMockHandle(4096)
	dio := New(handle, DirectionCapture, 0, 240)
	require.NoError(t, dio.OpenDev())
	require.NoError(t, dio.ConfigureDev(Format{SampleRate: 48000, Channels: 2}))

	handle.ForceSevereUnderrun()
	_, err := dio.FramesQueued()
	require.Error(t, err)
	assert.Equal(t, 1, dio.NumSevereUnderruns())
}

func TestOpenDevIdempotent(t *testing.T) {
	t.Parallel()

	handle := NewMockHandle(1024)
	dio := New(handle, DirectionPlayback, 0, 64)
	require.NoError(t, dio.OpenDev())
	require.NoError(t, dio.OpenDev())
	require.NoError(t, dio.ConfigureDev(Format{SampleRate: 48000, Channels: 1}))
	require.NoError(t, dio.CloseDev())
}
