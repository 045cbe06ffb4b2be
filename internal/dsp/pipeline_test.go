package dsp_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencras/crasd/internal/dsp"
	"github.com/opencras/crasd/internal/dsp/plugins"
)

func newRegistry() *dsp.Registry {
	r := dsp.NewRegistry()
	plugins.RegisterBuiltins(r)
	return r
}

func audioPort(name string, dir dsp.Direction, flow string) dsp.Port {
	return dsp.Port{Name: name, Direction: dir, Type: dsp.PortTypeAudio, FlowName: flow}
}

// S1: trivial passthrough pipeline (source -> sink, single channel).
// peak_buf == 1.
func TestPassthroughPipeline(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "a0"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))
	assert.Equal(t, 1, pipe.PeakBuffers())

	in, err := pipe.AudioInput(0)
	require.NoError(t, err)
	for i := range in[:4] {
		in[i] = float32(i + 1)
	}

	require.NoError(t, pipe.Run(4))

	out, err := pipe.AudioOutput(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, out[:4])
}

// S2: src -> M1(gain x2) -> M2(gain x2, forced inplace-broken by label
// "eq2" in our allocator, substituting an eq2 identity node to exercise
// FlagInplaceBroken's extra-slot behavior) -> sink, two channels.
func TestInplaceBrokenForcesExtraBuffer(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
				audioPort("a1", dsp.DirectionOutput, "a1"),
			}},
			{Label: "gain", Title: "m1", Purpose: "p", Params: map[string]string{"initial_gain": "2"}, Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "a0"),
				audioPort("in1", dsp.DirectionInput, "a1"),
				audioPort("out0", dsp.DirectionOutput, "b0"),
				audioPort("out1", dsp.DirectionOutput, "b1"),
			}},
			{Label: "eq2", Title: "m2", Purpose: "p", Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "b0"),
				audioPort("in1", dsp.DirectionInput, "b1"),
				audioPort("out0", dsp.DirectionOutput, "c0"),
				audioPort("out1", dsp.DirectionOutput, "c1"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "c0"),
				audioPort("a1", dsp.DirectionInput, "c1"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
			"a1": {Name: "a1", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 1},
			"b0": {Name: "b0", Type: dsp.PortTypeAudio, FromPlugin: 1, FromPort: 2},
			"b1": {Name: "b1", Type: dsp.PortTypeAudio, FromPlugin: 1, FromPort: 3},
			"c0": {Name: "c0", Type: dsp.PortTypeAudio, FromPlugin: 2, FromPort: 2},
			"c1": {Name: "c1", Type: dsp.PortTypeAudio, FromPlugin: 2, FromPort: 3},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))

	// eq2 defaults to two identity biquads, so the only gain applied end
	// to end is m1's x2 — this isolates the buffer-allocation behavior
	// from eq2's filtering math.
	assert.Greater(t, pipe.PeakBuffers(), 2, "FlagInplaceBroken must force at least one extra slot beyond the steady 2-channel need")

	in0, err := pipe.AudioInput(0)
	require.NoError(t, err)
	in0[0] = 1

	require.NoError(t, pipe.Run(1))

	out0, err := pipe.AudioOutput(0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out0[0], 1e-4)
}

// I1: a sink with more audio inputs than the source has outputs must be
// rejected at construction, not silently accepted.
func TestChannelInflatingGraphRejected(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "a0"),
				audioPort("a1", dsp.DirectionInput, "a1"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	err := pipe.Load(desc, "p", 48000)
	require.Error(t, err, "sink has 2 audio inputs but source only has 1 audio output: I1 must reject this")
}

// Channel counts of a valid passthrough pipeline are reported correctly
// and Apply round-trips a raw interleaved S16LE buffer through it.
func TestApplyFullFramePath(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: "gain", Title: "m1", Purpose: "p", Params: map[string]string{"initial_gain": "2"}, Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "a0"),
				audioPort("out0", dsp.DirectionOutput, "b0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "b0"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
			"b0": {Name: "b0", Type: dsp.PortTypeAudio, FromPlugin: 1, FromPort: 1},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))
	assert.Equal(t, 1, pipe.InputChannels())
	assert.Equal(t, 1, pipe.OutputChannels())

	format := dsp.SampleFormat{Encoding: dsp.EncodingS16LE, NumChannels: 1}
	require.NoError(t, pipe.ValidateFormat(format))

	const frames = 5
	buf := make([]byte, frames*format.FrameBytes())
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(1000*(i+1))))
	}

	require.NoError(t, pipe.Apply(buf, format, frames))

	for i := 0; i < frames; i++ {
		got := int16(binary.LittleEndian.Uint16(buf[i*2:]))
		want := int16(2000 * (i + 1)) // gain x2
		assert.InDelta(t, int(want), int(got), 2, "sample %d: gain x2 should survive the byte round trip", i)
	}

	blocks, total := pipe.ApplyStats()
	assert.Equal(t, int64(1), blocks)
	assert.GreaterOrEqual(t, total.Nanoseconds(), int64(0))
}

// Apply must reject a format whose channel count disagrees with the
// pipeline's own channel counts (spec.md §4.F "Validation").
func TestApplyRejectsChannelMismatch(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "a0"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))

	format := dsp.SampleFormat{Encoding: dsp.EncodingS16LE, NumChannels: 2}
	buf := make([]byte, 4*format.FrameBytes())
	err := pipe.Apply(buf, format, 4)
	require.Error(t, err)
}

// S3: a disabled plugin in the middle of a chain is bypassed entirely —
// the constructed pipeline contains no PluginInstance for it.
func TestDisabledPluginIsBypassed(t *testing.T) {
	t.Parallel()

	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: "gain", Title: "m1", Purpose: "p", Params: map[string]string{"initial_gain": "2"}, Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "a0"),
				audioPort("out0", dsp.DirectionOutput, "b0"),
			}},
			{Label: "gain", Title: "m2", Purpose: "p", Disable: "true", Params: map[string]string{"initial_gain": "2"}, Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "b0"),
				audioPort("out0", dsp.DirectionOutput, "c0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "c0"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
			"b0": {Name: "b0", Type: dsp.PortTypeAudio, FromPlugin: 1, FromPort: 1},
			"c0": {Name: "c0", Type: dsp.PortTypeAudio, FromPlugin: 2, FromPort: 1},
		},
	}

	pipe := dsp.NewPipeline(newRegistry(), dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))

	instances := pipe.Instances()
	require.Len(t, instances, 3, "disabled plugin m2 must not produce a PluginInstance")
	for _, inst := range instances {
		assert.NotEqual(t, "m2", inst.Title)
	}

	in0, err := pipe.AudioInput(0)
	require.NoError(t, err)
	in0[0] = 3
	require.NoError(t, pipe.Run(1))
	out0, err := pipe.AudioOutput(0)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, out0[0], 1e-4, "only m1's x2 gain should apply; m2 is bypassed, not multiplying again")
}
