package offload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencras/crasd/internal/dsp"
	"github.com/opencras/crasd/internal/dsp/plugins"
	"github.com/opencras/crasd/internal/offload"
)

type fakeMixer struct {
	programmed map[string][]byte
	switches   map[string]bool
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{programmed: map[string][]byte{}, switches: map[string]bool{}}
}

func (f *fakeMixer) ProgramBlob(nodeLabel string, blob []byte) error {
	f.programmed[nodeLabel] = blob
	return nil
}

func (f *fakeMixer) SetSwitch(nodeLabel string, enabled bool) error {
	f.switches[nodeLabel] = enabled
	return nil
}

func audioPort(name string, dir dsp.Direction, flow string) dsp.Port {
	return dsp.Port{Name: name, Direction: dir, Type: dsp.PortTypeAudio, FlowName: flow}
}

func drcEq2Pipeline(t *testing.T) *dsp.Pipeline {
	t.Helper()
	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "p", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: "drc", Title: "drc", Purpose: "p", Ports: []dsp.Port{
				audioPort("in0", dsp.DirectionInput, "a0"),
				audioPort("out0", dsp.DirectionOutput, "b0"),
			}},
			{Label: "eq2", Title: "eq2", Purpose: "p", Ports: []dsp.Port{
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

	r := dsp.NewRegistry()
	plugins.RegisterBuiltins(r)
	pipe := dsp.NewPipeline(r, dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "p", 48000))
	return pipe
}

// S6: offload toggle with readapt.
func TestOffloadToggleWithReadapt(t *testing.T) {
	t.Parallel()

	pipe := drcEq2Pipeline(t)
	mixer := newFakeMixer()
	m := offload.New("Speaker", offload.NodeConfig{PipelineID: 1, Pattern: []string{"drc", "eq2"}}, mixer)

	require.NoError(t, m.Decide(pipe))
	assert.Equal(t, offload.StateOnDsp, m.State())
	assert.True(t, mixer.switches["drc"])
	assert.True(t, pipe.Offloaded())

	m.SetDisallow(offload.DisallowAecRef)
	require.NoError(t, m.Decide(pipe))
	assert.Equal(t, offload.StateOnCras, m.State())
	assert.False(t, mixer.switches["drc"])
	assert.False(t, pipe.Offloaded())

	m.ClearDisallow(offload.DisallowAecRef)
	require.NoError(t, m.Decide(pipe))
	assert.Equal(t, offload.StateOnDsp, m.State())
	assert.True(t, pipe.Offloaded())
}

// B3: any disallow bit forces OnCras regardless of pattern match.
func TestDisallowBitForcesOnCras(t *testing.T) {
	t.Parallel()

	pipe := drcEq2Pipeline(t)
	m := offload.New("Speaker", offload.NodeConfig{PipelineID: 1, Pattern: []string{"drc", "eq2"}}, nil)

	m.SetDisallow(offload.DisallowFeatureOff)
	require.NoError(t, m.Decide(pipe))
	assert.Equal(t, offload.StateOnCras, m.State())
}

// O2: an empty pattern means "pattern matches nothing, offload
// disallowed by pattern" rather than "offload disabled for this node".
func TestEmptyPatternDisallowsByPattern(t *testing.T) {
	t.Parallel()

	pipe := drcEq2Pipeline(t)
	m := offload.New("Speaker", offload.NodeConfig{PipelineID: 1, Pattern: nil}, nil)

	require.NoError(t, m.Decide(pipe))
	assert.Equal(t, offload.StateOnCras, m.State())
	assert.NotZero(t, m.DisallowBits()&offload.DisallowPatternMismatch)
}

func TestParseOffloadMap(t *testing.T) {
	t.Parallel()

	cfgs, err := offload.ParseOffloadMap("Speaker:(1,drc>eq2) Headphone:(6,eq2>drc)")
	require.NoError(t, err)
	require.Contains(t, cfgs, "Speaker")
	assert.Equal(t, 1, cfgs["Speaker"].PipelineID)
	assert.Equal(t, []string{"drc", "eq2"}, cfgs["Speaker"].Pattern)
	assert.Equal(t, []string{"eq2", "drc"}, cfgs["Headphone"].Pattern)
}

func TestParseOffloadMapEmptyPattern(t *testing.T) {
	t.Parallel()

	cfgs, err := offload.ParseOffloadMap("Speaker:(1,)")
	require.NoError(t, err)
	assert.Empty(t, cfgs["Speaker"].Pattern)
}
