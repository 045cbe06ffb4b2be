package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opencras/crasd/internal/device"
	"github.com/opencras/crasd/internal/dsp"
	"github.com/opencras/crasd/internal/dsp/plugins"
	"github.com/opencras/crasd/internal/scheduler"
)

func audioPort(name string, dir dsp.Direction, flow string) dsp.Port {
	return dsp.Port{Name: name, Direction: dir, Type: dsp.PortTypeAudio, FlowName: flow}
}

func passthroughPipeline(t *testing.T) *dsp.Pipeline {
	t.Helper()
	desc := &dsp.Description{
		Plugins: []dsp.PluginDesc{
			{Label: dsp.LabelSource, Title: "src", Purpose: "playback", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionOutput, "a0"),
			}},
			{Label: dsp.LabelSink, Title: "sink", Purpose: "playback", Ports: []dsp.Port{
				audioPort("a0", dsp.DirectionInput, "a0"),
			}},
		},
		Flows: map[string]dsp.Flow{
			"a0": {Name: "a0", Type: dsp.PortTypeAudio, FromPlugin: 0, FromPort: 0},
		},
	}
	r := dsp.NewRegistry()
	plugins.RegisterBuiltins(r)
	pipe := dsp.NewPipeline(r, dsp.NewExprEnv(), nil)
	require.NoError(t, pipe.Load(desc, "playback", 48000))
	return pipe
}

// TestAudioThreadDrivesPlayback verifies the poll loop pulls frames
// through a loaded pipeline into a mock playback device without
// leaking goroutines once stopped.
func TestAudioThreadDrivesPlayback(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pipe := passthroughPipeline(t)

	handle := device.NewMockHandle(512)
	dio := device.New(handle, device.DirectionPlayback, 0, 64)
	require.NoError(t, dio.OpenDev())
	require.NoError(t, dio.ConfigureDev(device.Format{SampleRate: 48000, Channels: 1}))

	sched := scheduler.New(2 * time.Millisecond)
	sched.DspCtx.PutPipeline(pipe)
	sched.Audio.AddDevice("speaker", dio, device.DirectionPlayback)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	time.Sleep(30 * time.Millisecond)

	cancel()
	sched.Stop()

	assert.Equal(t, device.StateNormal, dio.State())
}

func TestTimerServiceCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := scheduler.NewMessageBus(4)
	timers := scheduler.NewTimerService(bus)

	handle := timers.CreateTimer(50*time.Millisecond, scheduler.Message{Type: scheduler.MessageDeviceSuspend})
	assert.Equal(t, 1, timers.Pending())

	cancelled := timers.CancelSuspend(handle)
	assert.True(t, cancelled)
	assert.Equal(t, 0, timers.Pending())

	time.Sleep(60 * time.Millisecond)
	bus.Drain()
}

func TestMessageBusDispatchesToHandler(t *testing.T) {
	bus := scheduler.NewMessageBus(4)

	received := make(chan scheduler.Message, 1)
	bus.AddHandler(scheduler.MessagePipelineReload, func(m scheduler.Message) {
		received <- m
	})

	bus.Send(scheduler.Message{Type: scheduler.MessagePipelineReload, Payload: "graph.ini"})
	bus.Drain()

	select {
	case m := <-received:
		assert.Equal(t, "graph.ini", m.Payload)
	default:
		t.Fatal("handler was not invoked by Drain")
	}
}

func TestDspContextHandoff(t *testing.T) {
	ctx := scheduler.NewDspContext()
	assert.Nil(t, ctx.GetPipeline())

	pipe := passthroughPipeline(t)
	ctx.PutPipeline(pipe)
	assert.Same(t, pipe, ctx.GetPipeline())
}
