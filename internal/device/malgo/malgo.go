// Package malgo adapts github.com/gen2brain/malgo (a cgo binding over
// miniaudio) to device.PcmHandle, standing in for the opaque ALSA device
// handle spec.md §6 describes. It is the correctly-declared counterpart
// to the teacher's sources/malgo package, which imports
// github.com/tphakala/malgo while its own go.mod only requires
// github.com/gen2brain/malgo — crasd uses the module it actually
// declares.
package malgo

import (
	"encoding/binary"
	"math"
	"runtime"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/smallnest/ringbuffer"

	"github.com/opencras/crasd/internal/apperr"
	"github.com/opencras/crasd/internal/device"
)

// Handle implements device.PcmHandle over a real hardware device.
// malgo's callback runs on its own OS thread; Handle bridges it to
// DeviceIo's synchronous Begin/Commit contract with a byte ring buffer
// (the CPU-side staging area spec.md §4.H assumes mmap gives you for
// free).
type Handle struct {
	mu        sync.Mutex
	direction device.Direction
	ctx       *malgo.AllocatedContext
	dev       *malgo.Device
	ring      *ringbuffer.RingBuffer
	format    device.Format
	scratch   []float32
	started   bool
}

// New opens a malgo context and returns an unconfigured Handle for
// deviceName (empty or "default" selects the system default device).
func New(direction device.Direction, deviceName string) (*Handle, error) {
	backend, err := backendForPlatform()
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, apperr.New(err).Component("device").Category(apperr.CategoryHardware).
			Context("operation", "init_context").Build()
	}
	return &Handle{direction: direction, ctx: ctx}, nil
}

func backendForPlatform() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, apperr.Newf("unsupported platform %s for malgo backend", runtime.GOOS).
			Component("device").Category(apperr.CategoryHardware).Build()
	}
}

func (h *Handle) Configure(format device.Format) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.format = format

	malgoType := malgo.Playback
	if h.direction == device.DirectionCapture {
		malgoType = malgo.Capture
	}
	cfg := malgo.DefaultDeviceConfig(malgoType)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.Playback.Format = malgo.FormatF32
	if format.PeriodFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(format.PeriodFrames)
	}

	ringBytes := format.Channels * 4 * bufferFramesDefault
	h.ring = ringbuffer.New(ringBytes)

	callbacks := malgo.DeviceCallbacks{
		Data: h.onData,
	}
	dev, err := malgo.InitDevice(h.ctx.Context, cfg, callbacks)
	if err != nil {
		return apperr.New(err).Component("device").Category(apperr.CategoryHardware).
			Context("operation", "init_device").Build()
	}
	h.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return apperr.New(err).Component("device").Category(apperr.CategoryHardware).
			Context("operation", "start_device").Build()
	}
	h.started = true
	return nil
}

// bufferFramesDefault sizes the bridging ring buffer generously relative
// to a typical period so the audio callback never blocks on a full
// DeviceIo poll cycle.
const bufferFramesDefault = 16384

func (h *Handle) onData(output, input []byte, frameCount uint32) {
	switch h.direction {
	case device.DirectionCapture:
		_, _ = h.ring.TryWrite(input)
	case device.DirectionPlayback:
		n, _ := h.ring.TryRead(output)
		for i := n; i < len(output); i++ {
			output[i] = 0
		}
	}
}

func (h *Handle) FramesQueued() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bytesPerFrame := 4 * h.format.Channels
	if bytesPerFrame == 0 {
		return 0, nil
	}
	if h.direction == device.DirectionCapture {
		return h.ring.Length() / bytesPerFrame, nil
	}
	return (bufferFramesDefault - h.ring.Free()/bytesPerFrame), nil
}

func (h *Handle) HwLevel() (int, error) { return h.FramesQueued() }

func (h *Handle) Begin(maxFrames int) ([]float32, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.format.Channels
	if ch == 0 {
		ch = 1
	}
	if cap(h.scratch) < maxFrames*ch {
		h.scratch = make([]float32, maxFrames*ch)
	}
	return h.scratch[:maxFrames*ch], maxFrames, nil
}

func (h *Handle) Commit(frames int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.format.Channels
	if ch == 0 {
		ch = 1
	}
	n := frames * ch
	if n > len(h.scratch) {
		n = len(h.scratch)
	}
	raw := floatsToBytes(h.scratch[:n])
	if h.direction == device.DirectionPlayback {
		_, _ = h.ring.Write(raw)
	}
	return nil
}

func (h *Handle) BufferSize() int { return bufferFramesDefault }

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dev != nil {
		_ = h.dev.Stop()
		h.dev.Uninit()
		h.dev = nil
	}
	if h.ctx != nil {
		_ = h.ctx.Uninit()
		h.ctx = nil
	}
	return nil
}

func floatsToBytes(f []float32) []byte {
	b := make([]byte, len(f)*4)
	for i, v := range f {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}
