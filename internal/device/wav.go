package device

import (
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/opencras/crasd/internal/apperr"
)

// WavHandle is a PcmHandle that writes everything committed to it into a
// WAV file, used by `crasd dump` to render a pipeline's output without
// real hardware (SPEC_FULL.md CLI surface).
type WavHandle struct {
	mu         sync.Mutex
	file       *os.File
	enc        *wav.Encoder
	format     Format
	bufferSize int
	ring       []float32
	written    int
}

// NewWavHandle opens path for writing and returns a playback-only
// PcmHandle that encodes every committed frame as 16-bit PCM.
func NewWavHandle(path string, bufferSize int) (*WavHandle, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, apperr.New(err).Component("device").Category(apperr.CategoryResource).
			Context("path", path).Build()
	}
	return &WavHandle{file: f, bufferSize: bufferSize}, nil
}

func (w *WavHandle) Configure(format Format) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.format = format
	w.enc = wav.NewEncoder(w.file, format.SampleRate, 16, format.Channels, 1)
	w.ring = make([]float32, w.bufferSize*format.Channels)
	return nil
}

func (w *WavHandle) FramesQueued() (int, error) { return 0, nil }
func (w *WavHandle) HwLevel() (int, error)      { return 0, nil }

func (w *WavHandle) Begin(maxFrames int) ([]float32, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := maxFrames
	if frames > w.bufferSize {
		frames = w.bufferSize
	}
	ch := w.format.Channels
	if ch == 0 {
		ch = 1
	}
	for i := range w.ring[:frames*ch] {
		w.ring[i] = 0
	}
	return w.ring[:frames*ch], frames, nil
}

func (w *WavHandle) Commit(frames int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := w.format.Channels
	if ch == 0 {
		ch = 1
	}
	ints := make([]int, frames*ch)
	for i := 0; i < frames*ch && i < len(w.ring); i++ {
		s := w.ring[i] * 32767.0
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		ints[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{SampleRate: w.format.SampleRate, NumChannels: ch},
		Data:   ints,
	}
	if err := w.enc.Write(buf); err != nil {
		return apperr.New(err).Component("device").Category(apperr.CategoryResource).Build()
	}
	w.written += frames
	return nil
}

func (w *WavHandle) BufferSize() int { return w.bufferSize }

func (w *WavHandle) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			_ = w.file.Close()
			return apperr.New(err).Component("device").Category(apperr.CategoryResource).Build()
		}
	}
	return w.file.Close()
}
