package plugins

import (
	"log/slog"

	"github.com/opencras/crasd/internal/dsp"
	"github.com/opencras/crasd/internal/logging"
)

// Sink is the terminal endpoint a Pipeline's caller reads from after
// each Run. It hosts the optional ExtDspModule tap (set via
// Pipeline.SetSinkExtModule) and an optional left/right channel swap —
// a cheap, commonly requested hardware-quirk workaround kept at the
// very last node of the graph.
//
// Sink assumes its PluginDesc declares only audio input ports, in
// channel order, with no control ports — so a port's absolute index
// doubles as its channel index.
type Sink struct {
	numChannels int
	swapLR      bool
	inputs      [][]float32
	logger      *slog.Logger
}

// NewSink is the registry factory for label "sink": channel count comes
// from the audio input port count; "swap_lr"="true" in Params enables
// the left/right swap workaround.
func NewSink(desc dsp.PluginDesc) (dsp.PluginModule, error) {
	return &Sink{
		numChannels: len(desc.AudioPorts(dsp.DirectionInput)),
		swapLR:      desc.Params["swap_lr"] == "true",
	}, nil
}

func (s *Sink) Instantiate(sampleRate float64) error {
	logger := logging.ForService("dsp")
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger.With("component", "sink", "channels", s.numChannels)
	s.inputs = make([][]float32, s.numChannels)
	return nil
}

func (s *Sink) ConnectPort(portIndex int, cells dsp.PortCells) error {
	if portIndex >= 0 && portIndex < len(s.inputs) {
		s.inputs[portIndex] = cells.Audio
	}
	return nil
}

func (s *Sink) Configure() error { return nil }

func (s *Sink) Run(frameCount int) error {
	if s.swapLR && len(s.inputs) >= 2 && s.inputs[0] != nil && s.inputs[1] != nil {
		for i := 0; i < frameCount; i++ {
			s.inputs[0][i], s.inputs[1][i] = s.inputs[1][i], s.inputs[0][i]
		}
	}
	return nil
}

func (s *Sink) Delay() uint32                { return 0 }
func (s *Sink) Properties() dsp.Flags        { return 0 }
func (s *Sink) OffloadBlob() ([]byte, error) { return nil, dsp.ErrUnsupported }
func (s *Sink) Deinstantiate() error         { return nil }
