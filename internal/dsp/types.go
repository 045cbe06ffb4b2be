// Package dsp implements the plugin-graph pipeline engine: the plugin
// registry, the graph description arena, the symbol environment used to
// evaluate disable expressions, and the constructed Pipeline itself.
package dsp

import "github.com/opencras/crasd/internal/apperr"

// BlockMax is the largest number of frames a single Pipeline.Run call will
// ever process; every audio buffer slot is sized to hold exactly this many
// frames.
const BlockMax = 2048

// Direction classifies a Port as carrying data into or out of its plugin.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// PortType distinguishes block-rate audio ports from scalar control ports.
type PortType int

const (
	PortTypeAudio PortType = iota
	PortTypeControl
)

// Port describes a single named port on a PluginDesc, before the graph is
// resolved into an executable Pipeline.
type Port struct {
	Name      string
	Direction Direction
	Type      PortType

	// FlowName names the Flow this port participates in. Empty for a
	// control input that instead carries a literal value.
	FlowName string

	// InitValue is the literal value used when a control input port has
	// no FlowName. Unused for audio ports and control outputs.
	InitValue float64
}

// HasFlow reports whether the port is wired to a named Flow.
func (p Port) HasFlow() bool { return p.FlowName != "" }

// Flow is a named edge of the graph: it connects one plugin's output port
// to one (or, for audio, conceptually many) other plugins' input ports of
// the same FlowName and Type.
type Flow struct {
	Name       string
	Type       PortType
	FromPlugin int // index into Description.Plugins
	FromPort   int // index into that plugin's Ports
}

const (
	LabelSource = "source"
	LabelSink   = "sink"
)

// PluginDesc is one node of a plugin-graph description: an unresolved
// reference to a registry factory, plus its wiring and its disable
// expression.
type PluginDesc struct {
	Label   string // registry key, e.g. "gain", "eq2", "drc"
	Title   string // human-readable instance name, unique within a Description
	Purpose string // arbitrary tag consumers group/select plugins by (e.g. "playback", "capture")
	Disable string // boolean expression over ExprEnv; empty means always enabled
	Ports   []Port

	// Params carries the plugin-graph file's raw per-node key/value
	// settings (e.g. "initial_gain", "band0_hz") through to the
	// registry factory, which parses whatever keys its label expects.
	Params map[string]string
}

// AudioPorts returns the indices, in port order, of this plugin's ports
// matching the given direction and PortTypeAudio.
func (d PluginDesc) AudioPorts(dir Direction) []int {
	var out []int
	for i, p := range d.Ports {
		if p.Type == PortTypeAudio && p.Direction == dir {
			out = append(out, i)
		}
	}
	return out
}

// ControlPorts returns the indices, in port order, of this plugin's ports
// matching the given direction and PortTypeControl.
func (d PluginDesc) ControlPorts(dir Direction) []int {
	var out []int
	for i, p := range d.Ports {
		if p.Type == PortTypeControl && p.Direction == dir {
			out = append(out, i)
		}
	}
	return out
}

// Description is the arena holding every plugin and flow a
// PluginGraphDescription file resolves to. Plugins and Flows are addressed
// by index/key rather than pointer so the whole graph can be validated and
// reordered without invalidating references.
type Description struct {
	Plugins []PluginDesc
	Flows   map[string]Flow
}

// FindPlugin returns the index of the plugin with the given title, or -1.
func (d *Description) FindPlugin(title string) int {
	for i, p := range d.Plugins {
		if p.Title == title {
			return i
		}
	}
	return -1
}

// SampleEncoding names a raw PCM sample layout Pipeline.Apply can
// deinterleave/interleave against.
type SampleEncoding int

const (
	// EncodingS16LE is signed 16-bit little-endian, scaled to ±1.0.
	EncodingS16LE SampleEncoding = iota
	// EncodingS32LE is signed 32-bit little-endian, scaled to ±1.0.
	EncodingS32LE
	// EncodingFloat32LE is IEEE-754 float32 little-endian, already ±1.0.
	EncodingFloat32LE
)

// BytesPerSample returns the width of one sample in this encoding.
func (e SampleEncoding) BytesPerSample() int {
	switch e {
	case EncodingS16LE:
		return 2
	case EncodingS32LE, EncodingFloat32LE:
		return 4
	default:
		return 0
	}
}

// SampleFormat describes the raw interleaved PCM layout Pipeline.Apply
// operates on: spec.md §4.F's `sample_format` plus the channel count its
// validation step checks against the pipeline's own channel counts.
type SampleFormat struct {
	Encoding    SampleEncoding
	NumChannels int
}

// FrameBytes returns the byte width of one interleaved frame (all
// channels) in this format.
func (f SampleFormat) FrameBytes() int {
	return f.Encoding.BytesPerSample() * f.NumChannels
}

// FindEndpoint returns the index of the unique plugin with the given
// label ("source" or "sink") and purpose.
func (d *Description) FindEndpoint(label, purpose string) (int, error) {
	found := -1
	for i, p := range d.Plugins {
		if p.Label == label && p.Purpose == purpose {
			if found != -1 {
				return -1, apperr.Newf("duplicate %s for purpose %q", label, purpose).
					Component("dsp").Category(apperr.CategoryValidation).Build()
			}
			found = i
		}
	}
	if found == -1 {
		return -1, apperr.Newf("no %s found for purpose %q", label, purpose).
			Component("dsp").Category(apperr.CategoryValidation).Build()
	}
	return found, nil
}
