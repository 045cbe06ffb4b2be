package dsp

import "errors"

// Flags records per-instance behavioral properties a PluginModule
// advertises back to the Pipeline buffer allocator and offload planner.
type Flags uint32

const (
	// FlagInplaceBroken marks a module that cannot write any output port
	// over any input port's buffer during the same Run call. The buffer
	// allocator must give such a module's outputs slots distinct from all
	// of its inputs, rather than the default in-place reuse.
	FlagInplaceBroken Flags = 1 << iota
)

// ErrUnsupported is returned by PluginModule.OffloadBlob for modules that
// have no hardware-offload representation.
var ErrUnsupported = errors.New("dsp: operation not supported by this plugin module")

// PortCells is how the Pipeline binds a PluginModule's port to its backing
// storage. Exactly one of Audio/Control is set, matching the port's Type.
type PortCells struct {
	// Audio is the buffer slot backing an audio port: always BlockMax
	// frames long, shared verbatim with the Pipeline's slot pool.
	Audio []float32

	// Control is the scalar cell backing a control port: for an input,
	// either a peer's control output cell or the port's own literal
	// init-value cell; for an output, a cell this module itself owns and
	// writes during Run.
	Control *float32
}

// PluginModule is the resolved, instantiated behavior behind a
// PluginDesc: the thing component C's registry manufactures and component
// F's Pipeline wires, schedules and runs.
type PluginModule interface {
	// Instantiate prepares the module for the given sample rate. Called
	// once, before any ConnectPort/Configure/Run call.
	Instantiate(sampleRate float64) error

	// ConnectPort binds one of the module's ports (by the index matching
	// its PluginDesc.Ports) to its backing storage. Called once per port
	// before Configure.
	ConnectPort(portIndex int, cells PortCells) error

	// Configure runs after every port is connected and before the first
	// Run; modules that derive internal state from their control-input
	// values (e.g. a compressor computing its knee curve) do it here.
	Configure() error

	// Run processes frameCount frames (<= BlockMax) using the bound
	// ports.
	Run(frameCount int) error

	// Delay returns the module's inherent processing latency in frames
	// (0 for purely memoryless modules), used to compute a pipeline's
	// total_delay.
	Delay() uint32

	// Properties reports this instance's Flags.
	Properties() Flags

	// OffloadBlob returns a hardware-offload configuration blob for this
	// module's current parameters, or ErrUnsupported if the module has no
	// offload representation.
	OffloadBlob() ([]byte, error)

	// Deinstantiate releases any resources acquired by Instantiate.
	Deinstantiate() error
}
