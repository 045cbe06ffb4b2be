package plugins

import "github.com/opencras/crasd/internal/dsp"

// RegisterBuiltins wires every built-in plugin into r under its
// PluginGraphDescription label. Called once, by the config/wiring layer,
// before any Pipeline is constructed against that registry.
func RegisterBuiltins(r *dsp.Registry) {
	r.Register(dsp.LabelSource, NewSource)
	r.Register(dsp.LabelSink, NewSink)
	r.Register("gain", NewGain)
	r.Register("mix", NewMix)
	r.Register("eq2", NewEq2)
	r.Register("drc", NewDrc)
}
