// Package scheduler provides the audio-thread/main-thread glue spec.md
// §4.I and §5 describe: a handoff object for the live Pipeline, an
// opaque timer service, a lock-free main message bus, and the audio
// thread's poll loop itself.
package scheduler

import (
	"sync"

	"github.com/opencras/crasd/internal/dsp"
)

// DspContext is the handoff object between the main thread (which owns
// Description+Env and performs pipeline rebuilds) and the audio thread
// (which owns DeviceIo and calls Pipeline.Run). The main thread writes
// via PutPipeline; the audio thread reads via GetPipeline. The mutex is
// held for the duration of the pointer exchange only — module
// instantiation and teardown both happen on the main thread outside the
// locked region (spec.md §4.I).
type DspContext struct {
	mu       sync.Mutex
	pipeline *dsp.Pipeline
}

// NewDspContext returns an empty handoff holding no pipeline.
func NewDspContext() *DspContext {
	return &DspContext{}
}

// GetPipeline returns the currently live pipeline, or nil if none has
// been published yet. Called from the audio thread once per poll
// iteration; the returned pointer is safe to use without further
// locking until the next GetPipeline call, since PutPipeline only ever
// replaces the pointer, never mutates the pipeline a reader already
// holds.
func (c *DspContext) GetPipeline() *dsp.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

// PutPipeline publishes a newly constructed (or rebuilt) pipeline,
// replacing whatever was previously live. Called from the main thread
// only, after the new Pipeline has been fully loaded — construction
// failures must never reach PutPipeline, so that a given block of audio
// is always fully processed by either the old pipeline or the new one,
// never a partially built one (spec.md §5, "Pipeline swap is atomic").
func (c *DspContext) PutPipeline(p *dsp.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipeline = p
}
