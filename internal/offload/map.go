// Package offload implements DspOffloadMap (spec.md §4.G): per-device
// hardware-offload policy parsed from a static configuration string like
// "Speaker:(1,drc>eq2) Headphone:(6,eq2>drc)", and the NotStarted /
// OnDsp / OnCras state machine that decides whether a Pipeline's DSP
// runs on hardware or in-process.
package offload

import (
	"strconv"
	"strings"
	"sync"

	"github.com/opencras/crasd/internal/apperr"
	"github.com/opencras/crasd/internal/dsp"
)

// DisallowReason is one bit of DspOffloadMap.disallow_bits: a reason
// hardware offload is currently forbidden for a node, independent of
// whether its dsp_pattern would otherwise match.
type DisallowReason uint32

const (
	// DisallowFeatureOff means the offload feature flag is disabled.
	DisallowFeatureOff DisallowReason = 1 << iota
	// DisallowAecRef means the node is in use as an echo-cancellation
	// reference and cannot be altered underneath the AEC.
	DisallowAecRef
	// DisallowChannelMismatch means the pipeline's channel count does
	// not match the hardware pipeline_id's fixed channel count.
	DisallowChannelMismatch
	// DisallowPatternMismatch means the live pipeline's plugin sequence
	// does not match dsp_pattern for the node currently active.
	DisallowPatternMismatch
)

// State is one of DspOffloadMap's three states.
type State int

const (
	StateNotStarted State = iota
	StateOnDsp
	StateOnCras
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateOnDsp:
		return "on_dsp"
	case StateOnCras:
		return "on_cras"
	default:
		return "unknown"
	}
}

// NodeConfig is one device's parsed offload entry: the hardware
// pipeline_id and the ordered, '>'-separated label pattern hardware DSP
// is wired to implement (e.g. "drc>eq2").
type NodeConfig struct {
	PipelineID int
	Pattern    []string
}

// eq2BypassBlobSize matches internal/dsp/plugins.eq2BlobSize: the EQ2
// bypass blob is always exactly this many bytes (spec.md §4.G).
const eq2BypassBlobSize = 88

// HardwareMixer is the narrow interface DspOffloadMap needs from the
// hardware-mixer control surface: programming a DSP blob for a node and
// toggling its enable switch. A real implementation talks to the
// hardware mixer driver; tests use a fake.
type HardwareMixer interface {
	ProgramBlob(nodeLabel string, blob []byte) error
	SetSwitch(nodeLabel string, enabled bool) error
}

// Map is one device node's DspOffloadMap: parsed config, live disallow
// bits, and the OnDsp/OnCras/NotStarted state machine.
type Map struct {
	mu sync.Mutex

	nodeLabel    string
	config       NodeConfig
	disallowBits DisallowReason
	state        State
	appliedNode  int // index into the pipeline's instance order last offloaded, -1 if none

	mixer HardwareMixer
}

// New creates a Map for one device node, parsed config, and mixer
// control surface. It starts in NotStarted.
func New(nodeLabel string, config NodeConfig, mixer HardwareMixer) *Map {
	return &Map{nodeLabel: nodeLabel, config: config, state: StateNotStarted, appliedNode: -1, mixer: mixer}
}

// ParseOffloadMap parses a string like
// "Speaker:(1,drc>eq2) Headphone:(6,eq2>drc)" into per-node configs.
// Per spec.md Open Question O2, an empty pattern ("Speaker:(1,)") is
// treated as "pattern matches nothing, therefore offload disallowed by
// pattern" rather than "offload disabled for this node" — it still
// parses to a NodeConfig with an empty Pattern slice, and MatchesPattern
// against any non-empty live sequence then correctly returns false.
func ParseOffloadMap(s string) (map[string]NodeConfig, error) {
	result := make(map[string]NodeConfig)
	for _, entry := range strings.Fields(s) {
		name, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, apperr.Newf("offload map entry %q missing ':'", entry).
				Component("offload").Category(apperr.CategoryConfiguration).Build()
		}
		rest = strings.TrimSuffix(strings.TrimPrefix(rest, "("), ")")
		idStr, patternStr, ok := strings.Cut(rest, ",")
		if !ok {
			return nil, apperr.Newf("offload map entry %q missing pipeline_id,pattern", entry).
				Component("offload").Category(apperr.CategoryConfiguration).Build()
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, apperr.New(err).Component("offload").Category(apperr.CategoryConfiguration).
				Context("entry", entry).Build()
		}
		var pattern []string
		if patternStr != "" {
			pattern = strings.Split(patternStr, ">")
		}
		result[name] = NodeConfig{PipelineID: id, Pattern: pattern}
	}
	return result, nil
}

// SetDisallow sets one or more disallow bits.
func (m *Map) SetDisallow(reason DisallowReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disallowBits |= reason
}

// ClearDisallow clears one or more disallow bits.
func (m *Map) ClearDisallow(reason DisallowReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disallowBits &^= reason
}

// State returns the current state.
func (m *Map) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the map to NotStarted (any -> reset transition).
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateNotStarted
	m.appliedNode = -1
}

// matchesPattern reports whether the live, in-order labels of a
// pipeline's non-endpoint instances equal this node's configured
// dsp_pattern exactly.
func (m *Map) matchesPattern(liveLabels []string) bool {
	if len(m.config.Pattern) != len(liveLabels) {
		return false
	}
	for i, label := range m.config.Pattern {
		if label != liveLabels[i] {
			return false
		}
	}
	return true
}

// nonEndpointLabels returns the labels of every instance between the
// source and sink, in execution order.
func nonEndpointLabels(pipe *dsp.Pipeline) []string {
	instances := pipe.Instances()
	if len(instances) <= 2 {
		return nil
	}
	labels := make([]string, 0, len(instances)-2)
	for _, inst := range instances[1 : len(instances)-1] {
		labels = append(labels, inst.Label)
	}
	return labels
}

// Decide evaluates the offload decision for pipe against this node's
// current disallow bits and pattern, transitioning state and driving
// the hardware mixer as spec.md §4.G describes. It is the entry point
// for both the initial load_pipeline decision and any later readapt.
func (m *Map) Decide(pipe *dsp.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := nonEndpointLabels(pipe)
	patternOK := len(m.config.Pattern) > 0 && m.matchesPattern(live)
	if !patternOK {
		m.disallowBits |= DisallowPatternMismatch
	} else {
		m.disallowBits &^= DisallowPatternMismatch
	}

	wantDsp := m.disallowBits == 0
	switch {
	case wantDsp && m.state != StateOnDsp:
		return m.transitionToDspLocked(pipe)
	case !wantDsp && m.state != StateOnCras:
		return m.transitionToCrasLocked(pipe)
	}
	return nil
}

func (m *Map) transitionToDspLocked(pipe *dsp.Pipeline) error {
	instances := pipe.Instances()
	for i, inst := range instances {
		if i == 0 || i == len(instances)-1 {
			continue // endpoints are never part of dsp_pattern
		}
		blob, err := inst.Module.OffloadBlob()
		if err != nil {
			return apperr.New(err).Component("offload").Category(apperr.CategoryHardware).
				Context("node", m.nodeLabel).Context("plugin", inst.Title).Build()
		}
		if m.mixer != nil {
			if err := m.mixer.ProgramBlob(inst.Label, blob); err != nil {
				return apperr.New(err).Component("offload").Category(apperr.CategoryHardware).Build()
			}
			if err := m.mixer.SetSwitch(inst.Label, true); err != nil {
				return apperr.New(err).Component("offload").Category(apperr.CategoryHardware).Build()
			}
		}
		m.appliedNode = i
	}
	if err := pipe.ApplyOffload(true); err != nil {
		return err
	}
	m.state = StateOnDsp
	return nil
}

func (m *Map) transitionToCrasLocked(pipe *dsp.Pipeline) error {
	instances := pipe.Instances()
	for i, inst := range instances {
		if i == 0 || i == len(instances)-1 {
			continue
		}
		if m.mixer != nil {
			bypass, err := inst.Module.OffloadBlob()
			if err == nil {
				_ = m.mixer.ProgramBlob(inst.Label, bypass)
			}
			if err := m.mixer.SetSwitch(inst.Label, false); err != nil {
				return apperr.New(err).Component("offload").Category(apperr.CategoryHardware).Build()
			}
		}
	}
	if err := pipe.ApplyOffload(false); err != nil {
		return err
	}
	m.state = StateOnCras
	m.appliedNode = -1
	return nil
}

// AppliedNodeIdx returns the instance index most recently offloaded, or
// -1 if none (DspOffloadMap.AppliedNodeIdx bookkeeping per SPEC_FULL.md
// DOMAIN STACK).
func (m *Map) AppliedNodeIdx() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedNode
}

// DisallowBits returns the current disallow bitfield, for diagnostics.
func (m *Map) DisallowBits() DisallowReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disallowBits
}
