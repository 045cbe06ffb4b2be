// Package config parses the two text formats the daemon reads at
// startup and reload: the plugin-graph description file (spec.md §6)
// and the viper-backed daemon settings (sample rate, device names,
// offload map string, feature flags).
package config

import (
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/opencras/crasd/internal/apperr"
	"github.com/opencras/crasd/internal/dsp"
)

// reservedKeys are plugin-graph section keys with fixed meaning; every
// other key in a section becomes a PluginDesc.Params entry.
var reservedKeys = map[string]bool{
	"library": true,
	"label":   true,
	"purpose": true,
	"disable": true,
}

// ParseGraphFile parses an INI-formatted plugin-graph description
// (spec.md §6): one `[Title]` section per plugin, `library` (must be
// "builtin"), `label`, `purpose`, `disable`, and `input_N`/`output_N`
// port keys whose values are `{flow}` (audio flow), `<flow>` (control
// flow), or a bare float literal (unconnected control input). Any other
// key in a section is carried through as PluginDesc.Params.
func ParseGraphFile(path string) (*dsp.Description, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).
			Context("path", path).Build()
	}
	return parseGraph(cfg)
}

// ParseGraphString parses graph-file text directly, for tests and for
// embedding a default graph in the binary.
func ParseGraphString(text string) (*dsp.Description, error) {
	cfg, err := ini.Load([]byte(text))
	if err != nil {
		return nil, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).Build()
	}
	return parseGraph(cfg)
}

func parseGraph(cfg *ini.File) (*dsp.Description, error) {
	desc := &dsp.Description{Flows: make(map[string]dsp.Flow)}

	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		pd, err := parsePluginSection(section)
		if err != nil {
			return nil, err
		}
		desc.Plugins = append(desc.Plugins, pd)
	}

	for pluginIdx, pd := range desc.Plugins {
		for portIdx, port := range pd.Ports {
			if port.Direction != dsp.DirectionOutput || port.FlowName == "" {
				continue
			}
			if existing, ok := desc.Flows[port.FlowName]; ok {
				return nil, apperr.Newf("flow %q has two producers: plugin %d port %d and plugin %d port %d",
					port.FlowName, existing.FromPlugin, existing.FromPort, pluginIdx, portIdx).
					Component("config").Category(apperr.CategoryConfiguration).Build()
			}
			desc.Flows[port.FlowName] = dsp.Flow{
				Name: port.FlowName, Type: port.Type, FromPlugin: pluginIdx, FromPort: portIdx,
			}
		}
	}

	return desc, nil
}

func parsePluginSection(section *ini.Section) (dsp.PluginDesc, error) {
	pd := dsp.PluginDesc{
		Title:   section.Name(),
		Label:   section.Key("label").String(),
		Purpose: section.Key("purpose").String(),
		Disable: section.Key("disable").String(),
		Params:  make(map[string]string),
	}
	if pd.Label == "" {
		return pd, apperr.Newf("section %q missing 'label'", section.Name()).
			Component("config").Category(apperr.CategoryConfiguration).Build()
	}
	if lib := section.Key("library").String(); lib != "" && lib != "builtin" {
		return pd, apperr.Newf("section %q: unsupported library %q (only 'builtin')", section.Name(), lib).
			Component("config").Category(apperr.CategoryConfiguration).Build()
	}

	type portKey struct {
		dir Direction2
		n   int
		key *ini.Key
	}
	var portKeys []portKey
	for _, key := range section.Keys() {
		name := key.Name()
		switch {
		case reservedKeys[name]:
			continue
		case strings.HasPrefix(name, "input_"):
			n, err := strconv.Atoi(strings.TrimPrefix(name, "input_"))
			if err != nil {
				return pd, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).
					Context("section", section.Name()).Context("key", name).Build()
			}
			portKeys = append(portKeys, portKey{dir: dirInput, n: n, key: key})
		case strings.HasPrefix(name, "output_"):
			n, err := strconv.Atoi(strings.TrimPrefix(name, "output_"))
			if err != nil {
				return pd, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).
					Context("section", section.Name()).Context("key", name).Build()
			}
			portKeys = append(portKeys, portKey{dir: dirOutput, n: n, key: key})
		default:
			pd.Params[name] = key.String()
		}
	}

	sort.Slice(portKeys, func(i, j int) bool {
		if portKeys[i].dir != portKeys[j].dir {
			return portKeys[i].dir < portKeys[j].dir
		}
		return portKeys[i].n < portKeys[j].n
	})

	for _, pk := range portKeys {
		port, err := parsePortValue(pk.key.String())
		if err != nil {
			return pd, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).
				Context("section", section.Name()).Context("key", pk.key.Name()).Build()
		}
		port.Direction = toDspDirection(pk.dir)
		port.Name = pk.key.Name()
		pd.Ports = append(pd.Ports, port)
	}

	return pd, nil
}

// Direction2 distinguishes input/output prefixes while scanning section
// keys, kept separate from dsp.Direction so sort ordering (input before
// output) is explicit and local to the parser.
type Direction2 int

const (
	dirInput Direction2 = iota
	dirOutput
)

func toDspDirection(d Direction2) dsp.Direction {
	if d == dirInput {
		return dsp.DirectionInput
	}
	return dsp.DirectionOutput
}

// parsePortValue parses one input_N/output_N value: "{flow}" is an
// audio flow reference, "<flow>" is a control flow reference, anything
// else must parse as a float literal (a control input's fixed value).
func parsePortValue(raw string) (dsp.Port, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"):
		return dsp.Port{Type: dsp.PortTypeAudio, FlowName: strings.TrimSuffix(strings.TrimPrefix(raw, "{"), "}")}, nil
	case strings.HasPrefix(raw, "<") && strings.HasSuffix(raw, ">"):
		return dsp.Port{Type: dsp.PortTypeControl, FlowName: strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")}, nil
	default:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return dsp.Port{}, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).Build()
		}
		return dsp.Port{Type: dsp.PortTypeControl, InitValue: v}, nil
	}
}
