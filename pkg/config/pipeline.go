// Package config implements the layered configuration pipeline: embedded
// defaults, overlaid with a detected-or-named preset, overlaid with the
// user's own vm.yaml, with host port placeholders resolved against the
// workspace's reserved port range before the preset is parsed.
package config

import (
	"embed"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/vm/pkg/log"
	"github.com/cuemby/vm/pkg/types"
	"github.com/cuemby/vm/pkg/werrors"
)

//go:embed presets/*.yaml
var presetsFS embed.FS

// LoadPresetRaw returns the raw (pre-substitution) YAML text of a preset.
// When pluginDir is non-empty, an externally-installed preset at
// <pluginDir>/presets/<name>/preset.yaml takes priority over the
// embedded copy, per the layered preset/plugin lookup; either way it
// falls back to the embedded "base" preset if name is unknown.
func LoadPresetRaw(pluginDir, name string) (string, error) {
	if pluginDir != "" {
		if data, err := os.ReadFile(filepath.Join(pluginDir, "presets", name, "preset.yaml")); err == nil {
			return string(data), nil
		}
	}
	data, err := presetsFS.ReadFile(filepath.Join("presets", name+".yaml"))
	if err != nil {
		data, err = presetsFS.ReadFile(filepath.Join("presets", "base.yaml"))
		if err != nil {
			return "", werrors.Wrap(err, werrors.CodeInternal, "read embedded base preset")
		}
	}
	return string(data), nil
}

func defaultsRaw() (string, error) {
	data, err := presetsFS.ReadFile(filepath.Join("presets", "defaults.yaml"))
	if err != nil {
		return "", werrors.Wrap(err, werrors.CodeInternal, "read embedded defaults")
	}
	return string(data), nil
}

// Pipeline resolves a workspace's final VmConfig.
type Pipeline struct {
	// PluginDir is the root of externally-installed presets/services
	// (<PluginDir>/presets/<name>/preset.yaml), checked before the
	// embedded fallback. Empty means embedded-only.
	PluginDir string
}

// NewPipeline constructs a Pipeline that resolves presets from the
// embedded defaults only; call WithPluginDir to also consult an
// external plugin directory.
func NewPipeline() *Pipeline { return &Pipeline{} }

// WithPluginDir attaches an external plugin directory, mirroring the
// snapshot engine's WithBroker fluent-setter style.
func (p *Pipeline) WithPluginDir(dir string) *Pipeline {
	p.PluginDir = dir
	return p
}

// Resolve builds the merged config for a workspace: defaults, then the
// preset (detected from projectDir when presetName is empty), then the
// contents of userConfigPath if it exists, in that order. rng must
// already be reserved before calling Resolve, since preset port
// placeholders are substituted against it.
func (p *Pipeline) Resolve(projectDir, presetName, userConfigPath string, rng types.PortRange) (*types.VmConfig, error) {
	logger := log.WithComponent("config")

	presetName = p.resolvePresetName(projectDir, presetName)
	logger.Debug().Str("preset", presetName).Msg("resolved preset")

	defaultsText, err := defaultsRaw()
	if err != nil {
		return nil, err
	}
	defaultsNode, err := parseYAML(defaultsText)
	if err != nil {
		return nil, werrors.Wrap(err, werrors.CodeValidation, "parse embedded defaults")
	}

	presetText, err := LoadPresetRaw(p.PluginDir, presetName)
	if err != nil {
		return nil, err
	}
	presetText = SubstitutePortPlaceholders(presetText, rng)
	presetNode, err := parseYAML(presetText)
	if err != nil {
		return nil, werrors.Wrapf(err, werrors.CodeValidation, "parse preset %q", presetName)
	}

	merged := DeepMerge(defaultsNode, presetNode)

	if userConfigPath != "" {
		if data, err := os.ReadFile(userConfigPath); err == nil {
			userText := SubstitutePortPlaceholders(string(data), rng)
			userNode, err := parseYAML(userText)
			if err != nil {
				return nil, werrors.Wrapf(err, werrors.CodeValidation, "parse %s", userConfigPath)
			}
			merged = DeepMerge(merged, userNode)
		} else if !os.IsNotExist(err) {
			return nil, werrors.Wrapf(err, werrors.CodeFilesystem, "read %s", userConfigPath)
		}
	}

	var cfg types.VmConfig
	if err := merged.Decode(&cfg); err != nil {
		return nil, werrors.Wrap(err, werrors.CodeValidation, "decode merged config")
	}
	if cfg.Project.Template == "" {
		cfg.Project.Template = presetName
	}
	cfg.ServiceOrder = serviceDeclarationOrder(merged)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (p *Pipeline) resolvePresetName(projectDir, presetName string) string {
	if presetName != "" {
		return presetName
	}
	if projectDir == "" {
		return "base"
	}
	return DetectPreset(projectDir)
}

// serviceDeclarationOrder walks the merged document's top-level "services"
// mapping and returns its keys in YAML declaration order, the only way to
// recover that order once decoded into a plain Go map.
func serviceDeclarationOrder(merged *yaml.Node) []string {
	if merged == nil || merged.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(merged.Content); i += 2 {
		if merged.Content[i].Value != "services" {
			continue
		}
		svcNode := merged.Content[i+1]
		if svcNode.Kind != yaml.MappingNode {
			return nil
		}
		order := make([]string, 0, len(svcNode.Content)/2)
		for j := 0; j+1 < len(svcNode.Content); j += 2 {
			order = append(order, svcNode.Content[j].Value)
		}
		return order
	}
	return nil
}

func parseYAML(text string) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 {
		// Empty document.
		return &yaml.Node{Kind: yaml.MappingNode}, nil
	}
	return unwrapDocument(&doc), nil
}

// Validate checks structural invariants the merge/decode step can't
// enforce on its own: a non-empty project name, a known provider, and a
// parseable resources.memory/resources.cpus grammar.
func Validate(cfg *types.VmConfig) error {
	if cfg.Project.Name == "" {
		return werrors.New(werrors.CodeValidation, "project.name must not be empty")
	}
	switch cfg.Provider {
	case types.ProviderContainer, types.ProviderNativeVM, "":
	default:
		return werrors.New(werrors.CodeValidation, "unknown provider: "+string(cfg.Provider))
	}
	if cfg.Provider == "" {
		cfg.Provider = types.ProviderContainer
	}
	if cfg.Resources.Memory != "" {
		if _, err := ParseLimitValue(cfg.Resources.Memory); err != nil {
			return werrors.Wrap(err, werrors.CodeValidation, "resources.memory")
		}
	}
	if cfg.Resources.CPUs != "" {
		if _, err := ParseLimitValue(cfg.Resources.CPUs); err != nil {
			return werrors.Wrap(err, werrors.CodeValidation, "resources.cpus")
		}
	}
	return nil
}

// servicePriority lists the services that are always assigned a port
// before any other configured service, in this order (spec.md §4.3 step
// 6, §8 scenario 1). Services enabled in cfg.Services but absent from
// this list are assigned afterward, in cfg.ServiceOrder (declaration
// order).
var servicePriority = []string{"postgresql", "redis", "mysql", "mongodb"}

// noPortServices lists services that are configured like any other but
// never receive an auto-assigned host port — they're reached some other
// way (docker, for instance, is the host's own daemon socket, not a TCP
// service this workspace publishes a port for).
var noPortServices = map[string]bool{"docker": true}

// EnsureServicePorts assigns a host port to every service enabled in
// cfg.Services that doesn't already have one under cfg.Ports, working
// downward from the top of rng in priority order so higher-priority
// services land on higher ports (postgresql before redis before mysql
// before mongodb, then any other enabled service in declaration order).
// A service that is disabled but still carries a port inside rng has
// that port cleared — it was necessarily auto-assigned, since a
// manually-configured port outside rng is left untouched and survives
// disable/enable cycles (spec.md §8 scenario 2; the two cases are
// genuinely indistinguishable once a port lands inside the range, by
// design — see DESIGN.md Open Question decisions).
func EnsureServicePorts(cfg *types.VmConfig, rng types.PortRange) {
	if cfg.Ports == nil {
		cfg.Ports = map[string]int{}
	}

	for svc, spec := range cfg.Services {
		if spec.Enabled {
			continue
		}
		key := svc + "_port"
		if port, ok := cfg.Ports[key]; ok && port >= rng.Start && port <= rng.End() {
			delete(cfg.Ports, key)
		}
	}

	used := map[int]bool{}
	for _, p := range cfg.Ports {
		used[p] = true
	}
	next := rng.End()
	nextFree := func() int {
		for used[next] {
			next--
		}
		used[next] = true
		return next
	}

	for _, svc := range orderedEnabledServices(cfg) {
		if noPortServices[svc] {
			continue
		}
		key := svc + "_port"
		if _, ok := cfg.Ports[key]; ok {
			continue
		}
		if next < rng.Start {
			break
		}
		cfg.Ports[key] = nextFree()
	}
}

// orderedEnabledServices returns the names of cfg's enabled services in
// priority order (servicePriority first, then everything else in
// cfg.ServiceOrder, falling back to the set's natural order if
// ServiceOrder wasn't populated).
func orderedEnabledServices(cfg *types.VmConfig) []string {
	seen := map[string]bool{}
	var out []string

	for _, svc := range servicePriority {
		if cfg.Services[svc].Enabled && !seen[svc] {
			out = append(out, svc)
			seen[svc] = true
		}
	}

	rest := cfg.ServiceOrder
	if rest == nil {
		for svc := range cfg.Services {
			rest = append(rest, svc)
		}
	}
	for _, svc := range rest {
		if cfg.Services[svc].Enabled && !seen[svc] {
			out = append(out, svc)
			seen[svc] = true
		}
	}
	return out
}
