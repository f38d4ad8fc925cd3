package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/vm/pkg/types"
)

func TestResolve_NodeProject(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{"react":"^18.0.0"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline()
	rng := types.PortRange{Owner: "alice", Name: "proj", Start: 3000, Size: 10}
	cfg, err := p.Resolve(dir, "", "", rng)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Project.Template != "react" {
		t.Errorf("template = %q, want react", cfg.Project.Template)
	}
	if cfg.Ports["app"] != 3000 {
		t.Errorf("ports.app = %d, want 3000", cfg.Ports["app"])
	}
}

func TestDetectPreset_NextBeatsReact(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{"next":"^13.0.0","react":"^18.0.0"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := DetectPreset(dir); got != "next" {
		t.Errorf("DetectPreset = %q, want next", got)
	}
}

func TestDetectPreset_FallsBackToBase(t *testing.T) {
	dir := t.TempDir()
	if got := DetectPreset(dir); got != "base" {
		t.Errorf("DetectPreset = %q, want base", got)
	}
}

func TestDeepMerge_SequencesReplace(t *testing.T) {
	base := mustParse(t, "items:\n  - a\n  - b\n")
	overlay := mustParse(t, "items:\n  - c\n")
	merged := DeepMerge(base, overlay)

	var out struct {
		Items []string
	}
	if err := merged.Decode(&out); err != nil {
		t.Fatal(err)
	}
	want := []string{"c"}
	if len(out.Items) != len(want) {
		t.Fatalf("items = %v, want %v", out.Items, want)
	}
	for i := range want {
		if out.Items[i] != want[i] {
			t.Errorf("items[%d] = %q, want %q", i, out.Items[i], want[i])
		}
	}
}

func TestDeepMerge_ServiceMappingFieldsMerge(t *testing.T) {
	base := mustParse(t, "services:\n  postgresql:\n    enabled: true\n    port: 5432\n")
	overlay := mustParse(t, "services:\n  postgresql:\n    enabled: false\n")
	merged := DeepMerge(base, overlay)

	var out struct {
		Services struct {
			Postgresql struct {
				Enabled bool
				Port    int
			}
		}
	}
	if err := merged.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Services.Postgresql.Enabled {
		t.Errorf("enabled = true, want false (overlay should win)")
	}
	if out.Services.Postgresql.Port != 5432 {
		t.Errorf("port = %d, want 5432 (unset field preserved from base)", out.Services.Postgresql.Port)
	}
}

func TestEnsureServicePorts_PriorityOrder(t *testing.T) {
	cfg := &types.VmConfig{
		Services: map[string]types.ServiceSpec{
			"mongodb":    {Enabled: true},
			"redis":      {Enabled: true},
			"mysql":      {Enabled: true},
			"postgresql": {Enabled: true},
			"docker":     {Enabled: true},
		},
		ServiceOrder: []string{"mongodb", "redis", "mysql", "postgresql", "docker"},
		Ports:        map[string]int{},
	}
	rng := types.PortRange{Start: 3100, Size: 10}
	EnsureServicePorts(cfg, rng)

	want := map[string]int{
		"postgresql_port": 3109,
		"redis_port":       3108,
		"mysql_port":       3107,
		"mongodb_port":     3106,
	}
	for key, port := range want {
		if cfg.Ports[key] != port {
			t.Errorf("cfg.Ports[%q] = %d, want %d", key, cfg.Ports[key], port)
		}
	}
	if _, ok := cfg.Ports["docker_port"]; ok {
		t.Errorf("docker_port should not be assigned (docker has no port)")
	}
}

func TestEnsureServicePorts_DisabledInRangeCleared(t *testing.T) {
	rng := types.PortRange{Start: 3100, Size: 10}
	cfg := &types.VmConfig{
		Services: map[string]types.ServiceSpec{"postgresql": {Enabled: true}},
		Ports:    map[string]int{"postgresql_port": 3105, "manual_port": 9999},
	}

	cfg.Services["postgresql"] = types.ServiceSpec{Enabled: false}
	EnsureServicePorts(cfg, rng)

	if _, ok := cfg.Ports["postgresql_port"]; ok {
		t.Errorf("in-range port should be cleared when service is disabled")
	}
	if cfg.Ports["manual_port"] != 9999 {
		t.Errorf("manual out-of-range port must survive disable/enable, got %d", cfg.Ports["manual_port"])
	}
}

func mustParse(t *testing.T, text string) *yaml.Node {
	t.Helper()
	n, err := parseYAML(text)
	if err != nil {
		t.Fatal(err)
	}
	return n
}
