package profile

import (
	"testing"

	"github.com/zulandar/stationmaster/internal/config"
)

func registryFrom(t *testing.T, yamlProfiles map[string]config.ProfileConfig, defaultName string) *Registry {
	t.Helper()
	cfg := &config.Config{
		Profiles:       yamlProfiles,
		ProfileDefault: defaultName,
	}
	cfg.Executor.Model = "fallback-model"
	return NewRegistry(cfg)
}

func TestNewRegistry_SynthesizesDefault(t *testing.T) {
	r := registryFrom(t, nil, "")
	p := r.Default()
	if p.Name != DefaultName {
		t.Errorf("Default().Name = %q, want %q", p.Name, DefaultName)
	}
	if p.Model != "fallback-model" {
		t.Errorf("Default().Model = %q, want executor model", p.Model)
	}
}

func TestNewRegistry_DefaultFallsBackWhenMissing(t *testing.T) {
	r := registryFrom(t, map[string]config.ProfileConfig{
		"default": {Model: "a"},
		"bridge":  {Model: "b"},
	}, "nope")
	if r.DefaultName() != "default" {
		t.Errorf("DefaultName() = %q, want %q", r.DefaultName(), "default")
	}
}

func TestGet_CaseInsensitive(t *testing.T) {
	r := registryFrom(t, map[string]config.ProfileConfig{
		"Bridge": {Model: "b"},
	}, "Bridge")

	p, ok := r.Get("bridge")
	if !ok {
		t.Fatal("Get(bridge) not found")
	}
	if p.Name != "Bridge" {
		t.Errorf("Name = %q, want %q", p.Name, "Bridge")
	}

	if _, ok := r.Get("  "); ok {
		t.Error("Get(blank) should not be found")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should not be found")
	}
}

func TestFromConfig_NormalizesAgentKeys(t *testing.T) {
	r := registryFrom(t, map[string]config.ProfileConfig{
		"default": {
			Agents: map[string]config.AgentConfig{
				" Plan.Reviewer ": {Model: "o4-mini", Instructions: " strict "},
				"":                {Model: "ignored"},
				"developer":       {},
			},
		},
	}, "default")

	p, _ := r.Get("default")
	if p.AgentModels["plan.reviewer"] != "o4-mini" {
		t.Errorf("AgentModels[plan.reviewer] = %q, want %q", p.AgentModels["plan.reviewer"], "o4-mini")
	}
	if p.AgentInstructions["plan.reviewer"] != "strict" {
		t.Errorf("AgentInstructions[plan.reviewer] = %q, want %q", p.AgentInstructions["plan.reviewer"], "strict")
	}
	if _, ok := p.AgentModels["developer"]; ok {
		t.Error("empty developer override should be dropped")
	}
}

func TestNames_Sorted(t *testing.T) {
	r := registryFrom(t, map[string]config.ProfileConfig{
		"zeta":    {},
		"Alpha":   {},
		"default": {},
	}, "default")
	names := r.Names()
	want := []string{"Alpha", "default", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
