// Package profile holds execution profiles: named bundles of model,
// working directory, and per-agent overrides that a session can switch
// between via /profile.
package profile

import (
	"sort"
	"strings"

	"github.com/zulandar/stationmaster/internal/config"
)

// DefaultName is the profile used when none is configured or selected.
const DefaultName = "default"

// Profile is a resolved execution profile.
type Profile struct {
	Name             string
	Model            string
	WorkingDirectory string
	// AgentModels and AgentInstructions map normalized agent keys
	// (e.g. "plan.reviewer") to overrides.
	AgentModels       map[string]string
	AgentInstructions map[string]string
}

// Registry is an immutable set of profiles with a designated default.
type Registry struct {
	profiles    map[string]Profile
	defaultName string
}

// NewRegistry builds a Registry from config. When the config declares no
// profiles, a single default profile is synthesized from the executor
// settings so every session always has a valid profile.
func NewRegistry(cfg *config.Config) *Registry {
	profiles := make(map[string]Profile)
	for name, pc := range cfg.Profiles {
		cleaned := strings.TrimSpace(name)
		if cleaned == "" {
			continue
		}
		profiles[cleaned] = fromConfig(cleaned, pc)
	}
	if len(profiles) == 0 {
		profiles[DefaultName] = Profile{
			Name:             DefaultName,
			Model:            cfg.Executor.Model,
			WorkingDirectory: cfg.Executor.WorkDir,
		}
	}

	defaultName := strings.TrimSpace(cfg.ProfileDefault)
	if _, ok := profiles[defaultName]; !ok {
		if _, ok := profiles[DefaultName]; ok {
			defaultName = DefaultName
		} else {
			names := sortedNames(profiles)
			defaultName = names[0]
		}
	}
	return &Registry{profiles: profiles, defaultName: defaultName}
}

// fromConfig normalizes a ProfileConfig into a Profile. Agent keys are
// lower-cased; empty models/instructions are dropped.
func fromConfig(name string, pc config.ProfileConfig) Profile {
	p := Profile{
		Name:              name,
		Model:             strings.TrimSpace(pc.Model),
		WorkingDirectory:  strings.TrimSpace(pc.WorkingDirectory),
		AgentModels:       make(map[string]string),
		AgentInstructions: make(map[string]string),
	}
	for key, ac := range pc.Agents {
		normalized := strings.ToLower(strings.TrimSpace(key))
		if normalized == "" {
			continue
		}
		if model := strings.TrimSpace(ac.Model); model != "" {
			p.AgentModels[normalized] = model
		}
		if instr := strings.TrimSpace(ac.Instructions); instr != "" {
			p.AgentInstructions[normalized] = instr
		}
	}
	return p
}

// Get returns the profile with the given name, trying an exact match first
// and then a case-insensitive match. Returns false when not found.
func (r *Registry) Get(name string) (Profile, bool) {
	cleaned := strings.TrimSpace(name)
	if cleaned == "" {
		return Profile{}, false
	}
	if p, ok := r.profiles[cleaned]; ok {
		return p, true
	}
	lowered := strings.ToLower(cleaned)
	for candidate, p := range r.profiles {
		if strings.ToLower(candidate) == lowered {
			return p, true
		}
	}
	return Profile{}, false
}

// Default returns the registry's default profile.
func (r *Registry) Default() Profile {
	if p, ok := r.profiles[r.defaultName]; ok {
		return p
	}
	// Unreachable by construction, but never return a nameless profile.
	return Profile{Name: DefaultName}
}

// Names returns all profile names sorted case-insensitively.
func (r *Registry) Names() []string {
	return sortedNames(r.profiles)
}

// DefaultName returns the name of the default profile.
func (r *Registry) DefaultName() string {
	return r.defaultName
}

func sortedNames(profiles map[string]Profile) []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}
