package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/RC-CHN/bay/internal/model"
)

// ProfileRegistry holds the enumerated profile set loaded at startup.
// Profiles are immutable for the life of the process.
type ProfileRegistry struct {
	byID  map[string]*model.Profile
	order []string
}

// LoadProfiles parses and validates a yaml profile file.
//
// File layout:
//
//	profiles:
//	  - id: python-default
//	    idle_timeout_seconds: 600
//	    default_ttl_seconds: 3600
//	    containers:
//	      - name: ship
//	        image: bay-code-runtime:latest
//	        ...
func LoadProfiles(path string) (*ProfileRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}
	var doc struct {
		Profiles []model.Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}
	return NewProfileRegistry(doc.Profiles)
}

// NewProfileRegistry validates each profile and indexes it by id.
func NewProfileRegistry(profiles []model.Profile) (*ProfileRegistry, error) {
	r := &ProfileRegistry{byID: make(map[string]*model.Profile)}
	for i := range profiles {
		p := profiles[i]
		if err := validateProfile(&p); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.ID, err)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("profile %q: duplicate id", p.ID)
		}
		r.byID[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no profiles configured")
	}
	return r, nil
}

func validateProfile(p *model.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	if len(p.Containers) == 0 {
		return fmt.Errorf("no containers")
	}
	names := map[string]bool{}
	for _, c := range p.Containers {
		if c.Name == "" || c.Image == "" {
			return fmt.Errorf("container needs name and image")
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate container name %q", c.Name)
		}
		names[c.Name] = true
		if c.RuntimePort <= 0 {
			return fmt.Errorf("container %q: runtime_port required", c.Name)
		}
		switch c.RuntimeType {
		case model.RuntimeTypeCode, model.RuntimeTypeBrowser:
		default:
			return fmt.Errorf("container %q: unknown runtime_type %q", c.Name, c.RuntimeType)
		}
		if len(c.Capabilities) == 0 {
			return fmt.Errorf("container %q: no capabilities", c.Name)
		}
		for _, declared := range c.Capabilities {
			if !knownCapability(declared) {
				return fmt.Errorf("container %q: unknown capability %q", c.Name, declared)
			}
		}
		// A primary_for claim only makes sense for an advertised capability.
		for _, claimed := range c.PrimaryFor {
			if !c.HasCapability(claimed) {
				return fmt.Errorf("container %q: primary_for %q not in capabilities", c.Name, claimed)
			}
		}
	}
	if p.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle_timeout_seconds required")
	}
	return nil
}

func knownCapability(cap model.Capability) bool {
	for _, known := range model.KnownCapabilities {
		if cap == known {
			return true
		}
	}
	return false
}

// Get returns the profile with the given id.
func (r *ProfileRegistry) Get(id string) (*model.Profile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// List returns all profiles in declaration order.
func (r *ProfileRegistry) List() []*model.Profile {
	out := make([]*model.Profile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the sorted profile ids, used in validation error details.
func (r *ProfileRegistry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}
