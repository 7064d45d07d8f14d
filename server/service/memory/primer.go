package memory

import (
	"os"
	"slices"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/agentmemory/internal/profile"
)

// Primer describes the memory system to an agent at the start of a session.
type Primer struct {
	Identity    string     `json:"identity" yaml:"identity"`
	Name        string     `json:"name" yaml:"name"`
	Version     string     `json:"version,omitempty" yaml:"version,omitempty"`
	Description string     `json:"description" yaml:"description"`
	Guidelines  []string   `json:"guidelines,omitempty" yaml:"guidelines,omitempty"`
	Tools       []ToolInfo `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// ToolInfo names one tool the agent may call.
type ToolInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// DefaultPrimer builds a primer from the profile alone.
func DefaultPrimer(p *profile.Profile) *Primer {
	primer := &Primer{
		Identity:    "agentmemory",
		Name:        "agentmemory",
		Description: "Persistent memory for an autonomous agent: conversations, resources and protocol logs.",
		Guidelines: []string{
			"Search past conversations before asking the user to repeat themselves.",
			"Store generated files as resources and attach them to the conversation that produced them.",
		},
	}
	if p != nil {
		if p.Name != "" {
			primer.Name = p.Name
		}
		if p.Description != "" {
			primer.Description = p.Description
		}
		primer.Version = p.Version
	}
	return primer
}

// LoadPrimer reads a YAML primer file. Fields it leaves empty fall back to
// DefaultPrimer.
func LoadPrimer(path string, p *profile.Profile) (*Primer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read primer %s", path)
	}
	loaded := &Primer{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, errors.Wrapf(err, "failed to parse primer %s", path)
	}

	primer := DefaultPrimer(p)
	if loaded.Identity != "" {
		primer.Identity = loaded.Identity
	}
	if loaded.Name != "" {
		primer.Name = loaded.Name
	}
	if loaded.Version != "" {
		primer.Version = loaded.Version
	}
	if loaded.Description != "" {
		primer.Description = loaded.Description
	}
	if len(loaded.Guidelines) > 0 {
		primer.Guidelines = loaded.Guidelines
	}
	primer.Tools = loaded.Tools
	return primer, nil
}

// YAML renders the primer in the format LoadPrimer reads.
func (p *Primer) YAML() ([]byte, error) {
	data, err := yaml.Marshal(p)
	return data, errors.Wrap(err, "failed to render primer")
}

// DescribeSystem returns a copy of the primer. Tools missing from the primer
// are filled from tools, keeping the primer's own entries first.
func (s *Service) DescribeSystem(tools ...ToolInfo) *Primer {
	primer := *s.primer
	primer.Guidelines = slices.Clone(s.primer.Guidelines)
	primer.Tools = slices.Clone(s.primer.Tools)
	for _, tool := range tools {
		if !slices.ContainsFunc(primer.Tools, func(t ToolInfo) bool { return t.Name == tool.Name }) {
			primer.Tools = append(primer.Tools, tool)
		}
	}
	return &primer
}
