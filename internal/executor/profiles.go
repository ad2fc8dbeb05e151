package executor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/stagehand/pkg/models"
)

// ProfileSet is the LLM profile configuration: one default profile plus
// per-stage overrides, loaded from profiles.yaml under the stagehand home.
// The profile a stage ran with is recorded on its StageExecution.
type ProfileSet struct {
	Default models.Profile            `yaml:"default"`
	Stages  map[string]models.Profile `yaml:"stages,omitempty"`
}

// DefaultProfiles returns the built-in profile set used when no
// profiles.yaml exists.
func DefaultProfiles() *ProfileSet {
	return &ProfileSet{Default: models.Profile{Name: "default", Model: "claude-sonnet"}}
}

// LoadProfiles reads a profile set from path. A missing file is not an
// error; it returns the built-in defaults.
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultProfiles(), nil
		}
		return nil, err
	}
	var ps ProfileSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if ps.Default.Name == "" {
		ps.Default.Name = "default"
	}
	if ps.Default.Model == "" {
		ps.Default.Model = DefaultProfiles().Default.Model
	}
	for stage, p := range ps.Stages {
		if !models.KnownStage(stage) {
			return nil, fmt.Errorf("profiles: unknown stage %q", stage)
		}
		if p.Name == "" {
			p.Name = strings.ToLower(stage)
			ps.Stages[stage] = p
		}
	}
	return &ps, nil
}

// ForStage returns the stage's profile, falling back to the default. A nil
// set behaves like the built-in defaults.
func (ps *ProfileSet) ForStage(stage string) models.Profile {
	if ps == nil {
		return DefaultProfiles().Default
	}
	if p, ok := ps.Stages[stage]; ok {
		return p
	}
	return ps.Default
}
