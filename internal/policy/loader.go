package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/stagehand/pkg/models"
)

// policiesFile is the on-disk shape of ~/.stagehand/policies.yaml. Entries
// override or extend the built-ins by name.
type policiesFile struct {
	Policies []models.RoutingPolicy `yaml:"policies"`
}

// Set holds the registered policies, seeded with the built-ins.
type Set struct {
	mu       sync.RWMutex
	policies map[string]models.RoutingPolicy
}

func NewSet() *Set {
	s := &Set{policies: make(map[string]models.RoutingPolicy)}
	for _, p := range Builtins() {
		s.policies[p.Name] = p
	}
	return s
}

// Get returns the policy by name.
func (s *Set) Get(name string) (models.RoutingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return models.RoutingPolicy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names lists the registered policy names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.policies))
	for name := range s.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Apply normalizes, validates, and upserts policies. On any validation error
// nothing is applied.
func (s *Set) Apply(policies []models.RoutingPolicy) error {
	for i := range policies {
		Normalize(&policies[i])
		if err := Validate(policies[i]); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range policies {
		s.policies[p.Name] = p
	}
	return nil
}

// LoadFile applies the policies at path. A missing file leaves the set
// unchanged.
func (s *Set) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var pf policiesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("decode policies: %w", err)
	}
	if len(pf.Policies) == 0 {
		return fmt.Errorf("decode policies: no policies in %s", path)
	}
	return s.Apply(pf.Policies)
}
