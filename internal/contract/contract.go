// Package contract manages versioned stage contracts: per stage, the required
// input keys, the activity, the produced output keys, and the exit criteria.
// A run entering a stage resolves the then-active version and keeps it for
// that execution even if a newer set is registered mid-flight.
package contract

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/stagehand/pkg/models"
)

// fileSet is the on-disk shape of a contract set (~/.stagehand/contracts.yaml).
type fileSet struct {
	Stages map[string]models.StageContract `yaml:"stages"`
}

// Defaults returns the built-in contracts for the six stages.
func Defaults() map[string]models.StageContract {
	return map[string]models.StageContract{
		models.StagePlan: {
			Stage:           models.StagePlan,
			RequiredInputs:  []string{"scope"},
			Activity:        "analyze the scoped unit of work and draft the step plan",
			ProducedOutputs: []string{"plan", "work_units"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"plan"},
				OnMissing:       models.ReasonScopeAmbiguous,
			},
		},
		models.StageDesign: {
			Stage:           models.StageDesign,
			RequiredInputs:  []string{"plan"},
			Activity:        "map each planned work unit to concrete design artifacts",
			ProducedOutputs: []string{"design", "coverage"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"design", "coverage"},
				OnMissing:       models.ReasonCoverageGap,
				Thresholds: []models.Threshold{
					{Output: "coverage", Min: 95, ReasonCode: models.ReasonCoverageGap},
				},
			},
		},
		models.StageImplement: {
			Stage:           models.StageImplement,
			RequiredInputs:  []string{"design"},
			Activity:        "produce the executable artifacts the design calls for",
			ProducedOutputs: []string{"artifacts", "lint_report"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"artifacts"},
			},
		},
		models.StageValidate: {
			Stage:           models.StageValidate,
			RequiredInputs:  []string{"artifacts"},
			Activity:        "review the artifacts against the design for gaps",
			ProducedOutputs: []string{"verdict", "gaps"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"verdict"},
			},
		},
		models.StageDryRun: {
			Stage:           models.StageDryRun,
			RequiredInputs:  []string{"artifacts", "verdict"},
			Activity:        "execute the artifacts against the target environment without committing",
			ProducedOutputs: []string{"report"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"report"},
				OnMissing:       models.ReasonScriptError,
			},
		},
		models.StageGit: {
			Stage:           models.StageGit,
			RequiredInputs:  []string{"artifacts", "report"},
			Activity:        "commit and push the approved artifacts",
			ProducedOutputs: []string{"commit", "branch"},
			ExitCriteria: models.ExitCriteria{
				RequiredOutputs: []string{"commit"},
				OnMissing:       models.ReasonScriptError,
			},
		},
	}
}

// ValidateSet checks that a contract set covers all six stages, names only
// known stages, and carries well-formed exit criteria.
func ValidateSet(stages map[string]models.StageContract) error {
	for name, c := range stages {
		if !models.KnownStage(name) {
			return fmt.Errorf("unknown stage %q", name)
		}
		if c.Stage != "" && c.Stage != name {
			return fmt.Errorf("stage %q: contract names itself %q", name, c.Stage)
		}
		for _, th := range c.ExitCriteria.Thresholds {
			if th.Output == "" {
				return fmt.Errorf("stage %q: threshold without an output key", name)
			}
			if th.Min < 0 {
				return fmt.Errorf("stage %q: threshold %q has negative min", name, th.Output)
			}
		}
	}
	for _, name := range models.StageOrder {
		if _, ok := stages[name]; !ok {
			return fmt.Errorf("contract set missing stage %q", name)
		}
	}
	return nil
}

// EncodeSet serializes a contract set to the YAML payload stored per version.
func EncodeSet(stages map[string]models.StageContract) (string, error) {
	b, err := yaml.Marshal(fileSet{Stages: stages})
	if err != nil {
		return "", fmt.Errorf("encode contracts: %w", err)
	}
	return string(b), nil
}

// DecodeSet parses a stored or on-disk YAML payload into a contract set. The
// map key wins over an inner stage field left empty in the file.
func DecodeSet(payload []byte) (map[string]models.StageContract, error) {
	var fs fileSet
	if err := yaml.Unmarshal(payload, &fs); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}
	if len(fs.Stages) == 0 {
		return nil, fmt.Errorf("decode contracts: no stages")
	}
	for name, c := range fs.Stages {
		c.Stage = name
		fs.Stages[name] = c
	}
	if err := ValidateSet(fs.Stages); err != nil {
		return nil, err
	}
	return fs.Stages, nil
}

// LoadFile reads a contract set from path. Returns nil map and nil error if
// the file is missing, so callers fall back to defaults.
func LoadFile(path string) (map[string]models.StageContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeSet(data)
}

// Ordered returns the set's contracts in pipeline order.
func Ordered(stages map[string]models.StageContract) []models.StageContract {
	out := make([]models.StageContract, 0, len(stages))
	for _, name := range models.StageOrder {
		if c, ok := stages[name]; ok {
			out = append(out, c)
		}
	}
	// Anything non-standard sorts after the pipeline stages.
	var extra []string
	for name := range stages {
		if !models.KnownStage(name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, stages[name])
	}
	return out
}
