package evidence

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ankittk/stagehand/pkg/models"
)

// WriteArtifact stores the raw collaborator result for one stage attempt as
// indented JSON and returns the artifact path. Satisfies the executor's
// ArtifactWriter.
func (d *Dir) WriteArtifact(runID, stage string, iteration int, res models.InvokeResult) (string, error) {
	runDir := RunDir(d.Home, runID)
	if err := os.MkdirAll(ArtifactsDir(runDir), 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	path := ArtifactPath(runDir, stage, iteration)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

// ReadArtifact loads a stored stage result. A missing artifact returns nil.
func (d *Dir) ReadArtifact(runID, stage string, iteration int) (*models.InvokeResult, error) {
	data, err := os.ReadFile(ArtifactPath(RunDir(d.Home, runID), stage, iteration))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res models.InvokeResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse artifact: %w", err)
	}
	return &res, nil
}
