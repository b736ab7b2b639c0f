package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// ProjectFile is the per-repository override file, read from the repo root.
const ProjectFile = ".kite.json"

// LoadProjectFile reads the project override file in dir. The second return
// value is false when the file does not exist.
func LoadProjectFile(dir string) (ProjectConfig, bool, error) {
	path := filepath.Join(dir, ProjectFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ProjectConfig{}, false, nil
	}
	if err != nil {
		return ProjectConfig{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}

	var p ProjectConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
		return ProjectConfig{}, false, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return ProjectConfig{}, false, fmt.Errorf("config: %s: %w", path, err)
	}
	return p, true, nil
}

// WriteProjectFile writes p to the project override file in dir.
func WriteProjectFile(dir string, p ProjectConfig) error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("config: project %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal project: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, ProjectFile), append(data, '\n'))
}

// Merge overlays the non-empty fields of overlay onto base.
func Merge(base, overlay ProjectConfig) ProjectConfig {
	if overlay.Organization != "" {
		base.Organization = overlay.Organization
	}
	if overlay.Pipeline != "" {
		base.Pipeline = overlay.Pipeline
	}
	if overlay.Branch != "" {
		base.Branch = overlay.Branch
	}
	return base
}

// Resolve returns the effective project settings for dir. Layers, lowest
// precedence first: the current organization, the global project entry for
// dir, then the project file in dir.
func (c *Config) Resolve(dir string) (ProjectConfig, error) {
	eff := ProjectConfig{Organization: c.CurrentOrganization}
	if global, ok := c.Projects[projectKey(dir)]; ok {
		eff = Merge(eff, global)
	}
	local, ok, err := LoadProjectFile(dir)
	if err != nil {
		return ProjectConfig{}, err
	}
	if ok {
		eff = Merge(eff, local)
	}
	return eff, nil
}
