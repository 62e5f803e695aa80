package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// repoNamePattern matches repo names that are safe to embed in resource names,
// directory names and Terraform module paths.
var repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ErrUnknownScenario is returned when a repo is not offered by the catalog.
var ErrUnknownScenario = errors.New("unknown scenario")

// ScenarioEntry describes one provisionable scenario.
type ScenarioEntry struct {
	Repo       string `yaml:"repo"`
	ModulePath string `yaml:"module_path"`
	SSHUser    string `yaml:"ssh_user"`
}

// Catalog is the set of scenarios the API will provision. A nil or empty
// catalog accepts any well-formed repo name.
type Catalog struct {
	Scenarios []ScenarioEntry `yaml:"scenarios"`
}

// LoadCatalog parses the YAML catalog at path. An empty path yields an
// open catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, s := range c.Scenarios {
		if !repoNamePattern.MatchString(s.Repo) {
			return nil, fmt.Errorf("catalog entry %d: invalid repo name %q", i, s.Repo)
		}
	}
	return &c, nil
}

// Resolve returns the catalog entry for repo, filling in defaults. The module
// path defaults to modules/<repo>.
func (c *Catalog) Resolve(repo string) (ScenarioEntry, error) {
	if !repoNamePattern.MatchString(repo) {
		return ScenarioEntry{}, fmt.Errorf("invalid repo name %q", repo)
	}
	entry := ScenarioEntry{Repo: repo}
	if c != nil && len(c.Scenarios) > 0 {
		found := false
		for _, s := range c.Scenarios {
			if s.Repo == repo {
				entry = s
				found = true
				break
			}
		}
		if !found {
			return ScenarioEntry{}, fmt.Errorf("%w: %q", ErrUnknownScenario, repo)
		}
	}
	if entry.ModulePath == "" {
		entry.ModulePath = "modules/" + repo
	}
	return entry, nil
}
