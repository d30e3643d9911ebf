package analysis

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultStagesYAML []byte

// Stage is one named step of the analysis. Each stage receives the query, the
// outputs of every earlier stage and, when UsesDocument is set, the document text.
type Stage struct {
	Name           string `yaml:"name"`
	Title          string `yaml:"title"`
	Role           string `yaml:"role"`
	Goal           string `yaml:"goal"`
	Backstory      string `yaml:"backstory"`
	UsesDocument   bool   `yaml:"uses_document"`
	Instructions   string `yaml:"instructions"`
	ExpectedOutput string `yaml:"expected_output"`
}

type stageFile struct {
	Stages []Stage `yaml:"stages"`
}

// DefaultStages returns the built-in analysis -> recommendation -> risk sequence.
func DefaultStages() ([]Stage, error) {
	return ParseStages(defaultStagesYAML)
}

// LoadStages reads stage definitions from a YAML file; an empty path yields the defaults.
func LoadStages(path string) ([]Stage, error) {
	if path == "" {
		return DefaultStages()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stages file: %w", err)
	}
	return ParseStages(data)
}

// ParseStages decodes and validates a stage list.
func ParseStages(data []byte) ([]Stage, error) {
	var f stageFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse stages yaml: %w", err)
	}
	if len(f.Stages) == 0 {
		return nil, errors.New("no stages defined")
	}
	seen := make(map[string]bool, len(f.Stages))
	for i, s := range f.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("stage %q defined twice", s.Name)
		}
		seen[s.Name] = true
		if s.Instructions == "" {
			return nil, fmt.Errorf("stage %q: instructions are required", s.Name)
		}
		if s.Title == "" {
			f.Stages[i].Title = s.Name
		}
	}
	return f.Stages, nil
}
