package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type workflowFile struct {
	Name  string     `yaml:"name"`
	Tasks []fileTask `yaml:"tasks"`
}

type fileTask struct {
	ID      string   `yaml:"id"`
	Flops   float64  `yaml:"flops"`
	Parents []string `yaml:"parents"`
}

// LoadFile reads a workflow definition from a YAML file. Only control
// dependencies are modelled; tasks list their parents by id.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) (*Workflow, error) {
	var file workflowFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, fmt.Errorf("workflow file defines no tasks")
	}

	w := New()
	for _, t := range file.Tasks {
		if _, err := w.AddTask(t.ID, t.Flops); err != nil {
			return nil, err
		}
	}
	for _, t := range file.Tasks {
		for _, parent := range t.Parents {
			if err := w.AddDependency(parent, t.ID); err != nil {
				return nil, fmt.Errorf("task '%s': %w", t.ID, err)
			}
		}
	}
	if err := w.Freeze(); err != nil {
		return nil, err
	}
	return w, nil
}
