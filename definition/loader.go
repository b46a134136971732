// Package definition loads workflow definitions from YAML files and validates
// them before they are stored.
package definition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
	"gopkg.in/yaml.v3"
)

// File is the on-disk format. One file may hold several definitions.
type File struct {
	Definitions []types.WorkflowDefinition `yaml:"definitions"`
}

// Loader scans directories for YAML definition files.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and returns
// every definition they contain, in walk order.
func (l *Loader) LoadAll(directories []string) ([]types.WorkflowDefinition, error) {
	var defs []types.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			loaded, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, loaded...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) ([]types.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f.Definitions, nil
}
