package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

// ParseDefinition decodes one YAML workflow-definition document, the way
// the teacher's workflow loader parses a conductor.yaml pipeline file. The
// store types carry yaml tags alongside their json tags for exactly this
// purpose, so no separate wire-format struct is needed.
func ParseDefinition(data []byte) (store.WorkflowDefinition, error) {
	var def store.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return store.WorkflowDefinition{}, &coreerrors.ValidationError{
			Field:   "yaml",
			Message: err.Error(),
		}
	}
	if strings.TrimSpace(def.ID) == "" {
		return store.WorkflowDefinition{}, &coreerrors.ValidationError{
			Field:   "id",
			Message: "workflow definition is missing an id",
		}
	}
	if len(def.Steps) == 0 {
		return store.WorkflowDefinition{}, &coreerrors.ValidationError{
			Field:   "steps",
			Message: "workflow definition has no steps",
		}
	}
	return def, nil
}

// LoadDefinitionFile reads and parses one *.yaml/*.yml workflow-definition
// file from disk.
func LoadDefinitionFile(path string) (store.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.WorkflowDefinition{}, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return store.WorkflowDefinition{}, fmt.Errorf("parse workflow definition %s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitionsDir walks dir non-recursively for *.yaml/*.yml files and
// parses each one, in lexical filename order so reload logs stay
// deterministic. One malformed file fails the whole load — definitions are
// meant to be reviewed before deploy, not partially applied.
func LoadDefinitionsDir(dir string) ([]store.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]store.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
