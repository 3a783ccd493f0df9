// Package patterns loads ordered pattern definitions from YAML or JSON files.
package patterns

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition errors
var (
	ErrNameRequired  = errors.New("name is required")
	ErrQueryRequired = errors.New("query is required")
	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidCount  = errors.New("count must not be negative")
)

// Definition is one named pattern. Count is how many consecutive matching
// events of a stream make up one match; zero means one.
type Definition struct {
	Name  string `yaml:"name" json:"name"`
	Query string `yaml:"query" json:"query"`
	Count int    `yaml:"count,omitempty" json:"count,omitempty"`
}

// DefinitionError reports an invalid entry by position.
type DefinitionError struct {
	Index int
	Name  string
	Err   error
}

func (e *DefinitionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("pattern %d (%s): %v", e.Index, e.Name, e.Err)
	}
	return fmt.Sprintf("pattern %d: %v", e.Index, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Load reads and validates the definitions in path. JSON files load too,
// since JSON is valid YAML.
func Load(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes a list of definitions, preserving file order.
func Parse(data []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	if err := Validate(defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Validate checks that every definition is complete and names are unique.
func Validate(defs []Definition) error {
	seen := make(map[string]struct{}, len(defs))
	for i, d := range defs {
		switch {
		case d.Name == "":
			return &DefinitionError{Index: i, Err: ErrNameRequired}
		case d.Query == "":
			return &DefinitionError{Index: i, Name: d.Name, Err: ErrQueryRequired}
		case d.Count < 0:
			return &DefinitionError{Index: i, Name: d.Name, Err: ErrInvalidCount}
		}
		if _, dup := seen[d.Name]; dup {
			return &DefinitionError{Index: i, Name: d.Name, Err: ErrDuplicateName}
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}
