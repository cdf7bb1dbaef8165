package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Definition is a pipeline file as written by the user.
type Definition struct {
	Name    string      `yaml:"name"`
	Store   string      `yaml:"store"`
	Modules []ModuleDef `yaml:"modules"`
}

// ModuleDef declares one module.
type ModuleDef struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// Inputs maps input name to "module.output". A bare "module" binds the
	// producer's first output.
	Inputs  map[string]string      `yaml:"inputs"`
	Options map[string]interface{} `yaml:"options"`
	// Filter runs a document-map module lazily: its output is computed
	// whenever a consumer reads it and nothing is stored.
	Filter bool `yaml:"filter"`
}

// ParseDefinition decodes a pipeline definition. Unknown keys are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if len(def.Modules) == 0 {
		return nil, fmt.Errorf("pipeline %q declares no modules", def.Name)
	}
	return &def, nil
}

// LoadDefinition reads a pipeline file. A relative store path is resolved
// against the file's directory.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Store != "" && !filepath.IsAbs(def.Store) {
		def.Store = filepath.Join(filepath.Dir(path), def.Store)
	}
	return def, nil
}
