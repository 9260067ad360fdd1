package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Agents []Agent `yaml:"agents"`
}

// Load reads a catalog definition from a YAML file:
//
//	agents:
//	  - id: free-translator
//	    name: Translator
//	    tier: free
//	    category: language
func Load(path string) (*InMemory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewInMemory(file.Agents...)
}
