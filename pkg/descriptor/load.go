package descriptor

import (
	"os"

	"github.com/goccy/go-yaml"

	"github.com/agentstation/canonmap/pkg/errors"
)

// file is the on-disk shape of a descriptor set.
type file struct {
	Descriptors []Descriptor `yaml:"descriptors"`
}

// Parse reads a descriptor set from YAML.
func Parse(data []byte) ([]Descriptor, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapParse("yaml", "", err)
	}
	return f.Descriptors, nil
}

// LoadFile reads a descriptor set from a YAML file and publishes it as a
// registry, failing fast on any invalid descriptor.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}
	descs, err := Parse(data)
	if err != nil {
		return nil, errors.WrapParse("yaml", path, err)
	}
	return NewRegistry(descs...)
}
