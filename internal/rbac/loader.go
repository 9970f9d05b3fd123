package rbac

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type roleFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadFile reads role definitions from a YAML file.
func LoadFile(path string) ([]Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read roles file: %w", err)
	}
	return ParseRoles(data)
}

// ParseRoles decodes a YAML document of the form
//
//	roles:
//	  - name: viewer
//	    permissions:
//	      - {resource: product, action: read, scope: all}
//	    inherits: []
//
// Unknown keys are rejected so typos fail at startup.
func ParseRoles(data []byte) ([]Role, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file roleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: decode roles: %w", err)
	}
	return file.Roles, nil
}
