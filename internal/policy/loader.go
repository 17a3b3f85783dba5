package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// File is the on-disk form of a rule set, used by policyctl and the
// bootstrap policy of the service
type File struct {
	Author string `yaml:"author" json:"author"`
	Rules  []Rule `yaml:"rules" json:"rules"`
}

// ParseFile decodes a YAML (or JSON) policy document and validates its
// rules. Unknown keys are rejected as *InvalidRuleError.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return nil, &InvalidRuleError{Reason: "unknown field", Err: err}
		}
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if f.Rules == nil {
		f.Rules = []Rule{}
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, fmt.Errorf("validating policy file: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses the policy file at path
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParseFile(data)
}

// MarshalFile renders rules back into the YAML layout ParseFile accepts
func MarshalFile(f *File) ([]byte, error) {
	return yaml.Marshal(f)
}
