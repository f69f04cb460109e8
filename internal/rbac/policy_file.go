package rbac

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Version int                 `yaml:"version"`
	Roles   map[string][]string `yaml:"roles"`
}

// LoadPolicy reads role overrides from a YAML file on top of DefaultPolicy:
//
//	version: 1
//	roles:
//	  corretor: [view_board, move_task]
//
// A role listed in the file replaces its default capability set.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse role policy: %w", err)
	}
	if file.Version != 0 && file.Version != 1 {
		return nil, fmt.Errorf("unsupported role policy version %d", file.Version)
	}

	base := DefaultPolicy()
	grants := make(map[Role][]Capability, len(base.grants)+len(file.Roles))
	for _, role := range base.Roles() {
		grants[role] = base.Capabilities(role)
	}
	for rawRole, rawCaps := range file.Roles {
		role := Normalize(rawRole)
		if role == "" {
			return nil, fmt.Errorf("role policy: empty role name")
		}
		if IsBlanket(role) {
			return nil, fmt.Errorf("role policy: %s always holds every capability and cannot be overridden", role)
		}
		caps := make([]Capability, 0, len(rawCaps))
		for _, raw := range rawCaps {
			c := Capability(Normalize(raw))
			if !IsKnownCapability(c) {
				return nil, fmt.Errorf("role policy: unknown capability %q for role %s", raw, role)
			}
			caps = append(caps, c)
		}
		grants[role] = caps
	}
	return NewPolicy(grants), nil
}
