package roles

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Capability names a target/selector pair.
type Capability struct {
	Target   string `yaml:"target"`
	Selector string `yaml:"selector"`
}

// RolePolicy lists the members and capabilities of one role.
type RolePolicy struct {
	Members      []string     `yaml:"members"`
	Capabilities []Capability `yaml:"capabilities"`
}

// Policy is the YAML document used to bootstrap the roles library.
type Policy struct {
	Roots  []string              `yaml:"roots"`
	Roles  map[string]RolePolicy `yaml:"roles"`
	Public []Capability          `yaml:"public"`
	Rules  []Rule                `yaml:"rules"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roles: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("roles: decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate checks every address and name in the policy.
func (p *Policy) Validate() error {
	for _, root := range p.Roots {
		if !common.IsHexAddress(strings.TrimSpace(root)) {
			return fmt.Errorf("roles: invalid root address %q", root)
		}
	}
	for role, rp := range p.Roles {
		if _, err := normalizeName("role", role); err != nil {
			return err
		}
		for _, member := range rp.Members {
			if !common.IsHexAddress(strings.TrimSpace(member)) {
				return fmt.Errorf("roles: role %s: invalid member %q", role, member)
			}
		}
		for _, c := range rp.Capabilities {
			if err := c.validate(); err != nil {
				return fmt.Errorf("roles: role %s: %w", role, err)
			}
		}
	}
	for _, c := range p.Public {
		if err := c.validate(); err != nil {
			return fmt.Errorf("roles: public: %w", err)
		}
	}
	return nil
}

func (c Capability) validate() error {
	if _, err := normalizeName("target", c.Target); err != nil {
		return err
	}
	_, err := normalizeName("selector", c.Selector)
	return err
}

// Apply writes the policy into the library. It bypasses the authorization
// check and is intended for start-up bootstrapping only.
func (l *Library) Apply(p *Policy) error {
	if l == nil || l.kv == nil {
		return errNilState
	}
	if p == nil {
		return nil
	}
	rules, err := NewRuleSet(p.Rules)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, root := range p.Roots {
		if err := l.setFlag(rootKey(common.HexToAddress(strings.TrimSpace(root))), true); err != nil {
			return err
		}
	}
	for role, rp := range p.Roles {
		name := strings.TrimSpace(role)
		for _, member := range rp.Members {
			if err := l.setFlag(userRoleKey(common.HexToAddress(strings.TrimSpace(member)), name), true); err != nil {
				return err
			}
		}
		for _, c := range rp.Capabilities {
			if err := l.setFlag(capabilityKey(strings.TrimSpace(c.Target), strings.TrimSpace(c.Selector), name), true); err != nil {
				return err
			}
		}
	}
	for _, c := range p.Public {
		if err := l.setFlag(publicKey(strings.TrimSpace(c.Target), strings.TrimSpace(c.Selector)), true); err != nil {
			return err
		}
	}
	if rules.Len() > 0 {
		l.rules = rules
	}
	return nil
}
