package roles

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/cel-go/cel"
)

// Wildcard matches every selector of a target.
const Wildcard = "*"

// Rule grants access to a target/selector pair when Expr evaluates to true.
// Expressions can reference caller, target, selector and roles.
type Rule struct {
	Target   string `yaml:"target"`
	Selector string `yaml:"selector"`
	Expr     string `yaml:"expr"`
}

// Request is the input a rule is evaluated against.
type Request struct {
	Caller   common.Address
	Target   string
	Selector string
	Roles    []string
}

type compiledRule struct {
	Rule
	program cel.Program
}

// RuleSet holds compiled CEL rules. It is immutable once built and safe for
// concurrent use.
type RuleSet struct {
	rules []compiledRule
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("caller", cel.StringType),
		cel.Variable("target", cel.StringType),
		cel.Variable("selector", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
	)
}

// NewRuleSet compiles every rule. Any compile error rejects the whole set.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("roles: create CEL environment: %w", err)
	}
	set := &RuleSet{}
	for i, rule := range rules {
		rule.Target = strings.TrimSpace(rule.Target)
		rule.Selector = strings.TrimSpace(rule.Selector)
		if rule.Target == "" {
			return nil, fmt.Errorf("roles: rule %d: target required", i)
		}
		if rule.Selector == "" {
			rule.Selector = Wildcard
		}
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("roles: rule %d: compile: %w", i, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("roles: rule %d: program: %w", i, err)
		}
		set.rules = append(set.rules, compiledRule{Rule: rule, program: prg})
	}
	return set, nil
}

// Len reports the number of compiled rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Allow evaluates every rule matching the request target and selector and
// reports whether any of them grants access.
func (s *RuleSet) Allow(req Request) (bool, error) {
	if s == nil {
		return false, nil
	}
	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	input := map[string]any{
		"caller":   strings.ToLower(req.Caller.Hex()),
		"target":   req.Target,
		"selector": req.Selector,
		"roles":    roles,
	}
	for _, rule := range s.rules {
		if rule.Target != req.Target {
			continue
		}
		if rule.Selector != Wildcard && rule.Selector != req.Selector {
			continue
		}
		out, _, err := rule.program.Eval(input)
		if err != nil {
			return false, fmt.Errorf("eval %q: %w", rule.Expr, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("eval %q: result not bool", rule.Expr)
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}
