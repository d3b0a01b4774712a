package permission

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// ruleQuery is the rego query evaluated for every gated call.
const ruleQuery = "data.agentloop.decision"

// RuleSet is an optional set of rego rules that can tighten gate decisions.
// Rules see the input document
//
//	{"tool", "class", "target", "command", "policy", "args"}
//
// and define data.agentloop.decision as "allow", "require_approval" or
// "block", or as an object {"decision": ..., "reason": ...}.
type RuleSet struct {
	query rego.PreparedEvalQuery
}

// ExampleRules is written by `agentloop init` next to the config file.
const ExampleRules = `package agentloop

import rego.v1

default decision := "allow"

decision := {"decision": "block", "reason": "sudo is not allowed"} if {
	input.tool == "bash"
	contains(input.command, "sudo")
}

decision := "require_approval" if {
	input.class != "read-only"
	endswith(input.target, ".env")
}
`

// NewRuleSet compiles a rego module.
func NewRuleSet(ctx context.Context, module string) (*RuleSet, error) {
	r := rego.New(
		rego.Query(ruleQuery),
		rego.Module("agentloop.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego rules: %w", err)
	}
	return &RuleSet{query: query}, nil
}

// LoadRuleSet reads and compiles a rego file.
func LoadRuleSet(ctx context.Context, path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return NewRuleSet(ctx, string(data))
}

// Evaluate runs the rules against input. Undefined results allow.
func (r *RuleSet) Evaluate(ctx context.Context, input map[string]any) (Decision, string, error) {
	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Block, "", fmt.Errorf("evaluate rego rules: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Auto, "", nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case string:
		d, err := parseRuleDecision(v)
		return d, "", err
	case map[string]any:
		s, _ := v["decision"].(string)
		reason, _ := v["reason"].(string)
		d, err := parseRuleDecision(s)
		return d, reason, err
	default:
		return Block, "", fmt.Errorf("rego rules returned %T, want string or object", v)
	}
}

func parseRuleDecision(s string) (Decision, error) {
	switch s {
	case "allow":
		return Auto, nil
	case "require_approval":
		return Confirm, nil
	case "block":
		return Block, nil
	}
	return Block, fmt.Errorf("rego rules returned unknown decision %q", s)
}
