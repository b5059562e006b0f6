package internal

import (
	"fmt"
	"log"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// EffectProcess and EffectIgnore are the two rule outcomes. The first rule
// whose expression evaluates to true decides the event; with no match the
// event is processed.
const (
	EffectProcess = "process"
	EffectIgnore  = "ignore"
)

// Rule filters incoming webhook events. When is a govaluate expression over
// the flattened payload (plus the provider, name, and action of the event).
// Let binds extra names to jsonpath selectors evaluated against the raw
// payload before When runs.
type Rule struct {
	When   string            `yaml:"when"`
	Effect string            `yaml:"effect"`
	Let    map[string]string `yaml:"let"`
}

type compiledRule struct {
	effect string
	let    map[string]string
	expr   *govaluate.EvaluableExpression
}

// RuleEngine evaluates the configured filter rules against events.
type RuleEngine struct {
	rules  []compiledRule
	logger *log.Logger
}

// NewRuleEngine compiles the configured rules.
func NewRuleEngine(rules []Rule, logger *log.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = log.Default()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		expr, err := govaluate.NewEvaluableExpression(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		effect := rule.Effect
		if effect == "" {
			effect = EffectProcess
		}
		if effect != EffectProcess && effect != EffectIgnore {
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, rule.Effect)
		}
		compiled = append(compiled, compiledRule{effect: effect, let: rule.Let, expr: expr})
	}
	return &RuleEngine{rules: compiled, logger: logger}, nil
}

// ShouldProcess reports whether the event passes the filter. Rules are
// evaluated in order and the first match wins; a rule whose expression or
// bindings fail to evaluate is skipped.
func (r *RuleEngine) ShouldProcess(event Event) bool {
	if r == nil || len(r.rules) == 0 {
		return true
	}
	for _, rule := range r.rules {
		params := r.parameters(event, rule)
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			r.logger.Printf("rule eval failed: %v", err)
			continue
		}
		matched, _ := result.(bool)
		if matched {
			return rule.effect == EffectProcess
		}
	}
	return true
}

func (r *RuleEngine) parameters(event Event, rule compiledRule) map[string]interface{} {
	params := make(map[string]interface{}, len(event.Data)+len(rule.let)+3)
	for key, value := range event.Data {
		params[key] = value
	}
	params["provider"] = event.Provider
	params["event"] = event.Name
	params["action"] = event.Action
	for name, selector := range rule.let {
		value, err := jsonpath.Get(selector, event.RawObject)
		if err != nil {
			r.logger.Printf("rule binding %s failed: %v", name, err)
			continue
		}
		params[name] = value
	}
	return params
}
