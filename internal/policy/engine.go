package policy

import (
	"strings"
	"time"
)

// Engine evaluates tool requests against the layered policy described in
// spec §4.5, short-circuiting on the first layer that produces a verdict.
type Engine struct {
	Rules   *RuleStore
	HomeDir string
	Now     func() time.Time
}

// NewEngine constructs an Engine backed by store. homeDir is used to expand
// `~` in guardrail and rule glob patterns; pass "" to disable expansion.
func NewEngine(store *RuleStore, homeDir string) *Engine {
	return &Engine{Rules: store, HomeDir: homeDir, Now: time.Now}
}

// Evaluate runs req through every layer in order and returns the first
// Decision produced. Layer 1 (guardrails) always wins when it fires.
func (e *Engine) Evaluate(req Request) Decision {
	if d := evalGuardrails(req, e.HomeDir); d != nil {
		return *d
	}
	if isMetaTool(req.Tool) {
		return Decision{
			Action: ActionAsk,
			Reason: "policy.* meta-tools always require explicit approval",
			Layer:  LayerMetaTool,
		}
	}
	if d := e.Rules.evalRules(req, e.Now()); d != nil {
		return *d
	}
	if d := evalHeuristics(req); d != nil {
		return *d
	}
	if d := evalHostPreset(req); d != nil {
		return *d
	}
	return fallback(req)
}

func isMetaTool(tool string) bool {
	return strings.HasPrefix(tool, "policy.")
}
