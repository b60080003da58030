package policy

import (
	"sort"
	"sync"
	"time"
)

// RuleStore holds user-declared PolicyRules and resolves the highest
// precedence match for a request (spec §4.5 layer 3).
type RuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRuleStore constructs an empty RuleStore.
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[string]Rule)}
}

// Put inserts or replaces a rule.
func (s *RuleStore) Put(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
}

// Delete removes a rule by id. Idempotent.
func (s *RuleStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
}

// Get returns a rule by id.
func (s *RuleStore) Get(id string) (Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// List returns every live (non-deleted) rule, in no particular order.
func (s *RuleStore) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

// evalRules implements spec §4.5 layer 3: among rules matching req and
// visible at its scope, pick the one with the highest specificity, then the
// narrowest scope, then the most restrictive action, then stable first
// match. Expired rules are ignored. Returns nil if no rule matches.
func (s *RuleStore) evalRules(req Request, now time.Time) *Decision {
	s.mu.RLock()
	candidates := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
			continue
		}
		if !ruleMatches(r, req) {
			continue
		}
		candidates = append(candidates, r)
	}
	s.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.specificity() != b.specificity() {
			return a.specificity() > b.specificity()
		}
		if scopeRank[a.Scope] != scopeRank[b.Scope] {
			return scopeRank[a.Scope] > scopeRank[b.Scope]
		}
		if actionRank[a.Decision] != actionRank[b.Decision] {
			return actionRank[a.Decision] > actionRank[b.Decision]
		}
		return false // stable sort preserves original (first-match) order
	})

	best := candidates[0]
	return &Decision{
		Action: best.Decision,
		Reason: "matched user rule",
		Layer:  LayerRule,
		RuleID: best.ID,
	}
}

func ruleMatches(r Rule, req Request) bool {
	if !scopeApplies(r, req) {
		return false
	}

	switch {
	case r.Executable != "":
		if req.Tool != "bash" {
			return false
		}
		command, _ := req.Input["command"].(string)
		clauses, err := ParseBash(command)
		if err != nil {
			return false
		}
		for _, c := range clauses {
			if c.Executable != r.Executable {
				continue
			}
			if r.Pattern == "" {
				return true
			}
			for _, arg := range c.Args {
				if MatchGlob(r.Pattern, arg, defaultHomeDir()) {
					return true
				}
			}
		}
		return false
	case r.ToolSelector != "":
		if r.ToolSelector != req.Tool {
			return false
		}
		if r.Pattern == "" {
			return true
		}
		for _, field := range []string{"path", "file", "file_path", "filePath"} {
			if v, ok := req.Input[field].(string); ok && MatchGlob(r.Pattern, v, defaultHomeDir()) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func scopeApplies(r Rule, req Request) bool {
	switch r.Scope {
	case ScopeSession:
		return r.SessionID == req.SessionID
	case ScopeWorkspace:
		return r.WorkspaceID == req.WorkspaceID
	case ScopeGlobal:
		return true
	default:
		return false
	}
}
