package policy

import "strings"

// externalActionPrefixes are host-preset "ask" classifications applied even
// without a user rule (spec §4.5 layer 5).
var externalActionPrefixes = [][]string{
	{"git", "push"},
	{"npm", "publish"},
	{"ssh"},
	{"scp"},
}

// evalHostPreset implements spec §4.5 layer 5: external actions that the
// host preset always asks about, independent of any matching rule.
func evalHostPreset(req Request) *Decision {
	if req.Preset != PresetHost || req.Tool != "bash" {
		return nil
	}
	command, _ := req.Input["command"].(string)
	if command == "" {
		return nil
	}
	clauses, err := ParseBash(command)
	if err != nil {
		return nil
	}
	for _, c := range clauses {
		if isExternalAction(c) {
			return &Decision{
				Action: ActionAsk,
				Reason: "external action classified ask by the host preset",
				Layer:  LayerPreset,
			}
		}
	}
	return nil
}

func isExternalAction(c Clause) bool {
	for _, prefix := range externalActionPrefixes {
		if c.Executable != prefix[0] {
			continue
		}
		if len(prefix) == 1 {
			return true
		}
		if len(c.Args) > 0 && strings.EqualFold(c.Args[0], prefix[1]) {
			return true
		}
	}
	return false
}

// fallback implements spec §4.5 layer 6: allow on the host preset, ask on
// the container preset, for any tool that reached this far unresolved.
func fallback(req Request) Decision {
	switch req.Preset {
	case PresetContainer:
		return Decision{Action: ActionAsk, Reason: "container preset fallback", Layer: LayerFallback}
	default:
		return Decision{Action: ActionAllow, Reason: "host preset fallback", Layer: LayerFallback}
	}
}
