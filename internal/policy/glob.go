package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchGlob reports whether path matches pattern, expanding a leading `~`
// to homeDir first. doublestar's matcher is non-backtracking, keeping
// guardrail and rule evaluation linear in |pattern| + |path| even against
// adversarial input (spec §8).
func MatchGlob(pattern, path, homeDir string) bool {
	pattern = expandHome(pattern, homeDir)
	path = expandHome(path, homeDir)
	ok, err := doublestar.Match(pattern, path)
	if err != nil {
		return false
	}
	return ok
}

func expandHome(p, homeDir string) string {
	if homeDir == "" {
		return p
	}
	if p == "~" {
		return homeDir
	}
	if strings.HasPrefix(p, "~/") {
		return homeDir + p[1:]
	}
	return p
}
