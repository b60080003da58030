package policy

import (
	"fmt"
	"strings"
)

// FormatDisplaySummary renders a single-line human-readable description of
// a tool request, for the permission gate's UI surface (spec §4.5).
func FormatDisplaySummary(req Request) string {
	if req.Tool == "bash" {
		if command, ok := req.Input["command"].(string); ok && command != "" {
			return fmt.Sprintf("run: %s", truncate(command, 120))
		}
	}

	if path, ok := firstPathField(req.Input); ok {
		return fmt.Sprintf("%s %s", req.Tool, path)
	}

	return req.Tool
}

func firstPathField(input map[string]any) (string, bool) {
	for _, field := range []string{"path", "file", "file_path", "filePath"} {
		if v, ok := input[field].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
