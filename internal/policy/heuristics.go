package policy

import "strings"

// shellExecutables marks the final pipeline stage that trips the
// pipe-to-shell heuristic.
var shellExecutables = map[string]bool{"sh": true, "bash": true, "zsh": true}

// pipeSourceWhitelist are pipeline-start executables considered benign even
// when piped into a shell (e.g. `git diff | bash` style dev workflows are
// still risky; these are the teacher-analogous "known safe producers").
var pipeSourceWhitelist = map[string]bool{
	"git": true,
	"ls":  true,
	"grep": true,
}

// postDataFlags mark curl/wget invocations that submit a POST body.
var postDataFlags = []string{"-d", "--data", "-x post", "-xpost"}

// rawSocketTools are denied-by-default-to-ask network primitives on host.
var rawSocketTools = map[string]bool{"nc": true, "ncat": true, "socat": true, "telnet": true}

// evalHeuristics implements spec §4.5 layer 4, only consulted when no rule
// matched. Returns nil to fall through to the preset layer.
func evalHeuristics(req Request) *Decision {
	if req.Tool != "bash" {
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
		if d := heuristicPipeToShell(c); d != nil {
			return d
		}
		if d := heuristicDataEgress(c); d != nil {
			return d
		}
		if d := heuristicRawSocket(c); d != nil {
			return d
		}
	}
	return nil
}

func heuristicPipeToShell(c Clause) *Decision {
	if !c.HasPipe || len(c.Pipeline) < 2 {
		return nil
	}
	last := executableOf(c.Pipeline[len(c.Pipeline)-1])
	if !shellExecutables[last] {
		return nil
	}
	first := executableOf(c.Pipeline[0])
	if pipeSourceWhitelist[first] {
		return nil
	}
	return &Decision{
		Action: ActionAsk,
		Reason: "pipeline pipes a non-whitelisted source into a shell",
		Layer:  LayerHeuristic,
	}
}

func heuristicDataEgress(c Clause) *Decision {
	if c.Executable != "curl" && c.Executable != "wget" {
		return nil
	}
	joined := strings.ToLower(strings.Join(c.Args, " "))
	for _, flag := range postDataFlags {
		if strings.Contains(joined, flag) {
			return &Decision{
				Action: ActionAsk,
				Reason: "network request submits a data payload (possible egress)",
				Layer:  LayerHeuristic,
			}
		}
	}
	return nil
}

func heuristicRawSocket(c Clause) *Decision {
	if !rawSocketTools[c.Executable] {
		return nil
	}
	return &Decision{
		Action: ActionAsk,
		Reason: "raw network socket tool invoked on host",
		Layer:  LayerHeuristic,
	}
}

func executableOf(stage string) string {
	exe, _ := splitExecutable(stage)
	return exe
}
