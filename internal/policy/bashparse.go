package policy

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// wrapperCommands are stripped to recover the real executable, per spec
// §4.5 ("command-wrappers env, nice, nohup, time, command").
var wrapperCommands = map[string]bool{
	"env":     true,
	"nice":    true,
	"nohup":   true,
	"time":    true,
	"command": true,
}

// Clause is one linearly-evaluable piece of a bash command line: either a
// single call or a pipeline, after stripping env-var prefixes and
// command-wrappers to recover the real executable.
type Clause struct {
	Executable  string
	Args        []string
	HasPipe     bool
	HasSubshell bool
	HasRedirect bool
	// Pipeline holds every stage's executable, left to right, when HasPipe
	// is true; used by the pipe-to-shell heuristic.
	Pipeline []string
}

// ParseBash splits command into its top-level chained clauses (separators
// &&, ||, ;, newline) and, within each clause, recovers the effective
// executable after stripping assignments and wrapper commands. Parsing is
// delegated to mvdan.cc/sh's single-pass, non-backtracking parser, so
// pathologically long or deeply-nested input still completes in time linear
// in the input length.
func ParseBash(command string) ([]Clause, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("policy: failed to parse bash command: %w", err)
	}

	var clauses []Clause
	for _, stmt := range file.Stmts {
		clauses = append(clauses, flattenStmt(stmt)...)
	}
	return clauses, nil
}

// flattenStmt splits a statement on && / || into independent clauses
// (spec: "the most restrictive clause wins"), leaving pipelines intact as a
// single clause since pipe-to-shell classification needs the whole chain.
func flattenStmt(stmt *syntax.Stmt) []Clause {
	redirect := len(stmt.Redirs) > 0

	bin, ok := stmt.Cmd.(*syntax.BinaryCmd)
	if ok && (bin.Op == syntax.AndStmt || bin.Op == syntax.OrStmt) {
		left := flattenStmt(bin.X)
		right := flattenStmt(bin.Y)
		return append(left, right...)
	}

	c := clauseFromCmd(stmt.Cmd)
	c.HasRedirect = c.HasRedirect || redirect
	return []Clause{c}
}

// clauseFromCmd builds a single Clause from a command node, recursing into
// pipelines and subshells.
func clauseFromCmd(cmd syntax.Command) Clause {
	switch n := cmd.(type) {
	case *syntax.BinaryCmd:
		if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
			stages := pipelineStages(n)
			c := Clause{HasPipe: true, Pipeline: stages}
			if len(stages) > 0 {
				exe, args := splitExecutable(stages[len(stages)-1])
				c.Executable = exe
				c.Args = args
			}
			return c
		}
		// Unexpected nesting (e.g. a bare && inside a pipeline stage) —
		// fall back to treating it as a single opaque clause.
		return Clause{}
	case *syntax.Subshell:
		inner := flattenStmtsOf(n.Stmts)
		c := mostRestrictiveClause(inner)
		c.HasSubshell = true
		return c
	case *syntax.CallExpr:
		words := wordsOf(n)
		exe, args := stripWrappers(words)
		return Clause{Executable: exe, Args: args}
	default:
		return Clause{}
	}
}

func flattenStmtsOf(stmts []*syntax.Stmt) []Clause {
	var out []Clause
	for _, s := range stmts {
		out = append(out, flattenStmt(s)...)
	}
	return out
}

// mostRestrictiveClause picks the clause whose flags imply the broadest
// capability (redirect/pipe/subshell), matching spec's "most restrictive
// clause wins" tie-break at the evaluation layer; here it is used only to
// collapse a subshell's body into one representative Clause.
func mostRestrictiveClause(clauses []Clause) Clause {
	if len(clauses) == 0 {
		return Clause{}
	}
	best := clauses[0]
	for _, c := range clauses[1:] {
		if restrictiveness(c) > restrictiveness(best) {
			best = c
		}
	}
	return best
}

func restrictiveness(c Clause) int {
	n := 0
	if c.HasPipe {
		n++
	}
	if c.HasSubshell {
		n++
	}
	if c.HasRedirect {
		n++
	}
	return n
}

// pipelineStages walks a left-nested chain of Pipe/PipeAll BinaryCmds and
// returns every stage's raw word string, left to right.
func pipelineStages(n *syntax.BinaryCmd) []string {
	var stages []string
	var walk func(cmd syntax.Command)
	walk = func(cmd syntax.Command) {
		if bc, ok := cmd.(*syntax.BinaryCmd); ok && (bc.Op == syntax.Pipe || bc.Op == syntax.PipeAll) {
			walk(bc.X.Cmd)
			walk(bc.Y.Cmd)
			return
		}
		if call, ok := cmd.(*syntax.CallExpr); ok {
			stages = append(stages, strings.Join(wordsOf(call), " "))
		}
	}
	walk(n)
	return stages
}

// wordsOf extracts the literal words of a call expression. Leading
// variable assignments live in call.Assigns, not call.Args, so they are not
// part of the result; stripWrappers only sees FOO=bar words that follow a
// wrapper such as env.
func wordsOf(call *syntax.CallExpr) []string {
	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		words = append(words, wordToString(w))
	}
	return words
}

// splitExecutable re-tokenizes a raw pipeline-stage string (already
// stripped of structural syntax by the parser) into executable + args,
// applying the same wrapper-stripping rule as stripWrappers.
func splitExecutable(raw string) (string, []string) {
	fields := strings.Fields(raw)
	return stripWrappers(fields)
}

// stripWrappers removes leading FOO=bar environment assignments and
// command-wrapper prefixes (env, nice, nohup, time, command) to recover the
// real executable and its arguments.
func stripWrappers(words []string) (string, []string) {
	i := 0
	for i < len(words) && isAssignment(words[i]) {
		i++
	}
	for i < len(words) && wrapperCommands[words[i]] {
		i++
		// env accepts flags like -i; skip them too.
		for i < len(words) && strings.HasPrefix(words[i], "-") {
			i++
		}
		for i < len(words) && isAssignment(words[i]) {
			i++
		}
	}
	if i >= len(words) {
		return "", nil
	}
	return words[i], words[i+1:]
}

func isAssignment(word string) bool {
	eq := strings.IndexByte(word, '=')
	if eq <= 0 {
		return false
	}
	name := word[:eq]
	for i, c := range name {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

// wordToString renders a syntax.Word back to a plain string, preserving
// quoted content but discarding quote characters themselves, and marking
// command substitutions opaquely so they never get mistaken for literal
// path/flag text.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$(...)")
		}
	}
	return sb.String()
}
