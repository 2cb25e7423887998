package permission

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SummarizeCommand derives a short stable title from a shell command line,
// e.g. "git push origin main && echo ok" -> "git push". Used as the grant
// toolTitle for execute requests that arrive without a human label.
// Returns the empty string when the command cannot be parsed.
func SummarizeCommand(command string) string {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return ""
	}

	var name, subcommand string
	syntax.Walk(file, func(node syntax.Node) bool {
		if name != "" {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}

		name = wordToString(call.Args[0])
		for _, arg := range call.Args[1:] {
			s := wordToString(arg)
			if s != "" && !strings.HasPrefix(s, "-") {
				subcommand = s
				break
			}
		}
		return false
	})

	if name == "" {
		return ""
	}
	if subcommand == "" {
		return name
	}
	return name + " " + subcommand
}

// wordToString flattens the literal parts of a shell word. Expansions and
// substitutions are ignored; only what is statically known contributes.
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				if lit, ok := dp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		}
	}
	return sb.String()
}
