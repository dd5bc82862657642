// Package typecheck validates generated scripts before they run.
//
// The Checker contract takes the script and the TypeScript declaration of
// the visible catalog. The bundled SyntaxChecker parses the script with the
// sandbox's own parser and resolves every literal `tools.x.y` reference
// against the declaration.
package typecheck

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/parser"
	"github.com/flemzord/codeclaw/internal/sandbox"
)

// Diagnostic is one problem found in a script. Line and Column are
// 1-based positions in the script as written; zero means unknown.
type Diagnostic struct {
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Line == 0 {
		return d.Message
	}
	return fmt.Sprintf("%d:%d: %s", d.Line, d.Column, d.Message)
}

// Checker validates code against declarations. An empty diagnostic list
// means the script passed; the error is reserved for checker failures.
type Checker interface {
	Check(ctx context.Context, code, declarations string) ([]Diagnostic, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, code, declarations string) ([]Diagnostic, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, code, declarations string) ([]Diagnostic, error) {
	return f(ctx, code, declarations)
}

// Format renders diagnostics one per line.
func Format(diags []Diagnostic) string {
	lines := make([]string, len(diags))
	for i, d := range diags {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// SyntaxChecker is the default Checker.
type SyntaxChecker struct{}

// Check implements Checker.
func (SyntaxChecker) Check(ctx context.Context, code, declarations string) ([]Diagnostic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sandbox.CheckImports(code); err != nil {
		return []Diagnostic{{Message: err.Error()}}, nil
	}
	if _, err := parser.ParseFile(nil, "script.js", sandbox.WrapScript(code), 0); err != nil {
		return syntaxDiagnostics(err), nil
	}
	return referenceDiagnostics(code, parseDeclarations(declarations)), nil
}

// syntaxDiagnostics converts parser errors, shifting lines back past the
// async wrapper's first line.
func syntaxDiagnostics(err error) []Diagnostic {
	var list parser.ErrorList
	if errors.As(err, &list) {
		out := make([]Diagnostic, 0, len(list))
		for _, e := range list {
			out = append(out, Diagnostic{
				Line:    max(e.Position.Line-1, 1),
				Column:  e.Position.Column,
				Message: "SyntaxError: " + e.Message,
			})
		}
		return out
	}
	var single *parser.Error
	if errors.As(err, &single) {
		return []Diagnostic{{
			Line:    max(single.Position.Line-1, 1),
			Column:  single.Position.Column,
			Message: "SyntaxError: " + single.Message,
		}}
	}
	return []Diagnostic{{Message: "SyntaxError: " + err.Error()}}
}

var toolRefRe = regexp.MustCompile(`(^|[^.\w$])tools((?:\s*\.\s*[A-Za-z_$][\w$]*)+)`)

// referenceDiagnostics reports tools.* paths that the declaration does not
// know about. Comments and string literals are blanked out first.
func referenceDiagnostics(code string, known *namespace) []Diagnostic {
	src := blankLiterals(code)
	var out []Diagnostic
	for _, m := range toolRefRe.FindAllStringSubmatchIndex(src, -1) {
		chain := src[m[4]:m[5]]
		segs := strings.Split(chain, ".")[1:]
		for i := range segs {
			segs[i] = strings.TrimSpace(segs[i])
		}
		msg := known.resolve(segs)
		if msg == "" {
			continue
		}
		line, col := position(code, m[3])
		out = append(out, Diagnostic{Line: line, Column: col, Message: msg})
	}
	return out
}

func position(code string, offset int) (line, col int) {
	before := code[:offset]
	line = strings.Count(before, "\n") + 1
	col = offset - strings.LastIndex(before, "\n")
	return line, col
}

// blankLiterals replaces comments, string and template literals with
// spaces, keeping offsets and newlines intact.
func blankLiterals(code string) string {
	b := []byte(code)
	blank := func(from, to int) {
		for i := from; i < to && i < len(b); i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '/':
			end := strings.IndexByte(code[i:], '\n')
			if end < 0 {
				end = len(b) - i
			}
			blank(i, i+end)
			i += end
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			end := strings.Index(code[i+2:], "*/")
			if end < 0 {
				end = len(b) - i - 2
			}
			blank(i, i+end+4)
			i += end + 3
		case b[i] == '"' || b[i] == '\'' || b[i] == '`':
			quote := b[i]
			j := i + 1
			for j < len(b) && b[j] != quote {
				if b[j] == '\\' {
					j++
				}
				j++
			}
			blank(i+1, j)
			i = j
		}
	}
	return string(b)
}
