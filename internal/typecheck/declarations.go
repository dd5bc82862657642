package typecheck

import (
	"fmt"
	"regexp"
	"strings"
)

// namespace is the shape of the declared tools object.
type namespace struct {
	tools      map[string]bool
	children   map[string]*namespace
	permissive map[string]bool
}

func newNamespace() *namespace {
	return &namespace{
		tools:      make(map[string]bool),
		children:   make(map[string]*namespace),
		permissive: make(map[string]bool),
	}
}

var (
	declToolRe       = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*)\(`)
	declNamespaceRe  = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*): \{\s*$`)
	declPermissiveRe = regexp.MustCompile(`^\s*([A-Za-z_$][\w$]*): Record<string, any>;`)
	declCloseRe      = regexp.MustCompile(`^\s*\};?\s*$`)
)

// parseDeclarations reads the `declare const tools: {...}` block produced
// by catalog.Declarations. A nil result means nothing was declared and
// reference checks are skipped.
func parseDeclarations(decl string) *namespace {
	lines := strings.Split(decl, "\n")
	start := -1
	for i, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "declare const tools") {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	root := newNamespace()
	stack := []*namespace{root}
	for _, l := range lines[start+1:] {
		if len(stack) == 0 {
			break
		}
		cur := stack[len(stack)-1]
		trimmed := strings.TrimSpace(l)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "/**") || strings.HasPrefix(trimmed, "*"):
		case declCloseRe.MatchString(l):
			stack = stack[:len(stack)-1]
		case declNamespaceRe.MatchString(l):
			name := declNamespaceRe.FindStringSubmatch(l)[1]
			child := newNamespace()
			cur.children[name] = child
			stack = append(stack, child)
		case declPermissiveRe.MatchString(l):
			cur.permissive[declPermissiveRe.FindStringSubmatch(l)[1]] = true
		case declToolRe.MatchString(l):
			cur.tools[declToolRe.FindStringSubmatch(l)[1]] = true
		}
	}
	return root
}

// resolve walks segs and returns a diagnostic message, or "" when the
// path exists (or crosses into an undeclared area).
func (n *namespace) resolve(segs []string) string {
	if n == nil {
		return ""
	}
	cur := n
	path := "tools"
	for _, seg := range segs {
		switch {
		case cur.permissive[seg], cur.tools[seg]:
			return ""
		case cur.children[seg] != nil:
			cur = cur.children[seg]
			path += "." + seg
		default:
			return fmt.Sprintf("Property '%s' does not exist on %s.", seg, path)
		}
	}
	return ""
}
