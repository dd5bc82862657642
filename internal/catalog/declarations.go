package catalog

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// DeclOptions tunes Declarations.
type DeclOptions struct {
	// Permissive lists top-level namespaces declared as Record<string, any>
	// instead of being spelled out.
	Permissive []string
}

// declNode mirrors the tool tree for rendering.
type declNode struct {
	name     string
	entry    *Entry
	children []*declNode
}

func (n *declNode) child(name string) *declNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &declNode{name: name}
	n.children = append(n.children, c)
	return c
}

// Declarations renders the TypeScript ambient declaration of the global
// `tools` object for t.
func Declarations(t *Table, opts DeclOptions) string {
	root := &declNode{}
	for _, e := range t.entries {
		n := root
		for _, seg := range e.Segments {
			n = n.child(seg)
		}
		n.entry = e
	}

	var b strings.Builder
	b.WriteString("declare const tools: {\n")
	for _, c := range root.children {
		if c.entry == nil && slices.Contains(opts.Permissive, c.name) {
			fmt.Fprintf(&b, "  /** Large namespace: use tools.discover() to find its tools. */\n")
			fmt.Fprintf(&b, "  %s: Record<string, any>;\n", c.name)
			continue
		}
		if c.entry != nil && slices.Contains(opts.Permissive, c.name) {
			fmt.Fprintf(&b, "  %s(input?: any): Promise<any>;\n", c.name)
			continue
		}
		writeDeclNode(&b, c, 1)
	}
	b.WriteString("};\n")
	return b.String()
}

func writeDeclNode(b *strings.Builder, n *declNode, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.entry != nil {
		if desc := strings.TrimSpace(n.entry.Def.Description); desc != "" {
			fmt.Fprintf(b, "%s/** %s */\n", indent, docLine(desc))
		}
		fmt.Fprintf(b, "%s%s(%s): Promise<%s>;\n", indent, n.name, argsParam(n.entry.Def.Args), tsType(n.entry.Def.Returns, depth))
		return
	}
	fmt.Fprintf(b, "%s%s: {\n", indent, n.name)
	for _, c := range n.children {
		writeDeclNode(b, c, depth+1)
	}
	fmt.Fprintf(b, "%s};\n", indent)
}

// Signature renders a single tool signature, used by discovery results.
func Signature(e *Entry, withReturns bool) string {
	sig := fmt.Sprintf("tools.%s(%s)", e.Path, argsParam(e.Def.Args))
	if withReturns {
		sig += ": Promise<" + tsType(e.Def.Returns, 0) + ">"
	}
	return sig
}

func argsParam(s *jsonschema.Schema) string {
	if s == nil {
		return "input?: Record<string, unknown>"
	}
	return "input: " + tsType(s, 0)
}

func docLine(s string) string {
	s = strings.ReplaceAll(s, "*/", "* /")
	return strings.Join(strings.Fields(s), " ")
}

// tsType maps a JSON schema to a TypeScript type expression.
func tsType(s *jsonschema.Schema, depth int) string {
	if s == nil {
		return "unknown"
	}
	if len(s.Enum) > 0 {
		return literalUnion(s.Enum)
	}
	if s.Const != nil {
		return literal(*s.Const)
	}
	if len(s.AnyOf) > 0 {
		return schemaUnion(s.AnyOf, depth)
	}
	if len(s.OneOf) > 0 {
		return schemaUnion(s.OneOf, depth)
	}

	types := s.Types
	if s.Type != "" {
		types = []string{s.Type}
	}
	if len(types) == 0 {
		if len(s.Properties) > 0 {
			return objectType(s, depth)
		}
		return "unknown"
	}

	parts := make([]string, 0, len(types))
	for _, typ := range types {
		parts = append(parts, primitiveType(s, typ, depth))
	}
	return strings.Join(parts, " | ")
}

func primitiveType(s *jsonschema.Schema, typ string, depth int) string {
	switch typ {
	case "string":
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "null":
		return "null"
	case "array":
		if s.Items == nil {
			return "unknown[]"
		}
		return "Array<" + tsType(s.Items, depth) + ">"
	case "object":
		return objectType(s, depth)
	default:
		return "unknown"
	}
}

func objectType(s *jsonschema.Schema, depth int) string {
	if len(s.Properties) == 0 {
		if s.AdditionalProperties != nil {
			return "Record<string, " + tsType(s.AdditionalProperties, depth) + ">"
		}
		return "Record<string, unknown>"
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	slices.Sort(names)

	fields := make([]string, 0, len(names))
	for _, name := range names {
		opt := "?"
		if slices.Contains(s.Required, name) {
			opt = ""
		}
		fields = append(fields, fmt.Sprintf("%s%s: %s", propertyKey(name), opt, tsType(s.Properties[name], depth+1)))
	}
	return "{ " + strings.Join(fields, "; ") + " }"
}

func propertyKey(name string) string {
	if identRe.MatchString(name) {
		return name
	}
	q, _ := json.Marshal(name)
	return string(q)
}

func schemaUnion(list []*jsonschema.Schema, depth int) string {
	parts := make([]string, 0, len(list))
	for _, s := range list {
		parts = append(parts, tsType(s, depth))
	}
	return strings.Join(parts, " | ")
}

func literalUnion(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, literal(v))
	}
	return strings.Join(parts, " | ")
}

func literal(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "unknown"
	}
	return string(raw)
}
