// Package catalog holds the tool catalog a script can call: the tool
// definitions, the tree they are arranged in and the flat dispatch table
// compiled from it. The same table feeds the sandbox stubs, the TypeScript
// declarations shown to the model and the discovery search.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrInvalidName is returned for path segments that are not valid
	// JavaScript identifiers.
	ErrInvalidName = errors.New("invalid tool name")

	// ErrDuplicatePath is returned when two nodes share a path.
	ErrDuplicatePath = errors.New("duplicate tool path")

	// ErrNoRun is returned when a definition has no Run function.
	ErrNoRun = errors.New("tool definition has no run function")

	// ErrInvalidSchema is returned when an args or returns schema cannot be resolved.
	ErrInvalidSchema = errors.New("invalid tool schema")

	// ErrValidation is returned when a tool input does not match its schema.
	ErrValidation = errors.New("input validation failed")
)

// RunFunc executes a tool with a validated input.
type RunFunc func(ctx context.Context, input any) (any, error)

// Definition describes one callable tool.
type Definition struct {
	Description string
	Approval    approval.Mode

	// Args validates the input. Nil accepts anything.
	Args *jsonschema.Schema

	// Returns documents the output for declarations. It is not enforced.
	Returns *jsonschema.Schema

	Run RunFunc

	// FormatApproval renders a custom approval preview. When nil the
	// fallback preview heuristic is used.
	FormatApproval func(input any) approval.Preview
}

// RequiresApproval reports whether calls must pass the approval gate.
func (d Definition) RequiresApproval() bool {
	return d.Approval == approval.ModeRequired
}

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// reserved segments would shadow object internals in the sandbox.
var reserved = map[string]bool{
	"__proto__": true, "constructor": true, "prototype": true, "toString": true,
}

func validSegment(name string) bool {
	return identRe.MatchString(name) && !reserved[name]
}

type node struct {
	name string
	def  *Definition
	sub  *Tree
}

// Tree is an ordered builder for a tool tree. Leaves are definitions and
// inner nodes are namespaces. Declaration order is preserved everywhere
// the catalog is rendered.
type Tree struct {
	nodes []node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// Add places a definition at name and returns t for chaining.
func (t *Tree) Add(name string, def Definition) *Tree {
	d := def
	t.nodes = append(t.nodes, node{name: name, def: &d})
	return t
}

// Namespace returns the child tree at name, creating it on first use.
func (t *Tree) Namespace(name string) *Tree {
	for _, n := range t.nodes {
		if n.name == name && n.sub != nil {
			return n.sub
		}
	}
	sub := NewTree()
	t.nodes = append(t.nodes, node{name: name, sub: sub})
	return sub
}

// Compile validates the tree and flattens it into a dispatch table.
func (t *Tree) Compile() (*Table, error) {
	tbl := newTable()
	if err := t.compileInto(tbl, nil); err != nil {
		return nil, err
	}
	return tbl, nil
}

func (t *Tree) compileInto(tbl *Table, prefix []string) error {
	seen := make(map[string]bool, len(t.nodes))
	for _, n := range t.nodes {
		segs := append(append([]string(nil), prefix...), n.name)
		path := joinPath(segs)
		if !validSegment(n.name) {
			return fmt.Errorf("%w: %q", ErrInvalidName, path)
		}
		if seen[n.name] {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
		}
		seen[n.name] = true

		if n.sub != nil {
			if err := n.sub.compileInto(tbl, segs); err != nil {
				return err
			}
			continue
		}
		if err := tbl.add(segs, *n.def); err != nil {
			return err
		}
	}
	return nil
}
