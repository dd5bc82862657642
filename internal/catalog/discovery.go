package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// DefaultDiscoveryThreshold is the tool count above which discovery mode kicks in.
const DefaultDiscoveryThreshold = 50

// View is the split of one catalog between what the sandbox can call,
// what the model is told and what the typechecker checks against.
type View struct {
	// Sandbox is the callable table. It always holds the full catalog, plus
	// the discover tool in discovery mode.
	Sandbox *Table

	// Declarations is the TypeScript declaration used for both the prompt
	// and the typechecker.
	Declarations string

	// Prompt is an extra system prompt paragraph explaining discovery.
	// Empty when discovery is off.
	Prompt string

	Discovery bool

	// Permissive are the namespaces declared without their members.
	Permissive []string
}

// Partition computes the View of t. When the catalog has at most threshold
// tools everything is declared. Otherwise the smallest namespaces are
// inlined while their running total stays within threshold, the rest are
// declared permissively and discover is injected.
func Partition(t *Table, threshold int) (View, error) {
	if threshold <= 0 {
		threshold = DefaultDiscoveryThreshold
	}
	if t.Len() <= threshold {
		return View{Sandbox: t, Declarations: Declarations(t, DeclOptions{})}, nil
	}

	sandbox, err := t.With(DiscoverName, DiscoverTool(t))
	if err != nil {
		return View{}, fmt.Errorf("injecting discover tool: %w", err)
	}

	groups := t.Groups()
	bySize := slices.Clone(groups)
	slices.SortStableFunc(bySize, func(a, b Group) int {
		return cmp.Compare(len(a.Entries), len(b.Entries))
	})

	inlined := make(map[string]bool)
	budget := threshold
	for _, g := range bySize {
		if len(g.Entries) > budget {
			break
		}
		budget -= len(g.Entries)
		inlined[g.Name] = true
	}

	var permissive []string
	var lines []string
	for _, g := range groups {
		if inlined[g.Name] {
			continue
		}
		permissive = append(permissive, g.Name)
		lines = append(lines, fmt.Sprintf("- %s (%d tools)", g.Name, len(g.Entries)))
	}

	prompt := fmt.Sprintf(
		"The catalog has %d tools, too many to list. These namespaces are declared as Record<string, any>:\n%s\n"+
			"Call `await tools.discover({ query, depth })` to find tool paths and signatures before calling them.",
		t.Len(), strings.Join(lines, "\n"))

	return View{
		Sandbox:      sandbox,
		Declarations: Declarations(sandbox, DeclOptions{Permissive: permissive}),
		Prompt:       prompt,
		Discovery:    true,
		Permissive:   permissive,
	}, nil
}
