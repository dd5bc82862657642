package bridge

import (
	"strings"

	"github.com/flemzord/codeclaw/internal/catalog"
)

// Manifest lists the tools of a table in dispatch order.
func Manifest(tbl *catalog.Table) []ToolManifest {
	entries := tbl.Entries()
	out := make([]ToolManifest, 0, len(entries))
	for _, e := range entries {
		out = append(out, ToolManifest{
			Path:        e.Path,
			Description: e.Def.Description,
			Approval:    e.Def.Approval,
			Args:        e.Def.Args,
			Returns:     e.Def.Returns,
		})
	}
	return out
}

// Compile rebuilds a table from a manifest. Every tool gets run, since the
// real implementations stay on the host.
func Compile(tools []ToolManifest, run catalog.RunFunc) (*catalog.Table, error) {
	tree := catalog.NewTree()
	for _, m := range tools {
		segs := strings.Split(m.Path, ".")
		t := tree
		for _, seg := range segs[:len(segs)-1] {
			t = t.Namespace(seg)
		}
		t.Add(segs[len(segs)-1], catalog.Definition{
			Description: m.Description,
			Approval:    m.Approval,
			Args:        m.Args,
			Returns:     m.Returns,
			Run:         run,
		})
	}
	return tree.Compile()
}
