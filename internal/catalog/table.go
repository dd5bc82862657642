package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/google/jsonschema-go/jsonschema"
)

// Entry is one compiled tool.
type Entry struct {
	Path     string
	Segments []string
	Def      Definition

	args *jsonschema.Resolved
}

// Namespace returns the first path segment, or "" for root-level tools.
func (e *Entry) Namespace() string {
	if len(e.Segments) < 2 {
		return ""
	}
	return e.Segments[0]
}

// Validate normalizes input to plain JSON values and checks it against the
// args schema. The normalized value is what the tool receives.
func (e *Entry) Validate(input any) (any, error) {
	normalized, err := Normalize(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrValidation, e.Path, err)
	}
	if e.args == nil {
		return normalized, nil
	}
	if err := e.args.Validate(normalized); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrValidation, e.Path, err)
	}
	return normalized, nil
}

// Normalize converts v to the shape encoding/json produces when decoding
// into any: maps, slices, float64, string, bool and nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Table is the flat dispatch table compiled from a Tree. It is immutable
// and safe for concurrent use.
type Table struct {
	entries []*Entry
	byPath  map[string]*Entry
	// prefixes holds every namespace path so leaves cannot collide with them.
	prefixes map[string]bool
}

func newTable() *Table {
	return &Table{
		byPath:   make(map[string]*Entry),
		prefixes: make(map[string]bool),
	}
}

func (t *Table) add(segs []string, def Definition) error {
	path := joinPath(segs)
	if def.Run == nil {
		return fmt.Errorf("%w: %s", ErrNoRun, path)
	}
	if !def.Approval.Valid() {
		return fmt.Errorf("tool %s: invalid approval mode %q", path, def.Approval)
	}
	if _, ok := t.byPath[path]; ok || t.prefixes[path] {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
	}
	for i := 1; i < len(segs); i++ {
		prefix := joinPath(segs[:i])
		if _, ok := t.byPath[prefix]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, prefix)
		}
	}

	e := &Entry{Path: path, Segments: segs, Def: def}
	if def.Args != nil {
		resolved, err := def.Args.Resolve(nil)
		if err != nil {
			return fmt.Errorf("%w: %s args: %w", ErrInvalidSchema, path, err)
		}
		e.args = resolved
	}
	if def.Returns != nil {
		if _, err := def.Returns.Resolve(nil); err != nil {
			return fmt.Errorf("%w: %s returns: %w", ErrInvalidSchema, path, err)
		}
	}

	for i := 1; i < len(segs); i++ {
		t.prefixes[joinPath(segs[:i])] = true
	}
	t.entries = append(t.entries, e)
	t.byPath[path] = e
	return nil
}

// Lookup returns the entry for a dot-joined path.
func (t *Table) Lookup(path string) (*Entry, bool) {
	e, ok := t.byPath[path]
	return e, ok
}

// Entries returns the entries in declaration order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of tools.
func (t *Table) Len() int {
	return len(t.entries)
}

// Group is a top-level namespace and its tools. Root-level tools form
// single-entry groups named after the tool.
type Group struct {
	Name    string
	Leaf    bool
	Entries []*Entry
}

// Groups splits the table by top-level segment, in declaration order.
func (t *Table) Groups() []Group {
	var groups []Group
	index := make(map[string]int)
	for _, e := range t.entries {
		ns := e.Namespace()
		if ns == "" {
			groups = append(groups, Group{Name: e.Path, Leaf: true, Entries: []*Entry{e}})
			continue
		}
		i, ok := index[ns]
		if !ok {
			i = len(groups)
			index[ns] = i
			groups = append(groups, Group{Name: ns})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups
}

// With returns a new table with def added at path. The receiver is unchanged.
func (t *Table) With(path string, def Definition) (*Table, error) {
	segs := strings.Split(path, ".")
	for _, s := range segs {
		if !validSegment(s) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, path)
		}
	}
	out := newTable()
	for _, e := range t.entries {
		out.entries = append(out.entries, e)
		out.byPath[e.Path] = e
	}
	for p := range t.prefixes {
		out.prefixes[p] = true
	}
	if err := out.add(segs, def); err != nil {
		return nil, err
	}
	return out, nil
}

func joinPath(segs []string) string {
	return strings.Join(segs, ".")
}

// Preview renders the approval preview for input, using the tool's own
// formatter when it has one. A panicking formatter falls back to the
// heuristic preview.
func (e *Entry) Preview(input any) (p approval.Preview) {
	if e.Def.FormatApproval == nil {
		return approval.FallbackPreview(e.Path, input)
	}
	defer func() {
		if recover() != nil {
			p = approval.FallbackPreview(e.Path, input)
		}
	}()
	p = e.Def.FormatApproval(input)
	if p.Title == "" {
		p.Title = approval.FallbackPreview(e.Path, input).Title
	}
	return p
}
