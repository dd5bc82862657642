package catalog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/google/jsonschema-go/jsonschema"
)

// Search depths, from terse to verbose.
const (
	DepthSignature = 0
	DepthReturns   = 1
	DepthFull      = 2
)

// DefaultSearchLimit caps discovery results.
const DefaultSearchLimit = 20

// DiscoverName is the root-level tool injected in discovery mode.
const DiscoverName = "discover"

// Match is one search hit.
type Match struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Doc       string `json:"description,omitempty"`
	Approval  string `json:"approval,omitempty"`
	score     int
}

// Search ranks the tools of t against a free-text query. An empty query
// lists tools in declaration order.
func Search(t *Table, query string, depth, limit int) []Match {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	terms := tokenize(query)

	var matches []Match
	for _, e := range t.entries {
		score := 1
		if len(terms) > 0 {
			score = scoreEntry(e, strings.ToLower(strings.TrimSpace(query)), terms)
		}
		if score == 0 {
			continue
		}
		matches = append(matches, render(e, depth, score))
	}
	if len(terms) > 0 {
		slices.SortStableFunc(matches, func(a, b Match) int {
			return cmp.Compare(b.score, a.score)
		})
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func scoreEntry(e *Entry, query string, terms []string) int {
	if strings.ToLower(e.Path) == query {
		return 100
	}
	var pathWords []string
	for _, seg := range e.Segments {
		pathWords = append(pathWords, tokenize(seg)...)
	}
	desc := strings.ToLower(e.Def.Description)

	score := 0
	for _, term := range terms {
		switch {
		case slices.Contains(pathWords, term):
			score += 3
		case slices.ContainsFunc(pathWords, func(w string) bool { return strings.Contains(w, term) }):
			score += 2
		case strings.Contains(desc, term):
			score++
		}
	}
	return score
}

func render(e *Entry, depth, score int) Match {
	m := Match{Path: e.Path, score: score}
	m.Signature = Signature(e, depth >= DepthReturns)
	if depth >= DepthFull {
		m.Doc = strings.TrimSpace(e.Def.Description)
		m.Approval = string(e.Def.Approval)
		if m.Approval == "" {
			m.Approval = string(approval.ModeAuto)
		}
	}
	return m
}

// tokenize lowercases s and splits it on case changes and non-alphanumerics.
func tokenize(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	prevLower := false
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				flush()
			}
			cur = append(cur, r)
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur = append(cur, r)
			prevLower = true
		default:
			flush()
			prevLower = false
		}
	}
	flush()
	return words
}

// DiscoverTool returns the definition of the discover tool searching t.
func DiscoverTool(t *Table) Definition {
	return Definition{
		Description: "Search the tool catalog. Returns matching tool paths and signatures. depth 0 shows arguments, 1 adds return types, 2 adds descriptions.",
		Approval:    approval.ModeAuto,
		Args: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Keywords to look for."},
				"depth": {Type: "integer", Enum: []any{0, 1, 2}},
				"limit": {Type: "integer"},
			},
			Required: []string{"query"},
		},
		Returns: &jsonschema.Schema{
			Type: "array",
			Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"path":        {Type: "string"},
					"signature":   {Type: "string"},
					"description": {Type: "string"},
					"approval":    {Type: "string"},
				},
				Required: []string{"path", "signature"},
			},
		},
		Run: func(_ context.Context, input any) (any, error) {
			args, _ := input.(map[string]any)
			query, _ := args["query"].(string)
			depth := intArg(args["depth"], DepthSignature)
			limit := intArg(args["limit"], DefaultSearchLimit)
			if depth < DepthSignature || depth > DepthFull {
				return nil, fmt.Errorf("depth must be between %d and %d", DepthSignature, DepthFull)
			}
			matches := Search(t, query, depth, limit)
			if matches == nil {
				matches = []Match{}
			}
			return matches, nil
		},
	}
}

func intArg(v any, def int) int {
	if f, ok := v.(float64); ok {
		return int(f)
	}
	return def
}
