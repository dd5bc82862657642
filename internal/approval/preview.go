package approval

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxPreviewDetails bounds the JSON input excerpt in a fallback preview.
	maxPreviewDetails = 512

	// maxResourceIDs caps the identifier fields lifted into a preview.
	maxResourceIDs = 5
)

// Action verbs used by the fallback preview.
const (
	ActionCreate  = "Create"
	ActionUpdate  = "Update"
	ActionDelete  = "Delete"
	ActionRead    = "Read"
	ActionExecute = "Execute"
)

var verbActions = []struct {
	action string
	verbs  []string
}{
	{ActionDelete, []string{"delete", "remove", "destroy", "drop", "purge", "revoke", "erase", "truncate", "wipe", "uninstall"}},
	{ActionCreate, []string{"create", "add", "insert", "new", "post", "upload", "send", "publish", "register", "invite"}},
	{ActionUpdate, []string{"update", "set", "edit", "patch", "put", "modify", "rename", "move", "replace", "enable", "disable", "assign"}},
	{ActionRead, []string{"get", "list", "read", "fetch", "search", "find", "query", "describe", "show", "count", "lookup", "view"}},
}

var identifierKeys = map[string]bool{
	"id": true, "ids": true, "name": true, "slug": true, "key": true,
	"uuid": true, "email": true, "handle": true, "username": true,
	"path": true, "url": true, "ref": true,
}

// ActionFor guesses the action of a tool from the verb in the last path
// segment. It is a display heuristic only.
func ActionFor(toolPath string) string {
	last := toolPath
	if i := strings.LastIndexByte(toolPath, '.'); i >= 0 {
		last = toolPath[i+1:]
	}
	words := splitWords(last)
	if len(words) == 0 {
		return ActionExecute
	}
	first := words[0]
	for _, va := range verbActions {
		if slices.Contains(va.verbs, first) {
			return va.action
		}
	}
	return ActionExecute
}

// FallbackPreview builds a Preview for tools that do not format their own.
func FallbackPreview(toolPath string, input any) Preview {
	action := ActionFor(toolPath)
	p := Preview{
		Title:         fmt.Sprintf("%s via %s", action, toolPath),
		IsDestructive: action == ActionDelete,
		ResourceIDs:   resourceIDs(input),
	}

	var b strings.Builder
	if input != nil {
		raw, err := json.Marshal(input)
		if err == nil {
			b.WriteString("Input: ")
			b.WriteString(Truncate(string(raw), maxPreviewDetails))
		}
	}
	if len(p.ResourceIDs) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Resources: ")
		b.WriteString(strings.Join(p.ResourceIDs, ", "))
	}
	p.Details = b.String()
	return p
}

// Truncate shortens s to at most limit bytes without splitting a rune,
// appending an ellipsis marker when something was cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func resourceIDs(input any) []string {
	obj, ok := input.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if isIdentifierKey(k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var ids []string
	for _, k := range keys {
		for _, v := range scalars(obj[k]) {
			if len(ids) == maxResourceIDs {
				return ids
			}
			ids = append(ids, k+"="+v)
		}
	}
	return ids
}

func isIdentifierKey(k string) bool {
	lower := strings.ToLower(k)
	if identifierKeys[lower] {
		return true
	}
	return strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_ids") ||
		strings.HasSuffix(k, "Id") || strings.HasSuffix(k, "Ids") || strings.HasSuffix(k, "ID")
}

func scalars(v any) []string {
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return []string{Truncate(x, 64)}
	case float64, int, int64, bool, json.Number:
		return []string{fmt.Sprint(x)}
	case []any:
		var out []string
		for _, item := range x {
			switch item.(type) {
			case string, float64, int, int64, json.Number:
				out = append(out, scalars(item)...)
			}
		}
		return out
	default:
		return nil
	}
}

// splitWords breaks camelCase, snake_case and kebab-case identifiers into
// lowercase words.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
