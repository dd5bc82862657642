package approval

import (
	"strings"
	"testing"
)

func TestActionFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"github.issues.createIssue", ActionCreate},
		{"files.delete_file", ActionDelete},
		{"users.removeMember", ActionDelete},
		{"crm.updateContact", ActionUpdate},
		{"crm.listContacts", ActionRead},
		{"search", ActionRead},
		{"math.add", ActionCreate},
		{"shell.run", ActionExecute},
		{"", ActionExecute},
	}
	for _, tt := range tests {
		if got := ActionFor(tt.path); got != tt.want {
			t.Errorf("ActionFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFallbackPreview(t *testing.T) {
	t.Parallel()

	input := map[string]any{
		"id":      "repo-42",
		"ids":     []any{"a", "b"},
		"title":   "hello",
		"ownerId": float64(7),
		"nested":  map[string]any{"id": "ignored"},
	}
	p := FallbackPreview("repos.deleteRepo", input)

	if p.Title != "Delete via repos.deleteRepo" {
		t.Errorf("Title = %q", p.Title)
	}
	if !p.IsDestructive {
		t.Error("delete-like tool should be destructive")
	}
	want := []string{"id=repo-42", "ids=a", "ids=b", "ownerId=7"}
	if len(p.ResourceIDs) != len(want) {
		t.Fatalf("ResourceIDs = %v, want %v", p.ResourceIDs, want)
	}
	for i := range want {
		if p.ResourceIDs[i] != want[i] {
			t.Errorf("ResourceIDs[%d] = %q, want %q", i, p.ResourceIDs[i], want[i])
		}
	}
	if !strings.Contains(p.Details, `"title":"hello"`) {
		t.Errorf("Details should include the input preview, got %q", p.Details)
	}
}

func TestFallbackPreview_CapsResourceIDs(t *testing.T) {
	t.Parallel()

	input := map[string]any{"ids": []any{"1", "2", "3", "4", "5", "6", "7"}}
	p := FallbackPreview("things.get", input)
	if len(p.ResourceIDs) != maxResourceIDs {
		t.Errorf("got %d resource ids, want %d", len(p.ResourceIDs), maxResourceIDs)
	}
	if p.IsDestructive {
		t.Error("read tool should not be destructive")
	}
}

func TestFallbackPreview_BoundsDetails(t *testing.T) {
	t.Parallel()

	p := FallbackPreview("blob.put", map[string]any{"data": strings.Repeat("x", 4096)})
	if len(p.Details) > maxPreviewDetails+64 {
		t.Errorf("details too long: %d bytes", len(p.Details))
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 10) // 2 bytes each
	got := Truncate(s, 5)
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis, got %q", got)
	}
	if strings.ContainsRune(strings.TrimSuffix(got, "…"), '�') {
		t.Errorf("truncate split a rune: %q", got)
	}
	if Truncate("short", 10) != "short" {
		t.Error("short strings should be unchanged")
	}
}
