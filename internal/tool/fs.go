package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/google/jsonschema-go/jsonschema"
)

type files struct {
	root    string
	maxRead int
	logger  *slog.Logger
}

func pathArgs(extra map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"path": {Type: "string", Description: "Path relative to the workspace root."},
	}
	for k, v := range extra {
		props[k] = v
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func (f *files) register(ns *catalog.Tree) {
	optionalPath := pathArgs(nil)
	optionalPath.Type, optionalPath.Types = "", []string{"object", "null"}

	ns.Add("read", catalog.Definition{
		Description: "Reads a UTF-8 text file from the workspace.",
		Approval:    ScopeReadOnly.Mode(),
		Args:        pathArgs(nil, "path"),
		Returns: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{
			"path":    {Type: "string"},
			"content": {Type: "string"},
			"size":    {Type: "integer"},
		}},
		Run: f.read,
	})
	ns.Add("list", catalog.Definition{
		Description: "Lists a workspace directory. Defaults to the root.",
		Approval:    ScopeReadOnly.Mode(),
		Args:        optionalPath,
		Returns: &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"name": {Type: "string"},
				"dir":  {Type: "boolean"},
				"size": {Type: "integer"},
			},
		}},
		Run: f.list,
	})
	ns.Add("write", catalog.Definition{
		Description: "Writes a text file in the workspace, creating parent directories.",
		Approval:    ScopeReadWrite.Mode(),
		Args: pathArgs(map[string]*jsonschema.Schema{
			"content": {Type: "string"},
		}, "path", "content"),
		Returns: &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{
			"path":  {Type: "string"},
			"bytes": {Type: "integer"},
		}},
		Run: f.write,
		FormatApproval: func(input any) approval.Preview {
			p := stringArg(input, "path")
			return approval.Preview{
				Title:       "Write " + p,
				Details:     fmt.Sprintf("%d bytes", len(stringArg(input, "content"))),
				ResourceIDs: []string{p},
			}
		},
	})
	ns.Add("remove", catalog.Definition{
		Description: "Removes a file or an empty directory from the workspace.",
		Approval:    ScopeReadWrite.Mode(),
		Args:        pathArgs(nil, "path"),
		Run:         f.remove,
		FormatApproval: func(input any) approval.Preview {
			p := stringArg(input, "path")
			return approval.Preview{Title: "Remove " + p, IsDestructive: true, ResourceIDs: []string{p}}
		},
	})
}

func (f *files) read(_ context.Context, input any) (any, error) {
	rel := stringArg(input, "path")
	full, err := confine(f.root, rel)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()

	info, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, rel)
	}
	if info.Size() > int64(f.maxRead) {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, rel, info.Size(), f.maxRead)
	}
	data, err := io.ReadAll(io.LimitReader(fh, int64(f.maxRead)))
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": rel, "content": string(data), "size": len(data)}, nil
}

func (f *files) list(_ context.Context, input any) (any, error) {
	full, err := confine(f.root, stringArg(input, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{"name": e.Name(), "dir": e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item["size"] = info.Size()
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b any) int {
		return strings.Compare(a.(map[string]any)["name"].(string), b.(map[string]any)["name"].(string))
	})
	return out, nil
}

func (f *files) write(_ context.Context, input any) (any, error) {
	rel := stringArg(input, "path")
	full, err := confine(f.root, rel)
	if err != nil {
		return nil, err
	}
	if full == f.root {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, rel)
	}
	content := stringArg(input, "content")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, err
	}
	f.logger.Info("workspace file written", "path", rel, "bytes", len(content))
	return map[string]any{"path": rel, "bytes": len(content)}, nil
}

func (f *files) remove(_ context.Context, input any) (any, error) {
	rel := stringArg(input, "path")
	full, err := confine(f.root, rel)
	if err != nil {
		return nil, err
	}
	if full == f.root {
		return nil, fmt.Errorf("%w: cannot remove the workspace root", ErrOutsideWorkspace)
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return nil, err
	}
	f.logger.Info("workspace file removed", "path", rel)
	return true, nil
}
