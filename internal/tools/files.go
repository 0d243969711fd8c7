package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxFileReadBytes = 256 * 1024

// resolvePath expands ~ and makes the path absolute, rejecting paths outside
// allowedRoot when one is set.
func resolvePath(path, allowedRoot string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot expand ~: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if allowedRoot != "" {
		root, err := filepath.Abs(allowedRoot)
		if err != nil {
			return "", err
		}
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return abs, nil
}

// ReadFileTool reads a file's contents.
type ReadFileTool struct {
	AllowedRoot string
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file at the given path." }

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path of the file to read."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := resolvePath(stringArg(args, "path"), t.AllowedRoot)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxFileReadBytes {
		return string(data[:maxFileReadBytes]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

// WriteFileTool writes content to a file, creating parent directories.
type WriteFileTool struct {
	AllowedRoot string
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it (and parent directories) if needed."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path of the file to write."},
			"content": {"type": "string", "description": "Content to write."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := resolvePath(stringArg(args, "path"), t.AllowedRoot)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	content := stringArg(args, "content")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool replaces an exact substring in a file.
type EditFileTool struct {
	AllowedRoot string
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text fragment in a file. The fragment must occur exactly once."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path of the file to edit."},
			"old_text": {"type": "string", "description": "Exact text to replace."},
			"new_text": {"type": "string", "description": "Replacement text."}
		},
		"required": ["path", "old_text", "new_text"]
	}`)
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := resolvePath(stringArg(args, "path"), t.AllowedRoot)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	oldText := stringArg(args, "old_text")
	if oldText == "" {
		return "", fmt.Errorf("old_text must not be empty")
	}
	content := string(data)
	switch strings.Count(content, oldText) {
	case 0:
		return "", fmt.Errorf("old_text not found in %s", path)
	case 1:
	default:
		return "", fmt.Errorf("old_text occurs more than once in %s; provide more context", path)
	}
	content = strings.Replace(content, oldText, stringArg(args, "new_text"), 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return "Edited " + path, nil
}

// ListDirTool lists a directory's entries.
type ListDirTool struct {
	AllowedRoot string
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory." }

func (t *ListDirTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory to list."}
		},
		"required": ["path"]
	}`)
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path, err := resolvePath(stringArg(args, "path"), t.AllowedRoot)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
