package tools

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Workspace exposes a directory tree to models as file tools. Every path
// argument is resolved inside Root.
type Workspace struct {
	Root string
	// ReadOnly omits write_file.
	ReadOnly bool
}

// resolve maps target into the workspace and rejects anything that escapes it.
func (w Workspace) resolve(target string) (string, error) {
	root, err := filepath.Abs(filepath.Clean(w.Root))
	if err != nil {
		return "", fmt.Errorf("invalid workspace path: %w", err)
	}
	var abs string
	if filepath.IsAbs(target) {
		abs = filepath.Clean(target)
	} else {
		abs = filepath.Join(root, target)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", target)
	}
	return abs, nil
}

type readFileArgs struct {
	Path     string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	MaxBytes int64  `json:"max_bytes,omitempty" jsonschema:"description=Stop reading after this many bytes,minimum=0"`
}

type writeFileArgs struct {
	Path       string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	Content    string `json:"content"`
	CreateDirs bool   `json:"create_dirs,omitempty" jsonschema:"description=Create missing parent directories"`
}

type listDirectoryArgs struct {
	Path          string `json:"path,omitempty" jsonschema:"description=Directory to list; defaults to the workspace root"`
	Recursive     bool   `json:"recursive,omitempty"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
}

type grepArgs struct {
	Pattern       string `json:"pattern" jsonschema:"description=Regular expression (RE2 syntax)"`
	Path          string `json:"path,omitempty" jsonschema:"description=File or directory to search; defaults to the workspace root"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	Limit         int    `json:"limit,omitempty" jsonschema:"minimum=0"`
}

// Register adds the workspace tools to r.
func (w Workspace) Register(r *Registry) error {
	if err := RegisterFunc(r, "read_file", "Read a text file from the workspace.", w.readFile); err != nil {
		return err
	}
	if err := RegisterFunc(r, "list_directory", "List the entries of a workspace directory.", w.listDirectory); err != nil {
		return err
	}
	if err := RegisterFunc(r, "grep_search", "Search workspace files for lines matching a regular expression.", w.grep); err != nil {
		return err
	}
	if w.ReadOnly {
		return nil
	}
	return RegisterFunc(r, "write_file", "Create or overwrite a file in the workspace.", w.writeFile)
}

func (w Workspace) readFile(_ context.Context, args readFileArgs) (any, error) {
	path, err := w.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", args.Path)
	}
	f, err := os.Open(path) //#nosec G304 -- resolved inside the workspace
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var src io.Reader = f
	if args.MaxBytes > 0 {
		src = io.LimitReader(f, args.MaxBytes)
	}
	content, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return map[string]any{
		"path":      args.Path,
		"content":   string(content),
		"size":      info.Size(),
		"truncated": int64(len(content)) < info.Size(),
	}, nil
}

func (w Workspace) writeFile(_ context.Context, args writeFileArgs) (any, error) {
	path, err := w.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if args.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create parent directories: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return map[string]any{"path": args.Path, "size": len(args.Content), "written": true}, nil
}

func (w Workspace) listDirectory(_ context.Context, args listDirectoryArgs) (any, error) {
	if args.Path == "" {
		args.Path = "."
	}
	dir, err := w.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	entries := []map[string]any{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if !args.IncludeHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		entry := map[string]any{"path": filepath.ToSlash(rel), "is_dir": d.IsDir()}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			entry["size"] = info.Size()
		}
		entries = append(entries, entry)
		if d.IsDir() && !args.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	return map[string]any{"path": args.Path, "entries": entries, "count": len(entries)}, nil
}

func (w Workspace) grep(_ context.Context, args grepArgs) (any, error) {
	if args.Path == "" {
		args.Path = "."
	}
	if args.Limit == 0 {
		args.Limit = 100
	}
	expr := args.Pattern
	if !args.CaseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	start, err := w.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	root, _ := w.resolve(".")

	matches := []map[string]any{}
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path) //#nosec G304 -- inside the workspace
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		for i, line := range strings.Split(string(content), "\n") {
			if !re.MatchString(line) {
				continue
			}
			matches = append(matches, map[string]any{"file": filepath.ToSlash(rel), "line_number": i + 1, "line": line})
			if len(matches) >= args.Limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return map[string]any{"pattern": args.Pattern, "matches": matches, "count": len(matches)}, nil
}
