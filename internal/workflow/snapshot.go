package workflow

import (
	"os"
	"path/filepath"
	"sort"
)

// ignoredDirs are never snapshotted: VCS metadata, editor state, and
// cache directories churn without representing implementation artifacts.
var ignoredDirs = map[string]bool{
	".codex-home":   true,
	".codex":        true,
	".git":          true,
	".idea":         true,
	".vscode":       true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
}

type fileStamp struct {
	mtimeNs int64
	size    int64
}

// snapshotWorkspace records (mtime, size) per file under root, keyed by
// slash-separated relative path. A missing or non-directory root yields
// an empty snapshot.
func snapshotWorkspace(root string) map[string]fileStamp {
	snapshot := make(map[string]fileStamp)
	if root == "" {
		return snapshot
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return snapshot
	}

	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		stat, err := d.Info()
		if err != nil {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		snapshot[filepath.ToSlash(relative)] = fileStamp{
			mtimeNs: stat.ModTime().UnixNano(),
			size:    stat.Size(),
		}
		return nil
	})
	return snapshot
}

// diffSnapshots returns the sorted set of paths whose stamp differs
// between the two snapshots, including created and deleted files.
func diffSnapshots(before, after map[string]fileStamp) []string {
	seen := make(map[string]bool, len(before)+len(after))
	for path := range before {
		seen[path] = true
	}
	for path := range after {
		seen[path] = true
	}

	var changed []string
	for path := range seen {
		b, inBefore := before[path]
		a, inAfter := after[path]
		if inBefore != inAfter || b != a {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}
