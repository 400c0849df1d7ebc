package workflow

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, root, relative, content string) {
	t.Helper()
	path := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSnapshotWorkspace_RelativeSlashKeys(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a")
	writeFile(t, root, filepath.Join("pkg", "b.go"), "package b")

	snapshot := snapshotWorkspace(root)
	if len(snapshot) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(snapshot), snapshot)
	}
	if _, ok := snapshot["pkg/b.go"]; !ok {
		t.Errorf("missing slash-relative key: %v", snapshot)
	}
}

func TestSnapshotWorkspace_SkipsIgnoredDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.go", "x")
	writeFile(t, root, filepath.Join(".git", "HEAD"), "ref")
	writeFile(t, root, filepath.Join("node_modules", "dep", "index.js"), "js")
	writeFile(t, root, filepath.Join(".venv", "bin", "python"), "bin")

	snapshot := snapshotWorkspace(root)
	if len(snapshot) != 1 {
		t.Errorf("len = %d, want only keep.go: %v", len(snapshot), snapshot)
	}
}

func TestSnapshotWorkspace_MissingRoot(t *testing.T) {
	if got := snapshotWorkspace(filepath.Join(t.TempDir(), "nope")); len(got) != 0 {
		t.Errorf("missing root should yield empty snapshot: %v", got)
	}
	if got := snapshotWorkspace(""); len(got) != 0 {
		t.Errorf("blank root should yield empty snapshot: %v", got)
	}
}

func TestDiffSnapshots(t *testing.T) {
	before := map[string]fileStamp{
		"unchanged.go": {mtimeNs: 1, size: 10},
		"modified.go":  {mtimeNs: 1, size: 10},
		"deleted.go":   {mtimeNs: 1, size: 10},
	}
	after := map[string]fileStamp{
		"unchanged.go": {mtimeNs: 1, size: 10},
		"modified.go":  {mtimeNs: 2, size: 12},
		"created.go":   {mtimeNs: 3, size: 5},
	}
	got := diffSnapshots(before, after)
	want := []string{"created.go", "deleted.go", "modified.go"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diff = %v, want %v", got, want)
	}
}

func TestDiffSnapshots_Empty(t *testing.T) {
	if got := diffSnapshots(nil, nil); len(got) != 0 {
		t.Errorf("diff of empty snapshots = %v", got)
	}
}
