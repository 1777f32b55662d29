package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewManager(config.WorkspaceConfig{
		Root:        t.TempDir(),
		MaxAgeHours: 24,
	}, log)
}

func TestEnsureCreatesLayout(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "task-1")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	for _, dir := range []string{ws.WorkDir, ws.LogDir, ws.DataDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory %s, got %v", dir, err)
		}
	}

	meta, err := m.readMeta(ws.Root)
	if err != nil {
		t.Fatalf("read meta failed: %v", err)
	}
	if meta.SessionID != "session-1" || meta.UserID != "user-1" || meta.TaskID != "task-1" {
		t.Errorf("unexpected meta: %+v", meta)
	}
	if meta.Status != "active" {
		t.Errorf("expected status active, got %s", meta.Status)
	}

	// Reopening keeps the original creation time.
	created := meta.CreatedAt
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Ensure("user-1", "session-1", "task-2"); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	meta, err = m.readMeta(ws.Root)
	if err != nil {
		t.Fatalf("read meta failed: %v", err)
	}
	if !meta.CreatedAt.Equal(created) {
		t.Errorf("expected created_at to be preserved, got %v != %v", meta.CreatedAt, created)
	}
	if meta.TaskID != "task-2" {
		t.Errorf("expected task id updated, got %s", meta.TaskID)
	}
}

func TestEnsureRejectsUnsafeIDs(t *testing.T) {
	m := newTestManager(t)

	for _, ids := range [][2]string{
		{"../evil", "session-1"},
		{"user-1", "../../etc"},
		{"user/1", "session-1"},
		{"", "session-1"},
	} {
		if _, err := m.Ensure(ids[0], ids[1], ""); err == nil {
			t.Errorf("expected unsafe ids (%q, %q) to be rejected", ids[0], ids[1])
		}
	}
}

func TestGetMissingWorkspace(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get("user-1", "nope"); err == nil {
		t.Error("expected error for missing workspace")
	}
}

func TestArchiveRemovesActive(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.WorkDir, "result.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	dest, err := m.Archive("user-1", "session-1")
	if err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("expected archive file at %s: %v", dest, err)
	}
	if _, err := os.Stat(ws.Root); !os.IsNotExist(err) {
		t.Errorf("expected active workspace removed, got %v", err)
	}

	names := tarGzNames(t, dest)
	if !names["workspace/result.txt"] {
		t.Errorf("expected result.txt in archive, got %v", names)
	}
}

func tarGzNames(t *testing.T, path string) map[string]bool {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive failed: %v", err)
	}
	defer func() { _ = f.Close() }()
	return readTarGz(t, f)
}

func readTarGz(t *testing.T, r io.Reader) map[string]bool {
	t.Helper()
	gz, err := gzip.NewReader(r)
	if err != nil {
		t.Fatalf("gzip open failed: %v", err)
	}
	tr := tar.NewReader(gz)
	names := make(map[string]bool)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		names[header.Name] = true
	}
	return names
}

func TestTarGzAppliesIgnoreSet(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "main.go"), "package main")
	mustWrite(t, filepath.Join(dir, ".git", "HEAD"), "ref")
	mustWrite(t, filepath.Join(dir, "node_modules", "x", "index.js"), "x")
	mustWrite(t, filepath.Join(dir, "src", "app.go"), "package src")

	var buf bytes.Buffer
	if err := TarGz(&buf, dir, "workspace", false); err != nil {
		t.Fatalf("tar failed: %v", err)
	}

	names := readTarGz(t, &buf)
	if !names["workspace/main.go"] || !names["workspace/src/app.go"] {
		t.Errorf("expected source files in archive, got %v", names)
	}
	for name := range names {
		if name == "workspace/.git" || name == "workspace/node_modules" {
			t.Errorf("ignored directory %s leaked into archive", name)
		}
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestCleanupRemovesStaleAndOrphaned(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Fresh workspace survives.
	fresh, err := m.Ensure("user-1", "fresh", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	// Stale ephemeral workspace is removed.
	stale, err := m.Ensure("user-1", "stale", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	backdateMeta(t, m, stale.Root, 48*time.Hour)

	// Stale persistent workspace is archived.
	keeper, err := m.Ensure("user-1", "keeper", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	meta, err := m.readMeta(keeper.Root)
	if err != nil {
		t.Fatalf("read meta failed: %v", err)
	}
	meta.Persistent = true
	meta.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := m.writeMeta(keeper.Root, meta); err != nil {
		t.Fatalf("write meta failed: %v", err)
	}

	// Directory without meta.json is removed.
	orphan := filepath.Join(m.activeDir(), "user-1", "orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	removed, archived := m.Cleanup(ctx)
	if removed != 2 {
		t.Errorf("expected 2 removed (stale + orphan), got %d", removed)
	}
	if archived != 1 {
		t.Errorf("expected 1 archived, got %d", archived)
	}
	if _, err := os.Stat(fresh.Root); err != nil {
		t.Errorf("fresh workspace must survive cleanup: %v", err)
	}
	if _, err := os.Stat(stale.Root); !os.IsNotExist(err) {
		t.Error("stale workspace must be removed")
	}
	if _, err := os.Stat(keeper.Root); !os.IsNotExist(err) {
		t.Error("persistent workspace must be archived away")
	}
}

func backdateMeta(t *testing.T, m *Manager, root string, age time.Duration) {
	t.Helper()
	meta, err := m.readMeta(root)
	if err != nil {
		t.Fatalf("read meta failed: %v", err)
	}
	meta.CreatedAt = time.Now().UTC().Add(-age)
	if err := m.writeMeta(root, meta); err != nil {
		t.Fatalf("write meta failed: %v", err)
	}
}

func TestDeletePersistentNeedsForce(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	meta, err := m.readMeta(ws.Root)
	if err != nil {
		t.Fatalf("read meta failed: %v", err)
	}
	meta.Persistent = true
	if err := m.writeMeta(ws.Root, meta); err != nil {
		t.Fatalf("write meta failed: %v", err)
	}

	if err := m.Delete("user-1", "session-1", false); err == nil {
		t.Error("expected delete of persistent workspace to require force")
	}
	if err := m.Delete("user-1", "session-1", true); err != nil {
		t.Errorf("forced delete failed: %v", err)
	}
}

func TestFileTree(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mustWrite(t, filepath.Join(ws.WorkDir, "b.txt"), "bb")
	mustWrite(t, filepath.Join(ws.WorkDir, "src", "a.go"), "package src")
	mustWrite(t, filepath.Join(ws.WorkDir, ".git", "HEAD"), "ref")

	tree, err := m.FileTree(ws)
	if err != nil {
		t.Fatalf("tree failed: %v", err)
	}

	byName := make(map[string]*TreeNode)
	for _, node := range tree {
		byName[node.Name] = node
	}
	if _, ok := byName[".git"]; ok {
		t.Error("ignored directories must not appear in the tree")
	}
	if node, ok := byName["b.txt"]; !ok || node.Size != 2 {
		t.Errorf("expected b.txt with size 2, got %+v", node)
	}
	src, ok := byName["src"]
	if !ok || !src.IsDir || len(src.Children) != 1 {
		t.Fatalf("expected src dir with one child, got %+v", src)
	}
	if src.Children[0].Path != "src/a.go" {
		t.Errorf("expected child path src/a.go, got %s", src.Children[0].Path)
	}

	// Directories sort before files.
	if tree[0].Name != ".claude_data" && tree[0].Name != "src" {
		t.Errorf("expected a directory first, got %s", tree[0].Name)
	}
}

func TestResolveFile(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mustWrite(t, filepath.Join(ws.WorkDir, "out", "report.md"), "# report")

	full, info, err := m.ResolveFile(ws, "out/report.md")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if info.Size() == 0 || full == "" {
		t.Errorf("unexpected resolve result: %s %v", full, info)
	}

	if _, _, err := m.ResolveFile(ws, "../meta.json"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, _, err := m.ResolveFile(ws, "out"); err == nil {
		t.Error("expected directory to be rejected")
	}
}

func TestUsageCountsWorkspaces(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if _, err := m.Ensure("user-2", "session-2", ""); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	mustWrite(t, filepath.Join(ws.WorkDir, "data.bin"), "12345678")

	usage := m.Usage()
	if usage.ActiveWorkspaces != 2 {
		t.Errorf("expected 2 active workspaces, got %d", usage.ActiveWorkspaces)
	}
	if usage.ActiveBytes < 8 {
		t.Errorf("expected at least 8 active bytes, got %d", usage.ActiveBytes)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(ws.Root, "meta.json"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("meta.json is not valid JSON: %v", err)
	}
	if meta.WorkspacePath != ws.WorkDir {
		t.Errorf("expected workspace path %s, got %s", ws.WorkDir, meta.WorkspacePath)
	}
}
