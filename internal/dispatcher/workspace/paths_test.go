package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidName(t *testing.T) {
	valid := []string{"skill", "my-skill", "my_skill", "v1.2", "SKILL.md", "a"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{"", ".", "..", "a/b", "a b", "a\\b", "skill\x00", "ä", "a:b"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidRelPath(t *testing.T) {
	valid := []string{"SKILL.md", "scripts/run.py", "a/b/c.txt", ".claude_data/agents"}
	for _, path := range valid {
		if !ValidRelPath(path) {
			t.Errorf("expected %q to be valid", path)
		}
	}

	invalid := []string{"", "../secret", "a/../b", "a//b", "/abs", "a/", "a/./b"}
	for _, path := range invalid {
		if ValidRelPath(path) {
			t.Errorf("expected %q to be rejected", path)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	got, err := SafeJoin(root, "skills/pdf/SKILL.md")
	if err != nil {
		t.Fatalf("safe join failed: %v", err)
	}
	want := filepath.Join(root, "skills", "pdf", "SKILL.md")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	// A leading slash is tolerated and treated as relative.
	if _, err := SafeJoin(root, "/inputs/data.csv"); err != nil {
		t.Errorf("leading slash should be trimmed, got %v", err)
	}

	for _, rel := range []string{"../escape", "a/../../escape", "..", ""} {
		if _, err := SafeJoin(root, rel); err == nil {
			t.Errorf("expected %q to be rejected", rel)
		}
	}
}

func TestSafeJoinRejectsSymlinkedAncestor(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	if _, err := SafeJoin(root, "link/file.txt"); err == nil {
		t.Error("expected symlinked ancestor to be rejected")
	} else if !strings.Contains(err.Error(), "symlink") {
		t.Errorf("expected symlink error, got %v", err)
	}
}

func TestSafeJoinRejectsSymlinkTarget(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}
	if err := os.Symlink(target, filepath.Join(root, "planted.txt")); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	if _, err := SafeJoin(root, "planted.txt"); err == nil {
		t.Error("expected symlink target to be rejected")
	}
}

func TestSafeJoinMissingAncestorsOK(t *testing.T) {
	root := t.TempDir()

	// Nothing under root exists yet; the join still succeeds so the caller
	// can MkdirAll and write.
	if _, err := SafeJoin(root, "a/b/c/d.txt"); err != nil {
		t.Errorf("missing ancestors must not fail the join, got %v", err)
	}
}

func TestIgnored(t *testing.T) {
	for _, name := range []string{".git", "node_modules", "__pycache__", ".DS_Store", "dist"} {
		if !Ignored(name, false) {
			t.Errorf("expected %q to be ignored", name)
		}
	}
	for _, name := range []string{"src", "main.go", "README.md"} {
		if Ignored(name, false) {
			t.Errorf("expected %q to be kept", name)
		}
	}

	if Ignored(".env", false) {
		t.Error("dot files are kept unless dot-file ignoring is on")
	}
	if !Ignored(".env", true) {
		t.Error("dot files are ignored when dot-file ignoring is on")
	}
}
