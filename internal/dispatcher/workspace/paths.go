package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// namePattern is the allowed shape of a single path component used for
// staged capability names and relative workspace paths.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name is a safe single path component.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return namePattern.MatchString(name)
}

// ValidRelPath reports whether rel is a safe forward-slash relative path:
// every component passes ValidName.
func ValidRelPath(rel string) bool {
	if rel == "" {
		return false
	}
	for _, part := range strings.Split(rel, "/") {
		if !ValidName(part) {
			return false
		}
	}
	return true
}

// SafeJoin joins rel onto root and verifies the result stays inside root.
// Symlinks anywhere on the existing portion of the path are rejected so a
// staged write can never escape through a planted link.
func SafeJoin(root, rel string) (string, error) {
	rel = strings.TrimPrefix(rel, "/")
	if !ValidRelPath(rel) {
		return "", fmt.Errorf("unsafe path: %q", rel)
	}

	cleanRoot := filepath.Clean(root)
	full := filepath.Join(cleanRoot, filepath.FromSlash(rel))
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace: %q", rel)
	}

	// Walk the existing ancestors; any symlink is a rejection.
	dir := filepath.Dir(full)
	for strings.HasPrefix(dir, cleanRoot) {
		info, err := os.Lstat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				if dir == cleanRoot {
					break
				}
				dir = filepath.Dir(dir)
				continue
			}
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("symlink in path: %q", rel)
		}
		if dir == cleanRoot {
			break
		}
		dir = filepath.Dir(dir)
	}

	if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("symlink target: %q", rel)
	}
	return full, nil
}

// ignoredNames are directory and file names excluded from export, trees
// and archives.
var ignoredNames = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	".DS_Store":     true,
	"__pycache__":   true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".ruff_cache":   true,
	"node_modules":  true,
	".venv":         true,
	"venv":          true,
	".next":         true,
	"dist":          true,
	"build":         true,
	"__MACOSX":      true,
}

// Ignored reports whether a file or directory name is excluded. When
// ignoreDotFiles is set, every dot-prefixed name is excluded as well.
func Ignored(name string, ignoreDotFiles bool) bool {
	if ignoredNames[name] {
		return true
	}
	return ignoreDotFiles && strings.HasPrefix(name, ".")
}
