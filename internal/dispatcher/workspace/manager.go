// Package workspace manages per-session working directories on the
// dispatcher host: layout, staging, lifecycle, and archival.
package workspace

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
)

// Meta is the per-session meta.json document.
type Meta struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	TaskID        string    `json:"task_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Status        string    `json:"status"`
	ContainerMode string    `json:"container_mode,omitempty"`
	WorkspacePath string    `json:"workspace_path"`
	SizeBytes     int64     `json:"size_bytes"`
	Persistent    bool      `json:"persistent,omitempty"`
}

// Workspace is one session's directory set.
type Workspace struct {
	SessionID string
	UserID    string
	Root      string // active/<user>/<session>
	WorkDir   string // Root/workspace — mounted into the executor
	LogDir    string // Root/logs
}

// DataDir is where staged capability material lives inside the workdir.
func (w *Workspace) DataDir() string {
	return filepath.Join(w.WorkDir, ".claude_data")
}

// Manager owns the workspace root tree.
type Manager struct {
	cfg    config.WorkspaceConfig
	logger *logger.Logger
}

// NewManager creates a workspace manager rooted at cfg.Root.
func NewManager(cfg config.WorkspaceConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workspace-manager")),
	}
}

func (m *Manager) activeDir() string  { return filepath.Join(m.cfg.Root, "active") }
func (m *Manager) archiveDir() string { return filepath.Join(m.cfg.Root, "archive") }

// sessionRoot validates the identifiers before composing a path under the
// active tree: both come off the wire.
func (m *Manager) sessionRoot(userID, sessionID string) (string, error) {
	if !ValidName(userID) || !ValidName(sessionID) {
		return "", fmt.Errorf("unsafe workspace identifiers: user=%q session=%q", userID, sessionID)
	}
	return filepath.Join(m.activeDir(), userID, sessionID), nil
}

// Ensure creates (or reopens) a session workspace and writes meta.json.
func (m *Manager) Ensure(userID, sessionID, taskID string) (*Workspace, error) {
	root, err := m.sessionRoot(userID, sessionID)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{
		SessionID: sessionID,
		UserID:    userID,
		Root:      root,
		WorkDir:   filepath.Join(root, "workspace"),
		LogDir:    filepath.Join(root, "logs"),
	}
	for _, dir := range []string{ws.WorkDir, ws.LogDir, ws.DataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	meta, err := m.readMeta(root)
	if err != nil {
		meta = &Meta{
			SessionID: sessionID,
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		}
	}
	meta.TaskID = taskID
	meta.Status = "active"
	meta.WorkspacePath = ws.WorkDir
	if err := m.writeMeta(root, meta); err != nil {
		return nil, err
	}
	return ws, nil
}

// Get returns an existing workspace without creating it.
func (m *Manager) Get(userID, sessionID string) (*Workspace, error) {
	root, err := m.sessionRoot(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("workspace not found: %w", err)
	}
	return &Workspace{
		SessionID: sessionID,
		UserID:    userID,
		Root:      root,
		WorkDir:   filepath.Join(root, "workspace"),
		LogDir:    filepath.Join(root, "logs"),
	}, nil
}

func (m *Manager) readMeta(root string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(root, "meta.json"))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt meta.json in %s: %w", root, err)
	}
	return &meta, nil
}

func (m *Manager) writeMeta(root string, meta *Meta) error {
	meta.SizeBytes = dirSize(filepath.Join(root, "workspace"))
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(root, "meta.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write meta.json: %w", err)
	}
	return nil
}

// Archive tars the session workspace into the archive tree and removes the
// active directory.
func (m *Manager) Archive(userID, sessionID string) (string, error) {
	ws, err := m.Get(userID, sessionID)
	if err != nil {
		return "", err
	}
	date := time.Now().UTC().Format("2006-01-02")
	dest := filepath.Join(m.archiveDir(), userID, date, sessionID+".tar.gz")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() { _ = out.Close() }()

	if err := TarGz(out, ws.WorkDir, "workspace", m.cfg.IgnoreDotFiles); err != nil {
		_ = os.Remove(dest)
		return "", err
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return "", fmt.Errorf("failed to remove archived workspace: %w", err)
	}
	m.logger.Info("workspace archived",
		zap.String("session_id", sessionID),
		zap.String("archive", dest))
	return dest, nil
}

// Delete removes a session workspace. Persistent workspaces require force.
func (m *Manager) Delete(userID, sessionID string, force bool) error {
	ws, err := m.Get(userID, sessionID)
	if err != nil {
		return err
	}
	if meta, err := m.readMeta(ws.Root); err == nil && meta.Persistent && !force {
		return fmt.Errorf("workspace %s is persistent, use force", sessionID)
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	return nil
}

// Cleanup makes one pass over the active tree: directories without meta.json
// are deleted, ephemeral workspaces past max_age_hours are deleted, and
// persistent ones are archived instead.
func (m *Manager) Cleanup(ctx context.Context) (removed, archived int) {
	maxAge := time.Duration(m.cfg.MaxAgeHours) * time.Hour
	users, err := os.ReadDir(m.activeDir())
	if err != nil {
		return 0, 0
	}
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(m.activeDir(), user.Name()))
		if err != nil {
			continue
		}
		for _, session := range sessions {
			if ctx.Err() != nil {
				return removed, archived
			}
			if !session.IsDir() {
				continue
			}
			root := filepath.Join(m.activeDir(), user.Name(), session.Name())
			meta, err := m.readMeta(root)
			if err != nil {
				m.logger.Warn("removing workspace without meta.json", zap.String("path", root))
				_ = os.RemoveAll(root)
				removed++
				continue
			}
			if time.Since(meta.CreatedAt) < maxAge {
				continue
			}
			if meta.Persistent {
				if _, err := m.Archive(user.Name(), session.Name()); err != nil {
					m.logger.Warn("failed to archive stale workspace",
						zap.String("session_id", session.Name()),
						zap.Error(err))
					continue
				}
				archived++
			} else {
				_ = os.RemoveAll(root)
				removed++
			}
		}
	}
	return removed, archived
}

// StartCleaner runs Cleanup on the configured interval until ctx is done.
func (m *Manager) StartCleaner(ctx context.Context) {
	interval := time.Duration(m.cfg.CleanupInterval) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, archived := m.Cleanup(ctx)
				if removed > 0 || archived > 0 {
					m.logger.Info("workspace cleanup pass",
						zap.Int("removed", removed),
						zap.Int("archived", archived))
				}
			}
		}
	}()
}

// DiskUsage summarizes the workspace root.
type DiskUsage struct {
	ActiveWorkspaces int   `json:"active_workspaces"`
	ActiveBytes      int64 `json:"active_bytes"`
	ArchiveBytes     int64 `json:"archive_bytes"`
}

// Usage walks the root tree and reports sizes.
func (m *Manager) Usage() DiskUsage {
	usage := DiskUsage{ActiveBytes: dirSize(m.activeDir()), ArchiveBytes: dirSize(m.archiveDir())}
	users, err := os.ReadDir(m.activeDir())
	if err != nil {
		return usage
	}
	for _, user := range users {
		if !user.IsDir() {
			continue
		}
		sessions, err := os.ReadDir(filepath.Join(m.activeDir(), user.Name()))
		if err != nil {
			continue
		}
		for _, session := range sessions {
			if session.IsDir() {
				usage.ActiveWorkspaces++
			}
		}
	}
	return usage
}

// TreeNode is one entry of a workspace file tree listing.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	IsDir    bool        `json:"is_dir"`
	Size     int64       `json:"size,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

const (
	treeMaxDepth   = 8
	treeMaxEntries = 4000
)

// FileTree lists the workspace contents, directories first, bounded by
// depth and total entry count.
func (m *Manager) FileTree(ws *Workspace) ([]*TreeNode, error) {
	budget := treeMaxEntries
	return m.buildTree(ws.WorkDir, "", 0, &budget)
}

func (m *Manager) buildTree(dir, rel string, depth int, budget *int) ([]*TreeNode, error) {
	if depth >= treeMaxDepth || *budget <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	nodes := make([]*TreeNode, 0, len(entries))
	for _, entry := range entries {
		if *budget <= 0 {
			break
		}
		name := entry.Name()
		if Ignored(name, m.cfg.IgnoreDotFiles) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}
		*budget--
		childRel := name
		if rel != "" {
			childRel = rel + "/" + name
		}
		node := &TreeNode{Name: name, Path: childRel, IsDir: entry.IsDir()}
		if entry.IsDir() {
			children, err := m.buildTree(filepath.Join(dir, name), childRel, depth+1, budget)
			if err == nil {
				node.Children = children
			}
		} else {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ResolveFile resolves rel to a regular file inside the workspace.
func (m *Manager) ResolveFile(ws *Workspace, rel string) (string, os.FileInfo, error) {
	full, err := SafeJoin(ws.WorkDir, rel)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return "", nil, fmt.Errorf("file not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("not a regular file: %q", rel)
	}
	return full, info, nil
}

// TarGz writes dir as a gzipped tarball with entries rooted at arcname.
// The ignore set applies and symlinks are skipped.
func TarGz(w io.Writer, dir, arcname string, ignoreDotFiles bool) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if Ignored(info.Name(), ignoreDotFiles) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = arcname + "/" + filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
