package dispatcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/dispatcher/cpclient"
	"github.com/opencowork/opencowork/internal/dispatcher/workspace"
	"github.com/opencowork/opencowork/internal/storage"
	v1 "github.com/opencowork/opencowork/pkg/api/v1"
)

// Exporter uploads finished session workspaces to object storage and reports
// the outcome back to the control plane.
type Exporter struct {
	store      *storage.Client // nil disables export
	workspaces *workspace.Manager
	cp         *cpclient.Client
	logger     *logger.Logger
}

// NewExporter creates an exporter.
func NewExporter(store *storage.Client, workspaces *workspace.Manager, cp *cpclient.Client, log *logger.Logger) *Exporter {
	return &Exporter{
		store:      store,
		workspaces: workspaces,
		cp:         cp,
		logger:     log.WithFields(zap.String("component", "workspace-exporter")),
	}
}

// Enabled reports whether object storage is configured.
func (e *Exporter) Enabled() bool { return e.store != nil }

// Export uploads the session workspace and sends the follow-up callback.
// Intended to run as a goroutine after a terminal callback is relayed.
func (e *Exporter) Export(ctx context.Context, userID, sessionID, runID string) {
	log := e.logger.WithFields(zap.String("session_id", sessionID), zap.String("run_id", runID))

	prefix, manifestKey, archiveKey, err := e.upload(ctx, userID, sessionID)
	followUp := &v1.CallbackRequest{
		SessionID: sessionID,
		RunID:     runID,
	}
	if err != nil {
		log.Error("workspace export failed", zap.Error(err))
		followUp.WorkspaceExportStatus = "failed"
	} else {
		followUp.WorkspaceExportStatus = "ready"
		followUp.WorkspaceFilesPrefix = prefix
		followUp.WorkspaceManifestKey = manifestKey
		followUp.WorkspaceArchiveKey = archiveKey
	}

	cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.cp.Callback(cbCtx, followUp); err != nil {
		log.Error("failed to report export outcome", zap.Error(err))
		return
	}
	log.Info("workspace export finished", zap.String("status", followUp.WorkspaceExportStatus))
}

func (e *Exporter) upload(ctx context.Context, userID, sessionID string) (prefix, manifestKey, archiveKey string, err error) {
	ws, err := e.workspaces.Get(userID, sessionID)
	if err != nil {
		return "", "", "", err
	}
	prefix = fmt.Sprintf("workspaces/%s/%s", userID, sessionID)

	manifest := &storage.Manifest{
		Version:     storage.ManifestVersion,
		GeneratedAt: time.Now().UTC(),
		Files:       []storage.ManifestFile{},
	}

	walkErr := filepath.Walk(ws.WorkDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if workspace.Ignored(info.Name(), false) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(ws.WorkDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		key := prefix + "/files/" + rel

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		mimeType := mime.TypeByExtension(filepath.Ext(path))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		if err := e.store.Upload(ctx, key, f, info.Size(), mimeType); err != nil {
			return err
		}
		manifest.Files = append(manifest.Files, storage.ManifestFile{
			Path:         rel,
			Key:          key,
			Size:         info.Size(),
			MimeType:     mimeType,
			Status:       "uploaded",
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if walkErr != nil {
		return "", "", "", fmt.Errorf("failed to upload workspace files: %w", walkErr)
	}

	manifestKey = prefix + "/manifest.json"
	if err := e.store.UploadJSON(ctx, manifestKey, manifest); err != nil {
		return "", "", "", err
	}

	archiveKey = prefix + "/archive.tar.gz"
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(workspace.TarGz(pw, ws.WorkDir, "workspace", false))
	}()
	if err := e.store.Upload(ctx, archiveKey, pr, -1, "application/gzip"); err != nil {
		_ = pr.CloseWithError(err)
		return "", "", "", err
	}

	return prefix, manifestKey, archiveKey, nil
}
