package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
)

func (h *Handlers) listSessions(c *gin.Context) {
	filter := sqlite.SessionListFilter{
		UserID:    h.userID(c),
		ProjectID: c.Query("project_id"),
		Kind:      c.Query("kind"),
	}
	if limit, err := intQuery(c, "limit"); err == nil {
		filter.Limit = limit
	}
	if offset, err := intQuery(c, "offset"); err == nil {
		filter.Offset = offset
	}

	sessions, err := h.svc.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"sessions": sessions})
}

func (h *Handlers) getSession(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, session)
}

type updateSessionRequest struct {
	Config map[string]interface{} `json:"config"`
}

func (h *Handlers) updateSession(c *gin.Context) {
	var body updateSessionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	session, err := h.svc.UpdateSessionConfig(c.Request.Context(), c.Param("id"), h.userID(c), body.Config)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, session)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.svc.DeleteSession(c.Request.Context(), c.Param("id"), h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, gin.H{"deleted": true})
}

type cancelSessionRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) cancelSession(c *gin.Context) {
	var body cancelSessionRequest
	_ = c.ShouldBindJSON(&body) // reason is optional, an empty body is fine

	result, err := h.svc.CancelSession(c.Request.Context(), c.Param("id"), h.userID(c), body.Reason)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, result)
}

func (h *Handlers) listMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	limit, _ := intQuery(c, "limit")
	offset, _ := intQuery(c, "offset")

	messages, err := h.svc.Repo().ListMessagesBySession(c.Request.Context(), sessionID, limit, offset)
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeDatabase, "failed to list messages", err))
		return
	}
	h.respond(c, gin.H{"messages": messages})
}

func (h *Handlers) listToolExecutions(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	tools, err := h.svc.Repo().ListToolExecutionsBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeDatabase, "failed to list tool executions", err))
		return
	}
	h.respond(c, gin.H{"tool_executions": tools})
}

func (h *Handlers) listInputRequests(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	requests, err := h.svc.Repo().ListUserInputRequestsBySession(c.Request.Context(), sessionID, c.Query("status"))
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeDatabase, "failed to list input requests", err))
		return
	}
	h.respond(c, gin.H{"input_requests": requests})
}

func (h *Handlers) answerInputRequest(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	var answer map[string]interface{}
	if err := c.ShouldBindJSON(&answer); err != nil {
		h.respondErr(c, apperr.Validation("invalid payload: %v", err))
		return
	}
	request, err := h.svc.AnswerUserInput(c.Request.Context(), c.Param("requestId"), answer)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	h.respond(c, request)
}

func (h *Handlers) sessionUsage(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.svc.GetSession(c.Request.Context(), sessionID, h.userID(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	summary, err := h.svc.Repo().SummarizeUsageBySession(c.Request.Context(), sessionID)
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeDatabase, "failed to summarize usage", err))
		return
	}
	h.respond(c, summary)
}

// workspaceInfo returns the export bookkeeping plus a presigned archive URL
// when the archive is in object storage.
func (h *Handlers) workspaceInfo(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}

	info := gin.H{
		"export_status": session.WorkspaceExportStatus,
		"files_prefix":  session.WorkspaceFilesPrefix,
	}
	if h.store != nil && session.WorkspaceArchiveKey != nil {
		url, err := h.store.PresignGet(c.Request.Context(), *session.WorkspaceArchiveKey, time.Hour)
		if err == nil {
			info["archive_url"] = url
		}
	} else if session.WorkspaceArchiveURL != nil {
		info["archive_url"] = *session.WorkspaceArchiveURL
	}
	h.respond(c, info)
}

// workspaceFileTree lists the exported files from the manifest.
func (h *Handlers) workspaceFileTree(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	if h.store == nil || session.WorkspaceManifestKey == nil {
		h.respondErr(c, apperr.NotFound("no workspace export available"))
		return
	}
	manifest, err := h.store.GetManifest(c.Request.Context(), *session.WorkspaceManifestKey)
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeExternalService, "failed to load manifest", err))
		return
	}
	h.respond(c, manifest)
}

// workspaceFileContent returns a presigned URL for one exported file.
func (h *Handlers) workspaceFileContent(c *gin.Context) {
	session, err := h.svc.GetSession(c.Request.Context(), c.Param("id"), h.userID(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	path := c.Query("path")
	if path == "" {
		h.respondErr(c, apperr.Validation("path query parameter is required"))
		return
	}
	if h.store == nil || session.WorkspaceManifestKey == nil {
		h.respondErr(c, apperr.NotFound("no workspace export available"))
		return
	}
	manifest, err := h.store.GetManifest(c.Request.Context(), *session.WorkspaceManifestKey)
	if err != nil {
		h.respondErr(c, apperr.Wrap(apperr.CodeExternalService, "failed to load manifest", err))
		return
	}
	for _, file := range manifest.Files {
		if file.Path != path {
			continue
		}
		url, err := h.store.PresignGet(c.Request.Context(), file.Key, time.Hour)
		if err != nil {
			h.respondErr(c, apperr.Wrap(apperr.CodeExternalService, "failed to presign file", err))
			return
		}
		h.respond(c, gin.H{"path": file.Path, "url": url, "size": file.Size, "mime_type": file.MimeType})
		return
	}
	h.respondErr(c, apperr.NotFound("file %s not in export", path))
}
