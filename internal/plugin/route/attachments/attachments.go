package attachments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/counselbridge/case-chat-service/internal/config"
	"github.com/counselbridge/case-chat-service/internal/model"
	registryattach "github.com/counselbridge/case-chat-service/internal/registry/attach"
	registryroute "github.com/counselbridge/case-chat-service/internal/registry/route"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts attachment routes.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, attachStore registryattach.AttachmentStore, cfg *config.Config, auth gin.HandlerFunc, viewer gin.HandlerFunc) {
	if attachStore == nil {
		return
	}

	signingKeys := cfg.SigningKeys()
	if len(signingKeys) == 0 {
		log.Warn("No attachment signing keys configured; signed download URLs disabled")
	}

	g := r.Group("/v1", auth, viewer)
	g.POST("/conversations/:conversationId/attachments", func(c *gin.Context) {
		upload(c, store, attachStore, cfg)
	})
	g.GET("/conversations/:conversationId/attachments/download", func(c *gin.Context) {
		download(c, store, attachStore, cfg)
	})
	g.GET("/conversations/:conversationId/attachments/download-url", func(c *gin.Context) {
		var primaryKey []byte
		if len(signingKeys) > 0 {
			primaryKey = signingKeys[0]
		}
		downloadURL(c, store, attachStore, cfg, primaryKey)
	})
	if len(signingKeys) > 0 {
		// Token downloads carry their own authorization; no auth middleware.
		r.GET("/v1/attachments/download/:token/:filename", func(c *gin.Context) {
			downloadByToken(c, attachStore, signingKeys)
		})
	}
}

func upload(c *gin.Context, store registrystore.ChatStore, attachStore registryattach.AttachmentStore, cfg *config.Config) {
	viewer := security.GetViewer(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	if _, err := store.AuthorizeConversation(c.Request.Context(), viewer, convID); err != nil {
		handleError(c, err)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "files is required", "field": "files"})
		return
	}

	// Reject oversized parts up front so nothing is written for a doomed
	// request.
	for _, header := range files {
		if header.Size > cfg.AttachmentMaxSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "validation_error",
				"error": fmt.Sprintf("file %q exceeds maximum size of %d bytes", header.Filename, cfg.AttachmentMaxSize),
				"field": "files",
			})
			return
		}
	}

	refs := make([]model.AttachmentRef, 0, len(files))
	for _, header := range files {
		file, err := header.Open()
		if err != nil {
			logOrphans(convID, refs)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		storagePath := fmt.Sprintf("conversation-%d/%s%s", convID, uuid.New().String(), filepath.Ext(header.Filename))

		result, err := attachStore.Store(c.Request.Context(), storagePath, file, cfg.AttachmentMaxSize, contentType)
		_ = file.Close()
		if err != nil {
			logOrphans(convID, refs)
			handleError(c, err)
			return
		}

		refs = append(refs, model.AttachmentRef{
			DisplayName: header.Filename,
			StoragePath: storagePath,
			MimeType:    contentType,
			SizeBytes:   result.Size,
		})
	}

	c.JSON(http.StatusCreated, gin.H{"data": refs})
}

// logOrphans records payloads already written before a multi-file upload
// aborted. They are unreferenced by any message and reclaimable offline.
func logOrphans(convID int64, stored []model.AttachmentRef) {
	for _, ref := range stored {
		log.Warn("Upload aborted; stored payload is orphaned", "conversationID", convID, "storagePath", ref.StoragePath)
	}
}

func download(c *gin.Context, store registrystore.ChatStore, attachStore registryattach.AttachmentStore, cfg *config.Config) {
	viewer := security.GetViewer(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	if _, err := store.AuthorizeConversation(c.Request.Context(), viewer, convID); err != nil {
		handleError(c, err)
		return
	}

	storagePath, ok := conversationStoragePath(c, convID)
	if !ok {
		return
	}

	if cfg.S3DirectDownload {
		signed, err := attachStore.GetSignedURL(c.Request.Context(), storagePath, cfg.AttachmentDownloadURLExpiresIn)
		if err == nil {
			c.Redirect(http.StatusFound, signed.String())
			return
		}
		log.Debug("signed URL unavailable, streaming through the service", "path", storagePath, "error", err)
	}

	streamAttachment(c, attachStore, storagePath, c.Query("name"))
}

func downloadURL(c *gin.Context, store registrystore.ChatStore, attachStore registryattach.AttachmentStore, cfg *config.Config, signingKey []byte) {
	viewer := security.GetViewer(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}
	if _, err := store.AuthorizeConversation(c.Request.Context(), viewer, convID); err != nil {
		handleError(c, err)
		return
	}

	storagePath, ok := conversationStoragePath(c, convID)
	if !ok {
		return
	}

	if cfg.S3DirectDownload {
		signed, err := attachStore.GetSignedURL(c.Request.Context(), storagePath, cfg.AttachmentDownloadURLExpiresIn)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"url": signed.String(), "expiresIn": int(cfg.AttachmentDownloadURLExpiresIn.Seconds())})
			return
		}
		log.Debug("signed URL unavailable, falling back to token download", "path", storagePath, "error", err)
	}

	if len(signingKey) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "download URLs are not available: signing key is not configured"})
		return
	}

	filename := strings.TrimSpace(c.Query("name"))
	if filename == "" {
		filename = "download"
	}
	token := signDownloadToken(storagePath, signingKey, time.Now().Add(cfg.AttachmentDownloadURLExpiresIn))
	c.JSON(http.StatusOK, gin.H{
		"url":       fmt.Sprintf("/v1/attachments/download/%s/%s", token, filename),
		"expiresIn": int(cfg.AttachmentDownloadURLExpiresIn.Seconds()),
	})
}

func downloadByToken(c *gin.Context, attachStore registryattach.AttachmentStore, signingKeys [][]byte) {
	storagePath, ok := verifyDownloadToken(c.Param("token"), signingKeys, time.Now())
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
		return
	}
	streamAttachment(c, attachStore, storagePath, c.Param("filename"))
}

func streamAttachment(c *gin.Context, attachStore registryattach.AttachmentStore, storagePath, filename string) {
	reader, contentType, err := attachStore.Retrieve(c.Request.Context(), storagePath)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve attachment"})
		return
	}
	defer reader.Close()

	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(storagePath))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	c.Header("Cache-Control", "private, max-age=300, immutable")
	c.Header("Content-Type", contentType)
	if strings.TrimSpace(filename) != "" {
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))
	}
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, reader)
}

// conversationStoragePath reads the path query param and checks it belongs to
// the addressed conversation. Paths from other conversations read as missing,
// not forbidden, so the namespace stays unprobeable.
func conversationStoragePath(c *gin.Context, convID int64) (string, bool) {
	storagePath := c.Query("path")
	prefix := fmt.Sprintf("conversation-%d/", convID)
	if storagePath == "" || !strings.HasPrefix(storagePath, prefix) || strings.Contains(storagePath, "..") {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "attachment not found"})
		return "", false
	}
	return storagePath, true
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "conversationId must be numeric", "field": "conversationId"})
		return 0, false
	}
	return id, true
}

func signDownloadToken(storagePath string, secret []byte, expiresAt time.Time) string {
	payload := fmt.Sprintf("%s|%d", storagePath, expiresAt.Unix())
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encodedPayload + "." + sig
}

func verifyDownloadToken(token string, secrets [][]byte, now time.Time) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", false
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	payload := string(payloadBytes)

	matched := false
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, secret)
		_, _ = mac.Write([]byte(payload))
		expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(parts[1]), []byte(expected)) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}

	payloadParts := strings.Split(payload, "|")
	if len(payloadParts) != 2 {
		return "", false
	}
	exp, err := strconv.ParseInt(payloadParts[1], 10, 64)
	if err != nil {
		return "", false
	}
	if now.Unix() > exp {
		return "", false
	}
	return payloadParts[0], true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var forbidden *registrystore.ForbiddenError
	var tooLarge *registryattach.FileTooLargeError

	switch {
	case err == nil:
		return
	case errors.As(err, &tooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": "files"})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
