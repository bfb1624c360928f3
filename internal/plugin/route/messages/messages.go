package messages

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/counselbridge/case-chat-service/internal/model"
	registryroute "github.com/counselbridge/case-chat-service/internal/registry/route"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the message log routes on the given engine.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc, viewer gin.HandlerFunc) {
	g := r.Group("/v1", auth, viewer)

	g.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, store)
	})
	g.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		appendMessage(c, store)
	})
}

func listMessages(c *gin.Context, store registrystore.ChatStore) {
	viewer := security.GetViewer(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid limit", "field": "limit"})
			return
		}
		limit = parsed
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "before must be an RFC 3339 timestamp", "field": "before"})
			return
		}
		before = &parsed
	}

	page, err := store.ListMessages(c.Request.Context(), viewer, convID, limit, before)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page})
}

func appendMessage(c *gin.Context, store registrystore.ChatStore) {
	viewer := security.GetViewer(c)
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	var req struct {
		Content     string                `json:"content"`
		Attachments []model.AttachmentRef `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := store.AppendMessage(c.Request.Context(), viewer, convID, req.Content, req.Attachments)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "conversationId must be numeric", "field": "conversationId"})
		return 0, false
	}
	return id, true
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var forbidden *registrystore.ForbiddenError

	switch {
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
