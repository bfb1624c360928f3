package conversations

import (
	"errors"
	"net/http"

	registryroute "github.com/counselbridge/case-chat-service/internal/registry/route"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/security"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the conversation directory routes on the given engine.
// Called after store initialization so the store is available.
func MountRoutes(r *gin.Engine, store registrystore.ChatStore, auth gin.HandlerFunc, viewer gin.HandlerFunc) {
	g := r.Group("/v1", auth, viewer)

	g.GET("/conversations", func(c *gin.Context) {
		listConversations(c, store)
	})
}

func listConversations(c *gin.Context, store registrystore.ChatStore) {
	viewer := security.GetViewer(c)

	summaries, err := store.ListConversations(c.Request.Context(), viewer)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summaries})
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
