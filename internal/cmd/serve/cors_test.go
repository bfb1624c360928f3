package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestParseOrigins_DefaultsToWildcard(t *testing.T) {
	origins := parseOrigins("")
	require.True(t, origins["*"])
}

func TestCorsMiddleware_AllowsConfiguredOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware("https://portal.example.com"))
	router.GET("/v1/conversations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://portal.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddleware_IgnoresUnlistedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware("https://portal.example.com"))
	router.GET("/v1/conversations", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestIsStreamingRequest(t *testing.T) {
	upload := httptest.NewRequest(http.MethodPost, "/v1/conversations/7/attachments", nil)
	upload.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	require.True(t, isStreamingRequest(upload))

	jsonPost := httptest.NewRequest(http.MethodPost, "/v1/conversations/7/messages", nil)
	jsonPost.Header.Set("Content-Type", "application/json")
	require.False(t, isStreamingRequest(jsonPost))

	download := httptest.NewRequest(http.MethodGet, "/v1/conversations/7/attachments/download", nil)
	require.False(t, isStreamingRequest(download))
}
