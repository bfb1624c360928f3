package attachments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/counselbridge/case-chat-service/internal/config"
	"github.com/counselbridge/case-chat-service/internal/model"
	"github.com/counselbridge/case-chat-service/internal/plugin/route/attachments"
	"github.com/counselbridge/case-chat-service/internal/plugin/store/gormstore"
	registryattach "github.com/counselbridge/case-chat-service/internal/registry/attach"
	"github.com/counselbridge/case-chat-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type memAttachmentStore struct {
	mu    sync.RWMutex
	data  map[string][]byte
	types map[string]string
}

func newMemAttachmentStore() *memAttachmentStore {
	return &memAttachmentStore{data: map[string][]byte{}, types: map[string]string{}}
}

func (s *memAttachmentStore) Store(_ context.Context, storagePath string, r io.Reader, maxSize int64, contentType string) (*registryattach.StoreResult, error) {
	buf := bytes.Buffer{}
	n, err := io.CopyN(&buf, r, maxSize+1)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n > maxSize {
		return nil, &registryattach.FileTooLargeError{MaxSize: maxSize}
	}
	s.mu.Lock()
	s.data[storagePath] = buf.Bytes()
	s.types[storagePath] = contentType
	s.mu.Unlock()
	return &registryattach.StoreResult{Size: n}, nil
}

func (s *memAttachmentStore) Retrieve(_ context.Context, storagePath string) (io.ReadCloser, string, error) {
	s.mu.RLock()
	data, ok := s.data[storagePath]
	contentType := s.types[storagePath]
	s.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), contentType, nil
}

func (s *memAttachmentStore) Delete(_ context.Context, storagePath string) error {
	s.mu.Lock()
	delete(s.data, storagePath)
	s.mu.Unlock()
	return nil
}

func (s *memAttachmentStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed url unsupported")
}

type routerFixture struct {
	router *gin.Engine
	convID int64
}

func setupAttachmentsRouter(t *testing.T) routerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.ClientAccount{},
		&model.ProfessionalAccount{},
		&model.Case{},
		&model.Conversation{},
		&model.Message{},
	))
	store := gormstore.NewWithDB(db)

	ctx := context.Background()
	client, err := store.CreateClientAccount(ctx, model.ClientAccount{IdentityToken: "client-token", DisplayName: "Dana"})
	require.NoError(t, err)
	pro, err := store.CreateProfessionalAccount(ctx, model.ProfessionalAccount{IdentityToken: "pro-token", DisplayName: "Alex"})
	require.NoError(t, err)
	_, err = store.CreateClientAccount(ctx, model.ClientAccount{IdentityToken: "outsider-token", DisplayName: "Pat"})
	require.NoError(t, err)
	kase, err := store.CreateCase(ctx, model.Case{Reference: "CASE-1", Title: "Case", Status: "active"})
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, model.Conversation{
		CaseID:                kase.ID,
		ClientAccountID:       client.ID,
		ProfessionalAccountID: pro.ID,
	})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.AttachmentMaxSize = 64
	cfg.AttachmentSigningKeys = "test-signing-key"

	gin.SetMode(gin.TestMode)
	router := gin.New()
	auth := func(c *gin.Context) {
		c.Set(security.ContextKeyIdentityToken, c.GetHeader("X-Identity-Token"))
		c.Next()
	}
	viewer := security.ViewerMiddleware(security.NewViewerResolver(store, nil, 0))
	attachments.MountRoutes(router, store, newMemAttachmentStore(), &cfg, auth, viewer)
	return routerFixture{router: router, convID: conv.ID}
}

func uploadFiles(t *testing.T, fx routerFixture, identity string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)
	for name, content := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/conversations/%d/attachments", fx.convID), form)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Identity-Token", identity)
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func TestUpload_StoragePathKeepsExtensionAndConversationScope(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	resp := uploadFiles(t, fx, "client-token", map[string]string{"retainer.pdf": "pdf-bytes"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var payload struct {
		Data []model.AttachmentRef `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Len(t, payload.Data, 1)

	ref := payload.Data[0]
	require.Equal(t, "retainer.pdf", ref.DisplayName)
	require.Equal(t, int64(len("pdf-bytes")), ref.SizeBytes)
	require.True(t, strings.HasPrefix(ref.StoragePath, fmt.Sprintf("conversation-%d/", fx.convID)))
	require.True(t, strings.HasSuffix(ref.StoragePath, ".pdf"))
}

func TestUpload_OversizedFileRejected(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	resp := uploadFiles(t, fx, "client-token", map[string]string{
		"big.bin": strings.Repeat("x", 100), // over the 64-byte test limit
	})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Contains(t, resp.Body.String(), "validation_error")
}

func TestUpload_OutsiderForbidden(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	resp := uploadFiles(t, fx, "outsider-token", map[string]string{"note.txt": "hi"})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestDownload_RoundTrip(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	resp := uploadFiles(t, fx, "client-token", map[string]string{"note.txt": "contents here"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var payload struct {
		Data []model.AttachmentRef `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	storagePath := payload.Data[0].StoragePath

	// The professional counterpart can download it.
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/conversations/%d/attachments/download?path=%s&name=note.txt", fx.convID, url.QueryEscape(storagePath)), nil)
	req.Header.Set("X-Identity-Token", "pro-token")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "contents here", w.Body.String())
	require.Contains(t, w.Header().Get("Content-Disposition"), "note.txt")
}

func TestDownload_PathOutsideConversationIsNotFound(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/conversations/%d/attachments/download?path=conversation-9999/foo.txt&name=foo.txt", fx.convID), nil)
	req.Header.Set("X-Identity-Token", "client-token")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownload_MalformedConversationIDRejected(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	req := httptest.NewRequest(http.MethodGet,
		"/v1/conversations/not-a-number/attachments/download?path=conversation-1/foo.txt&name=foo.txt", nil)
	req.Header.Set("X-Identity-Token", "client-token")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "validation_error")
	require.Contains(t, w.Body.String(), "conversationId")
}

func TestDownloadURL_TokenRoundTrip(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	resp := uploadFiles(t, fx, "client-token", map[string]string{"brief.txt": "token download"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var uploaded struct {
		Data []model.AttachmentRef `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &uploaded))
	storagePath := uploaded.Data[0].StoragePath

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/v1/conversations/%d/attachments/download-url?path=%s&name=brief.txt", fx.convID, url.QueryEscape(storagePath)), nil)
	req.Header.Set("X-Identity-Token", "client-token")
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var payload struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Contains(t, payload.URL, "/v1/attachments/download/")
	require.Greater(t, payload.ExpiresIn, 0)

	// The tokenized URL needs no identity headers.
	downloadReq := httptest.NewRequest(http.MethodGet, payload.URL, nil)
	downloadResp := httptest.NewRecorder()
	fx.router.ServeHTTP(downloadResp, downloadReq)
	require.Equal(t, http.StatusOK, downloadResp.Code)
	require.Equal(t, "token download", downloadResp.Body.String())
}

func TestTokenDownload_TamperedTokenRejected(t *testing.T) {
	fx := setupAttachmentsRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/attachments/download/not-a-real-token/file.txt", nil)
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}
