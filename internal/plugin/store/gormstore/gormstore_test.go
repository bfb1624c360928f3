package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/counselbridge/case-chat-service/internal/model"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *GormChatStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.ClientAccount{},
		&model.ProfessionalAccount{},
		&model.Case{},
		&model.Conversation{},
		&model.Message{},
	))
	return NewWithDB(db)
}

// seedConversation provisions one client, one professional, a case, and a
// conversation joining them. Returns both viewers and the conversation.
func seedConversation(t *testing.T, st *GormChatStore) (client model.Viewer, professional model.Viewer, conv *model.Conversation) {
	t.Helper()
	ctx := context.Background()

	c, err := st.CreateClientAccount(ctx, model.ClientAccount{
		IdentityToken: "client-token",
		DisplayName:   "Dana Whitfield",
		Email:         "dana@example.com",
	})
	require.NoError(t, err)

	p, err := st.CreateProfessionalAccount(ctx, model.ProfessionalAccount{
		IdentityToken: "pro-token",
		DisplayName:   "Alex Romero",
		PracticeArea:  "family",
		FirmName:      "Romero & Associates",
	})
	require.NoError(t, err)

	kase, err := st.CreateCase(ctx, model.Case{
		Reference: "CASE-2031",
		Title:     "Custody arrangement",
		Status:    "active",
	})
	require.NoError(t, err)

	conv, err = st.CreateConversation(ctx, model.Conversation{
		CaseID:                kase.ID,
		ClientAccountID:       c.ID,
		ProfessionalAccountID: p.ID,
	})
	require.NoError(t, err)

	client = model.Viewer{Role: model.RoleClient, AccountID: c.ID, IdentityToken: c.IdentityToken}
	professional = model.Viewer{Role: model.RoleProfessional, AccountID: p.ID, IdentityToken: p.IdentityToken}
	return client, professional, conv
}

func TestGetAccountsByIdentity_NilWhenAbsent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	c, err := st.GetClientAccountByIdentity(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, c)

	p, err := st.GetProfessionalAccountByIdentity(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAuthorizeConversation_MissingIsNotFound(t *testing.T) {
	st := newTestStore(t)
	client, _, _ := seedConversation(t, st)

	_, err := st.AuthorizeConversation(context.Background(), client, 9999)
	var notFound *registrystore.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestAuthorizeConversation_NonParticipantIsForbidden(t *testing.T) {
	st := newTestStore(t)
	_, _, conv := seedConversation(t, st)
	ctx := context.Background()

	outsider, err := st.CreateClientAccount(ctx, model.ClientAccount{
		IdentityToken: "outsider-token",
		DisplayName:   "Pat Njoku",
	})
	require.NoError(t, err)

	viewer := model.Viewer{Role: model.RoleClient, AccountID: outsider.ID, IdentityToken: outsider.IdentityToken}
	_, err = st.AuthorizeConversation(ctx, viewer, conv.ID)
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestAuthorizeConversation_ParticipantsAllowed(t *testing.T) {
	st := newTestStore(t)
	client, professional, conv := seedConversation(t, st)
	ctx := context.Background()

	got, err := st.AuthorizeConversation(ctx, client, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	got, err = st.AuthorizeConversation(ctx, professional, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
}

func TestAppendMessage_RequiresContentOrAttachment(t *testing.T) {
	st := newTestStore(t)
	client, _, conv := seedConversation(t, st)
	ctx := context.Background()

	_, err := st.AppendMessage(ctx, client, conv.ID, "   ", nil)
	var validation *registrystore.ValidationError
	require.ErrorAs(t, err, &validation)

	// An attachment-only message is valid.
	msg, err := st.AppendMessage(ctx, client, conv.ID, "", []model.AttachmentRef{{
		DisplayName: "retainer.pdf",
		StoragePath: "conversation-1/abc.pdf",
		MimeType:    "application/pdf",
		SizeBytes:   1234,
	}})
	require.NoError(t, err)
	assert.Empty(t, msg.Content)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "retainer.pdf", msg.Attachments[0].DisplayName)
}

func TestAppendMessage_SenderTakenFromViewer(t *testing.T) {
	st := newTestStore(t)
	_, professional, conv := seedConversation(t, st)

	msg, err := st.AppendMessage(context.Background(), professional, conv.ID, "Reviewed the filing.", nil)
	require.NoError(t, err)
	assert.Equal(t, model.RoleProfessional, msg.SenderRole)
	assert.Equal(t, "pro-token", msg.SenderIdentityToken)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestListMessages_OldestFirstWithinPage(t *testing.T) {
	st := newTestStore(t)
	client, professional, conv := seedConversation(t, st)
	ctx := context.Background()

	_, err := st.AppendMessage(ctx, client, conv.ID, "first", nil)
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, professional, conv.ID, "second", nil)
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, client, conv.ID, "third", nil)
	require.NoError(t, err)

	page, err := st.ListMessages(ctx, client, conv.ID, 0, nil)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "first", page[0].Content)
	assert.Equal(t, "second", page[1].Content)
	assert.Equal(t, "third", page[2].Content)
}

func TestListMessages_CursorWalkReturnsEveryMessageOnce(t *testing.T) {
	st := newTestStore(t)
	client, _, conv := seedConversation(t, st)
	ctx := context.Background()

	// Distinct timestamps so the strict createdAt cursor is unambiguous.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		require.NoError(t, st.DB().Create(&model.Message{
			ConversationID:      conv.ID,
			SenderRole:          model.RoleClient,
			SenderIdentityToken: client.IdentityToken,
			Content:             string(rune('a' + i)),
			CreatedAt:           base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	var collected []string
	var cursor *time.Time
	for {
		page, err := st.ListMessages(ctx, client, conv.ID, 3, cursor)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		// Walking backwards: each page is older than the previous cursor.
		for i := len(page) - 1; i >= 0; i-- {
			collected = append(collected, page[i].Content)
		}
		oldest := page[0].CreatedAt
		cursor = &oldest
	}

	require.Len(t, collected, 10)
	// Collected newest-to-oldest with no duplicates.
	for i, content := range collected {
		assert.Equal(t, string(rune('a'+9-i)), content)
	}
}

func TestListMessages_LimitClamped(t *testing.T) {
	st := newTestStore(t)
	client, _, conv := seedConversation(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.AppendMessage(ctx, client, conv.ID, "msg", nil)
		require.NoError(t, err)
	}

	// Negative limit falls back to the default page size.
	page, err := st.ListMessages(ctx, client, conv.ID, -5, nil)
	require.NoError(t, err)
	assert.Len(t, page, 3)
}

func TestListMessages_ForbiddenForOutsider(t *testing.T) {
	st := newTestStore(t)
	_, _, conv := seedConversation(t, st)
	ctx := context.Background()

	outsider, err := st.CreateProfessionalAccount(ctx, model.ProfessionalAccount{
		IdentityToken: "other-pro-token",
		DisplayName:   "Sam Ortiz",
	})
	require.NoError(t, err)

	viewer := model.Viewer{Role: model.RoleProfessional, AccountID: outsider.ID, IdentityToken: outsider.IdentityToken}
	_, err = st.ListMessages(ctx, viewer, conv.ID, 10, nil)
	var forbidden *registrystore.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestListConversations_DirectorySummaries(t *testing.T) {
	st := newTestStore(t)
	client, professional, conv := seedConversation(t, st)
	ctx := context.Background()

	_, err := st.AppendMessage(ctx, client, conv.ID, "hello", nil)
	require.NoError(t, err)
	last, err := st.AppendMessage(ctx, professional, conv.ID, "latest word", nil)
	require.NoError(t, err)

	summaries, err := st.ListConversations(ctx, client)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	summary := summaries[0]
	assert.Equal(t, conv.ID, summary.ID)
	assert.Equal(t, "CASE-2031", summary.CaseReference)
	assert.Equal(t, "Custody arrangement", summary.CaseTitle)
	assert.Equal(t, "active", summary.CaseStatus)
	assert.Equal(t, "Alex Romero", summary.Counterpart.DisplayName)
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, last.ID, summary.LastMessage.ID)
	assert.Equal(t, "latest word", summary.LastMessage.Content)

	// The professional sees the client as counterpart.
	summaries, err = st.ListConversations(ctx, professional)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Dana Whitfield", summaries[0].Counterpart.DisplayName)
}

func TestListConversations_OnlyOwnConversations(t *testing.T) {
	st := newTestStore(t)
	_, professional, _ := seedConversation(t, st)
	ctx := context.Background()

	other, err := st.CreateClientAccount(ctx, model.ClientAccount{
		IdentityToken: "other-client-token",
		DisplayName:   "Riley Chen",
	})
	require.NoError(t, err)

	viewer := model.Viewer{Role: model.RoleClient, AccountID: other.ID, IdentityToken: other.IdentityToken}
	summaries, err := st.ListConversations(ctx, viewer)
	require.NoError(t, err)
	assert.Empty(t, summaries)

	summaries, err = st.ListConversations(ctx, professional)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}
