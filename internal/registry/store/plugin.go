package store

import (
	"context"
	"fmt"
	"time"

	"github.com/counselbridge/case-chat-service/internal/model"
)

// CounterpartIdentity is the display identity of the other participant of a
// conversation, resolved from whichever account table is not the viewer's.
type CounterpartIdentity struct {
	AccountID   int64  `json:"accountId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

// ConversationSummary is one row of the conversation directory.
type ConversationSummary struct {
	model.Conversation
	CaseReference string              `json:"caseReference"`
	CaseTitle     string              `json:"caseTitle"`
	CaseStatus    string              `json:"caseStatus"`
	Counterpart   CounterpartIdentity `json:"counterpart"`
	LastMessage   *model.Message      `json:"lastMessage,omitempty"`
}

// MessagePage bounds for the message log read path.
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// ClampMessageLimit applies the default and cap to a requested page size.
func ClampMessageLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

// ChatStore is the primary data access interface of the chat core. Every
// method taking a conversation id authorizes the viewer against the
// conversation's participant pair before touching any other row; there is no
// row-level security elsewhere.
type ChatStore interface {
	// Accounts. Lookups return (nil, nil) when no row holds the identity
	// token so the viewer resolver can evaluate role precedence over both
	// results.
	GetClientAccountByIdentity(ctx context.Context, identityToken string) (*model.ClientAccount, error)
	GetProfessionalAccountByIdentity(ctx context.Context, identityToken string) (*model.ProfessionalAccount, error)

	// AuthorizeConversation loads a conversation and checks the viewer is
	// one of its two fixed participants. Returns NotFoundError or
	// ForbiddenError.
	AuthorizeConversation(ctx context.Context, viewer model.Viewer, conversationID int64) (*model.Conversation, error)

	// ListConversations returns every conversation of the viewer, newest
	// first, enriched with case fields, the counterpart identity and the
	// most recent message.
	ListConversations(ctx context.Context, viewer model.Viewer) ([]ConversationSummary, error)

	// ListMessages returns one page of messages oldest-first. before is a
	// strict exclusive createdAt cursor; nil means "latest page".
	ListMessages(ctx context.Context, viewer model.Viewer, conversationID int64, limit int, before *time.Time) ([]model.Message, error)

	// AppendMessage validates and persists a new message. Sender fields are
	// taken from the viewer.
	AppendMessage(ctx context.Context, viewer model.Viewer, conversationID int64, content string, attachments []model.AttachmentRef) (*model.Message, error)

	// Provisioning used by the account/case workflows that own row
	// creation, and by tests.
	CreateClientAccount(ctx context.Context, account model.ClientAccount) (*model.ClientAccount, error)
	CreateProfessionalAccount(ctx context.Context, account model.ProfessionalAccount) (*model.ProfessionalAccount, error)
	CreateCase(ctx context.Context, c model.Case) (*model.Case, error)
	CreateConversation(ctx context.Context, conversation model.Conversation) (*model.Conversation, error)
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
