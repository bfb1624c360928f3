package model

import (
	"time"
)

// Role identifies which side of a conversation a caller is on.
type Role string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
)

// ParseRole normalizes an optional role hint. Unknown values map to the empty
// role, which the viewer resolver treats as "no hint".
func ParseRole(raw string) Role {
	switch Role(raw) {
	case RoleClient:
		return RoleClient
	case RoleProfessional:
		return RoleProfessional
	default:
		return ""
	}
}

// Viewer is the resolved caller identity for a single request. It is built
// once per request by the viewer resolver and never persisted.
type Viewer struct {
	Role          Role
	AccountID     int64
	IdentityToken string
}

// ClientAccount is a client-side account. IdentityToken is the stable
// external identity issued by the auth collaborator; at most one row per
// token exists in this table.
type ClientAccount struct {
	ID            int64     `json:"id"            gorm:"primaryKey;autoIncrement"`
	IdentityToken string    `json:"-"             gorm:"uniqueIndex;not null"`
	DisplayName   string    `json:"displayName"   gorm:"not null"`
	AvatarURL     string    `json:"avatarUrl"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	CreatedAt     time.Time `json:"createdAt"     gorm:"not null"`
}

func (ClientAccount) TableName() string { return "client_accounts" }

// ProfessionalAccount is a legal-professional account. The same identity
// token may also hold a ClientAccount row; a single request resolves to
// exactly one of the two.
type ProfessionalAccount struct {
	ID            int64     `json:"id"            gorm:"primaryKey;autoIncrement"`
	IdentityToken string    `json:"-"             gorm:"uniqueIndex;not null"`
	DisplayName   string    `json:"displayName"   gorm:"not null"`
	AvatarURL     string    `json:"avatarUrl"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	PracticeArea  string    `json:"practiceArea"`
	FirmName      string    `json:"firmName"`
	CreatedAt     time.Time `json:"createdAt"     gorm:"not null"`
}

func (ProfessionalAccount) TableName() string { return "professional_accounts" }

// Case holds the identifying fields of a legal case that conversation
// listings surface. Case lifecycle is owned by the case workflow, not this
// service.
type Case struct {
	ID        int64     `json:"id"        gorm:"primaryKey;autoIncrement"`
	Reference string    `json:"reference" gorm:"not null"`
	Title     string    `json:"title"     gorm:"not null"`
	Status    string    `json:"status"    gorm:"not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

func (Case) TableName() string { return "cases" }

// Conversation is a fixed two-party channel tied to a case. Rows are created
// by the case-acceptance workflow; this service only reads them and appends
// messages.
type Conversation struct {
	ID                    int64     `json:"id"                    gorm:"primaryKey;autoIncrement"`
	CaseID                int64     `json:"caseId"                gorm:"not null;index"`
	ClientAccountID       int64     `json:"clientAccountId"       gorm:"not null;index"`
	ProfessionalAccountID int64     `json:"professionalAccountId" gorm:"not null;index"`
	CreatedAt             time.Time `json:"createdAt"             gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// AttachmentRef points at a stored attachment payload. StoragePath is an
// opaque handle into the attachment store, scoped to one conversation; it is
// never interpreted by callers.
type AttachmentRef struct {
	DisplayName string `json:"displayName"`
	StoragePath string `json:"storagePath"`
	MimeType    string `json:"mimeType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// Message is one append-only chat message. SenderRole and
// SenderIdentityToken are always taken from the resolved viewer, never from
// request input.
type Message struct {
	ID                  int64           `json:"id"             gorm:"primaryKey;autoIncrement"`
	ConversationID      int64           `json:"conversationId" gorm:"not null;index:idx_messages_conv_created"`
	SenderRole          Role            `json:"senderRole"     gorm:"not null"`
	SenderIdentityToken string          `json:"-"              gorm:"not null"`
	Content             string          `json:"content"`
	Attachments         []AttachmentRef `json:"attachments"    gorm:"serializer:json"`
	CreatedAt           time.Time       `json:"createdAt"      gorm:"not null;index:idx_messages_conv_created"`
}

func (Message) TableName() string { return "messages" }
