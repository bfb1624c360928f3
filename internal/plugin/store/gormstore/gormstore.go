package gormstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/counselbridge/case-chat-service/internal/config"
	"github.com/counselbridge/case-chat-service/internal/model"
	registrymigrate "github.com/counselbridge/case-chat-service/internal/registry/migrate"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	registrystore.Register(registrystore.Plugin{Name: "postgres", Loader: loader})
	registrystore.Register(registrystore.Plugin{Name: "sqlite", Loader: loader})
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &schemaMigrator{}})
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DatastoreType {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DBURL), &gorm.Config{})
	default:
		return gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	}
}

func loader(ctx context.Context) (registrystore.ChatStore, error) {
	cfg := config.FromContext(ctx)
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.DatastoreType, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
	}

	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()

	return &GormChatStore{db: db}, nil
}

type schemaMigrator struct{}

func (m *schemaMigrator) Name() string { return "chat-schema" }
func (m *schemaMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.ClientAccount{},
		&model.ProfessionalAccount{},
		&model.Case{},
		&model.Conversation{},
		&model.Message{},
	); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Chat schema migration complete")
	return nil
}

// GormChatStore implements ChatStore using GORM over postgres or sqlite.
type GormChatStore struct {
	db *gorm.DB
}

// NewWithDB wraps an existing gorm handle. Used by the db attachment store
// and by tests.
func NewWithDB(db *gorm.DB) *GormChatStore {
	return &GormChatStore{db: db}
}

// DB exposes the underlying handle for sibling plugins sharing the
// connection pool.
func (s *GormChatStore) DB() *gorm.DB { return s.db }

func observe(operation string, start time.Time) {
	if security.StoreLatency != nil {
		security.StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// --- Accounts ---

func (s *GormChatStore) GetClientAccountByIdentity(ctx context.Context, identityToken string) (*model.ClientAccount, error) {
	defer observe("get_client_account", time.Now())
	var acct model.ClientAccount
	result := s.db.WithContext(ctx).Where("identity_token = ?", identityToken).Limit(1).Find(&acct)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up client account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &acct, nil
}

func (s *GormChatStore) GetProfessionalAccountByIdentity(ctx context.Context, identityToken string) (*model.ProfessionalAccount, error) {
	defer observe("get_professional_account", time.Now())
	var acct model.ProfessionalAccount
	result := s.db.WithContext(ctx).Where("identity_token = ?", identityToken).Limit(1).Find(&acct)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up professional account: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &acct, nil
}

// --- Conversations ---

func (s *GormChatStore) AuthorizeConversation(ctx context.Context, viewer model.Viewer, conversationID int64) (*model.Conversation, error) {
	defer observe("authorize_conversation", time.Now())
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: strconv.FormatInt(conversationID, 10)}
	}

	var participant bool
	switch viewer.Role {
	case model.RoleClient:
		participant = conv.ClientAccountID == viewer.AccountID
	case model.RoleProfessional:
		participant = conv.ProfessionalAccountID == viewer.AccountID
	}
	if !participant {
		log.Warn("Conversation access denied",
			"conversationID", conversationID,
			"viewerRole", viewer.Role,
			"viewerAccountID", viewer.AccountID,
		)
		return nil, &registrystore.ForbiddenError{}
	}
	return &conv, nil
}

func (s *GormChatStore) ListConversations(ctx context.Context, viewer model.Viewer) ([]registrystore.ConversationSummary, error) {
	defer observe("list_conversations", time.Now())

	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	switch viewer.Role {
	case model.RoleClient:
		q = q.Where("client_account_id = ?", viewer.AccountID)
	case model.RoleProfessional:
		q = q.Where("professional_account_id = ?", viewer.AccountID)
	default:
		return nil, &registrystore.ValidationError{Field: "role", Message: "unknown viewer role"}
	}

	var convs []model.Conversation
	if err := q.Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(convs) == 0 {
		return []registrystore.ConversationSummary{}, nil
	}

	caseIDs := make([]int64, 0, len(convs))
	counterpartIDs := make([]int64, 0, len(convs))
	for _, conv := range convs {
		caseIDs = append(caseIDs, conv.CaseID)
		if viewer.Role == model.RoleClient {
			counterpartIDs = append(counterpartIDs, conv.ProfessionalAccountID)
		} else {
			counterpartIDs = append(counterpartIDs, conv.ClientAccountID)
		}
	}

	cases := map[int64]model.Case{}
	var caseRows []model.Case
	if err := s.db.WithContext(ctx).Where("id IN ?", caseIDs).Find(&caseRows).Error; err != nil {
		return nil, fmt.Errorf("failed to load cases: %w", err)
	}
	for _, c := range caseRows {
		cases[c.ID] = c
	}

	counterparts := map[int64]registrystore.CounterpartIdentity{}
	if viewer.Role == model.RoleClient {
		var rows []model.ProfessionalAccount
		if err := s.db.WithContext(ctx).Where("id IN ?", counterpartIDs).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load counterpart accounts: %w", err)
		}
		for _, acct := range rows {
			counterparts[acct.ID] = registrystore.CounterpartIdentity{
				AccountID:   acct.ID,
				DisplayName: acct.DisplayName,
				AvatarURL:   acct.AvatarURL,
				Email:       acct.Email,
				Phone:       acct.Phone,
			}
		}
	} else {
		var rows []model.ClientAccount
		if err := s.db.WithContext(ctx).Where("id IN ?", counterpartIDs).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load counterpart accounts: %w", err)
		}
		for _, acct := range rows {
			counterparts[acct.ID] = registrystore.CounterpartIdentity{
				AccountID:   acct.ID,
				DisplayName: acct.DisplayName,
				AvatarURL:   acct.AvatarURL,
				Email:       acct.Email,
				Phone:       acct.Phone,
			}
		}
	}

	summaries := make([]registrystore.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary := registrystore.ConversationSummary{Conversation: conv}
		if c, ok := cases[conv.CaseID]; ok {
			summary.CaseReference = c.Reference
			summary.CaseTitle = c.Title
			summary.CaseStatus = c.Status
		}
		counterpartID := conv.ProfessionalAccountID
		if viewer.Role == model.RoleProfessional {
			counterpartID = conv.ClientAccountID
		}
		summary.Counterpart = counterparts[counterpartID]

		var last model.Message
		result := s.db.WithContext(ctx).
			Where("conversation_id = ?", conv.ID).
			Order("created_at DESC, id DESC").
			Limit(1).
			Find(&last)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to load last message: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// --- Messages ---

func (s *GormChatStore) ListMessages(ctx context.Context, viewer model.Viewer, conversationID int64, limit int, before *time.Time) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	if _, err := s.AuthorizeConversation(ctx, viewer, conversationID); err != nil {
		return nil, err
	}

	limit = registrystore.ClampMessageLimit(limit)
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var page []model.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&page).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	// The query walks newest-first so LIMIT picks the page adjacent to the
	// cursor; callers receive it oldest-first.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (s *GormChatStore) AppendMessage(ctx context.Context, viewer model.Viewer, conversationID int64, content string, attachments []model.AttachmentRef) (*model.Message, error) {
	defer observe("append_message", time.Now())
	if _, err := s.AuthorizeConversation(ctx, viewer, conversationID); err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return nil, &registrystore.ValidationError{Field: "content", Message: "message requires text content or at least one attachment"}
	}

	msg := model.Message{
		ConversationID:      conversationID,
		SenderRole:          viewer.Role,
		SenderIdentityToken: viewer.IdentityToken,
		Content:             content,
		Attachments:         attachments,
		CreatedAt:           time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return &msg, nil
}

// --- Provisioning ---

func (s *GormChatStore) CreateClientAccount(ctx context.Context, account model.ClientAccount) (*model.ClientAccount, error) {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to create client account: %w", err)
	}
	return &account, nil
}

func (s *GormChatStore) CreateProfessionalAccount(ctx context.Context, account model.ProfessionalAccount) (*model.ProfessionalAccount, error) {
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to create professional account: %w", err)
	}
	return &account, nil
}

func (s *GormChatStore) CreateCase(ctx context.Context, c model.Case) (*model.Case, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, fmt.Errorf("failed to create case: %w", err)
	}
	return &c, nil
}

func (s *GormChatStore) CreateConversation(ctx context.Context, conversation model.Conversation) (*model.Conversation, error) {
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&conversation).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return &conversation, nil
}
