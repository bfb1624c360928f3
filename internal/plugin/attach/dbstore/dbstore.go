package dbstore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/counselbridge/case-chat-service/internal/config"
	registryattach "github.com/counselbridge/case-chat-service/internal/registry/attach"
	registrystore "github.com/counselbridge/case-chat-service/internal/registry/store"
	"github.com/counselbridge/case-chat-service/internal/tempfiles"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "db",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.AttachmentStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("dbstore: missing config in context")
	}
	var dialector gorm.Dialector
	if cfg.DatastoreType == "sqlite" {
		dialector = sqlite.Open(cfg.DBURL)
	} else {
		dialector = postgres.Open(cfg.DBURL)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("dbstore: %w", err)
	}
	if err := db.AutoMigrate(&fileChunkRecord{}); err != nil {
		return nil, fmt.Errorf("dbstore: auto-migrate attachment_chunks: %w", err)
	}
	return &DBAttachmentStore{db: db, tempDir: cfg.ResolvedTempDir()}, nil
}

// DBAttachmentStore keeps attachment payloads in the relational store,
// chunked so a large upload never materializes as one row in memory.
type DBAttachmentStore struct {
	db      *gorm.DB
	tempDir string
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, tempDir string) (*DBAttachmentStore, error) {
	if err := db.AutoMigrate(&fileChunkRecord{}); err != nil {
		return nil, err
	}
	return &DBAttachmentStore{db: db, tempDir: tempDir}, nil
}

type fileChunkRecord struct {
	StoragePath string    `gorm:"column:storage_path;primaryKey"`
	Seq         int       `gorm:"column:seq;primaryKey;autoIncrement:false"`
	ContentType string    `gorm:"column:content_type"`
	Data        []byte    `gorm:"column:data;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (fileChunkRecord) TableName() string { return "attachment_chunks" }

const chunkSize = 64 * 1024

// Store buffers the upload to a temp file, enforcing maxSize and hashing,
// then writes the chunks in one transaction.
func (s *DBAttachmentStore) Store(ctx context.Context, storagePath string, data io.Reader, maxSize int64, contentType string) (*registryattach.StoreResult, error) {
	tmp, err := tempfiles.Create(s.tempDir, "case-chat-db-upload-*")
	if err != nil {
		return nil, fmt.Errorf("dbstore: create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()
	limited := io.LimitReader(data, maxSize+1)
	total, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		return nil, fmt.Errorf("dbstore: buffer upload: %w", err)
	}
	if total > maxSize {
		return nil, &registryattach.FileTooLargeError{MaxSize: maxSize}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("dbstore: rewind temp file: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		buf := make([]byte, chunkSize)
		seq := 0
		for {
			n, readErr := tmp.Read(buf)
			if n > 0 {
				rec := fileChunkRecord{
					StoragePath: storagePath,
					Seq:         seq,
					ContentType: contentType,
					Data:        append([]byte(nil), buf[:n]...),
				}
				if err := tx.Create(&rec).Error; err != nil {
					return fmt.Errorf("dbstore: write chunk %d: %w", seq, err)
				}
				seq++
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("dbstore: read upload buffer: %w", readErr)
			}
		}
		if seq == 0 {
			// Zero-byte upload still needs a row so Retrieve can find it.
			rec := fileChunkRecord{StoragePath: storagePath, Seq: 0, ContentType: contentType, Data: []byte{}}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("dbstore: write empty chunk: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &registryattach.StoreResult{
		Size:   total,
		SHA256: fmt.Sprintf("%x", hasher.Sum(nil)),
	}, nil
}

// Retrieve spools the chunks to a delete-on-close temp file so the HTTP
// response can stream it without holding the payload in memory.
func (s *DBAttachmentStore) Retrieve(ctx context.Context, storagePath string) (io.ReadCloser, string, error) {
	tmp, err := tempfiles.Create(s.tempDir, "case-chat-db-attachment-*")
	if err != nil {
		return nil, "", fmt.Errorf("dbstore: create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	rows, err := s.db.WithContext(ctx).
		Model(&fileChunkRecord{}).
		Where("storage_path = ?", storagePath).
		Order("seq ASC").
		Rows()
	if err != nil {
		cleanup()
		return nil, "", fmt.Errorf("dbstore: query chunks: %w", err)
	}
	defer rows.Close()

	found := false
	contentType := ""
	for rows.Next() {
		var rec fileChunkRecord
		if err := s.db.ScanRows(rows, &rec); err != nil {
			cleanup()
			return nil, "", fmt.Errorf("dbstore: decode chunk: %w", err)
		}
		if !found {
			contentType = rec.ContentType
		}
		found = true
		if _, err := tmp.Write(rec.Data); err != nil {
			cleanup()
			return nil, "", fmt.Errorf("dbstore: spool chunk: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		cleanup()
		return nil, "", fmt.Errorf("dbstore: iterate chunks: %w", err)
	}
	if !found {
		cleanup()
		return nil, "", &registrystore.NotFoundError{Resource: "attachment", ID: storagePath}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, "", fmt.Errorf("dbstore: rewind temp file: %w", err)
	}
	return tempfiles.NewDeleteOnClose(tmp), contentType, nil
}

func (s *DBAttachmentStore) Delete(ctx context.Context, storagePath string) error {
	return s.db.WithContext(ctx).Where("storage_path = ?", storagePath).Delete(&fileChunkRecord{}).Error
}

func (s *DBAttachmentStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, fmt.Errorf("signed URLs not supported for db attachment store")
}
