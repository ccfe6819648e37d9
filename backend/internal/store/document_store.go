package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"causalText/backend/internal/collab"
)

// Document 文档登记表，正文不在这里，由副本自己的缓冲区和快照保存
type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID   uint64 `gorm:"index"`
	Title     string `gorm:"uniqueIndex;type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("title = ?", title).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: title=%s", collab.ErrDocumentNotFound, title)
		}
		return "", err
	}
	return doc.ID, nil
}

// CreateDocument 标题重复时返回已有文档的 id
func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	doc := Document{ID: uuid.NewString(), OwnerID: ownerID, Title: title}
	err := s.db.WithContext(ctx).Create(&doc).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return s.GetDocumentID(ctx, title)
		}
		return "", err
	}
	return doc.ID, nil
}
