package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type FolderModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type DocumentModel struct {
	DocID          string `gorm:"primaryKey"`
	ContentHash    string `gorm:"not null;index"`
	DisplayName    string `gorm:"not null"`
	StorageKey     string
	SizeBytes      int64  `gorm:"not null"`
	Status         string `gorm:"not null"`
	IngestedChunks int
	FolderID       *int64    `gorm:"index"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

type ChatThreadModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Title      string `gorm:"not null"`
	FolderID   *int64 `gorm:"index"`
	DocumentID *string
	ParentID   *int64 `gorm:"index"`
	IsStarred  bool
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}

type ChatMessageModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ThreadID  int64  `gorm:"not null;index"`
	Role      string `gorm:"not null"`
	Content   string `gorm:"type:text;not null"`
	Citations datatypes.JSON
	Reactions datatypes.JSON
	CreatedAt time.Time `gorm:"not null;index"`
}
