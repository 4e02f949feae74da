package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuagent/pkg/domain"
)

const migrateLockID int64 = 48121620

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens Postgres and runs auto-migrations under an advisory
// lock so concurrent replicas do not race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database URL required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return migrate(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already-open database handle and migrates it.
// Used by tests running on sqlite.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db handle required")
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&FolderModel{}, &DocumentModel{}, &ChatThreadModel{}, &ChatMessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateFolder inserts a folder.
func (s *GormStore) CreateFolder(name string) (domain.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Folder{}, domain.ErrInvalidName
	}
	model := FolderModel{Name: name, CreatedAt: time.Now().UTC()}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Folder{}, wrapRepo(err)
	}
	return folderFromModel(model), nil
}

// ListFolders returns all folders, newest first.
func (s *GormStore) ListFolders() ([]domain.Folder, error) {
	var models []FolderModel
	if err := s.db.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, wrapRepo(err)
	}
	res := make([]domain.Folder, 0, len(models))
	for _, m := range models {
		res = append(res, folderFromModel(m))
	}
	return res, nil
}

// GetFolder returns a folder by ID.
func (s *GormStore) GetFolder(id int64) (domain.Folder, bool, error) {
	var model FolderModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Folder{}, false, nil
		}
		return domain.Folder{}, false, wrapRepo(err)
	}
	return folderFromModel(model), true, nil
}

// RenameFolder updates the folder name.
func (s *GormStore) RenameFolder(id int64, name string) (domain.Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Folder{}, domain.ErrInvalidName
	}
	var model FolderModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		model.Name = name
		return tx.Save(&model).Error
	})
	if err != nil {
		return domain.Folder{}, wrapRepo(err)
	}
	return folderFromModel(model), nil
}

// DeleteFolder removes the folder and its documents. The returned documents
// let the caller clear index entries and stored bytes; those side-store
// deletes are advisory, the relational delete is the source of truth.
func (s *GormStore) DeleteFolder(id int64) ([]domain.Document, error) {
	var removed []domain.Document
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var folder FolderModel
		if err := tx.First(&folder, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		var docs []DocumentModel
		if err := tx.Where("folder_id = ?", id).Find(&docs).Error; err != nil {
			return err
		}
		for _, d := range docs {
			removed = append(removed, documentFromModel(d))
		}
		if err := tx.Where("folder_id = ?", id).Delete(&DocumentModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&FolderModel{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, wrapRepo(err)
	}
	return removed, nil
}

// CreateDocument registers an upload, skipping ingestion when a twin with
// the same content hash is already ingested. Folder capacity checks run in
// the same transaction as the insert.
func (s *GormStore) CreateDocument(doc NewDocument) (domain.Document, bool, error) {
	model := DocumentModel{
		DocID:       doc.DocID,
		ContentHash: doc.ContentHash,
		DisplayName: doc.DisplayName,
		StorageKey:  doc.StorageKey,
		SizeBytes:   doc.SizeBytes,
		Status:      string(domain.StatusUploaded),
		FolderID:    doc.FolderID,
		CreatedAt:   time.Now().UTC(),
	}
	createdNew := true
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if doc.FolderID != nil {
			if err := checkFolderCapacity(tx, *doc.FolderID, doc.SizeBytes); err != nil {
				return err
			}
		}
		var twin DocumentModel
		err := tx.Where("content_hash = ? AND status = ?", doc.ContentHash, string(domain.StatusIngested)).
			First(&twin).Error
		switch {
		case err == nil:
			model.Status = string(domain.StatusIngested)
			model.IngestedChunks = twin.IngestedChunks
			createdNew = false
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first copy of this content, full ingestion needed
		default:
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Document{}, false, wrapRepo(err)
	}
	return documentFromModel(model), createdNew, nil
}

func checkFolderCapacity(tx *gorm.DB, folderID int64, addBytes int64) error {
	var folder FolderModel
	if err := tx.First(&folder, "id = ?", folderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	var count int64
	if err := tx.Model(&DocumentModel{}).Where("folder_id = ?", folderID).Count(&count).Error; err != nil {
		return err
	}
	if count >= domain.MaxDocumentsPerFolder {
		return domain.ErrFolderDocumentCap
	}
	var total sql.NullInt64
	if err := tx.Model(&DocumentModel{}).Where("folder_id = ?", folderID).
		Select("SUM(size_bytes)").Scan(&total).Error; err != nil {
		return err
	}
	if total.Int64+addBytes > domain.MaxFolderSizeBytes {
		return domain.ErrFolderSizeCap
	}
	return nil
}

// GetDocument returns a document by its external key.
func (s *GormStore) GetDocument(docID string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.First(&model, "doc_id = ?", docID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, wrapRepo(err)
	}
	return documentFromModel(model), true, nil
}

// ListDocuments returns all documents, newest first.
func (s *GormStore) ListDocuments() ([]domain.Document, error) {
	return s.listDocuments("created_at DESC")
}

// ListDocumentsByFolder returns the documents in a folder.
func (s *GormStore) ListDocumentsByFolder(folderID int64) ([]domain.Document, error) {
	return s.listDocuments("created_at DESC", "folder_id = ?", folderID)
}

func (s *GormStore) listDocuments(order string, conds ...any) ([]domain.Document, error) {
	var models []DocumentModel
	tx := s.db.Order(order)
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, wrapRepo(err)
	}
	res := make([]domain.Document, 0, len(models))
	for _, m := range models {
		res = append(res, documentFromModel(m))
	}
	return res, nil
}

// RenameDocument updates the display name. The name must be non-empty and
// keep the .pdf extension.
func (s *GormStore) RenameDocument(docID, name string) (domain.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" || !strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return domain.Document{}, domain.ErrInvalidName
	}
	var model DocumentModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "doc_id = ?", docID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		model.DisplayName = name
		return tx.Save(&model).Error
	})
	if err != nil {
		return domain.Document{}, wrapRepo(err)
	}
	return documentFromModel(model), nil
}

// MoveDocument reassigns the folder, re-checking the document cap on the
// target folder only.
func (s *GormStore) MoveDocument(docID string, folderID *int64) (domain.Document, error) {
	var model DocumentModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "doc_id = ?", docID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if folderID != nil {
			var folder FolderModel
			if err := tx.First(&folder, "id = ?", *folderID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.ErrNotFound
				}
				return err
			}
			var count int64
			if err := tx.Model(&DocumentModel{}).Where("folder_id = ?", *folderID).Count(&count).Error; err != nil {
				return err
			}
			if count >= domain.MaxDocumentsPerFolder {
				return domain.ErrFolderDocumentCap
			}
		}
		model.FolderID = folderID
		return tx.Save(&model).Error
	})
	if err != nil {
		return domain.Document{}, wrapRepo(err)
	}
	return documentFromModel(model), nil
}

// MarkIngested records a successful ingestion run.
func (s *GormStore) MarkIngested(docID string, chunks int) error {
	return s.setStatus(docID, domain.StatusIngested, chunks)
}

// MarkFailed records an ingestion failure. The chunk count is left as-is.
func (s *GormStore) MarkFailed(docID string) error {
	return s.setStatus(docID, domain.StatusFailed, -1)
}

func (s *GormStore) setStatus(docID string, status domain.DocumentStatus, chunks int) error {
	updates := map[string]any{"status": string(status)}
	if chunks >= 0 {
		updates["ingested_chunks"] = chunks
	}
	res := s.db.Model(&DocumentModel{}).Where("doc_id = ?", docID).Updates(updates)
	if res.Error != nil {
		return wrapRepo(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteDocument removes the row, returning the deleted document if found.
func (s *GormStore) DeleteDocument(docID string) (domain.Document, bool, error) {
	var model DocumentModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "doc_id = ?", docID).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "doc_id = ?", docID).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, wrapRepo(err)
	}
	return documentFromModel(model), true, nil
}

// CreateThread inserts a chat thread.
func (s *GormStore) CreateThread(t domain.ChatThread) (domain.ChatThread, error) {
	now := time.Now().UTC()
	model := ChatThreadModel{
		Title:      t.Title,
		FolderID:   t.FolderID,
		DocumentID: t.DocumentID,
		ParentID:   t.ParentID,
		IsStarred:  t.IsStarred,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.ChatThread{}, wrapRepo(err)
	}
	return threadFromModel(model), nil
}

// GetThread returns a thread by ID.
func (s *GormStore) GetThread(id int64) (domain.ChatThread, bool, error) {
	var model ChatThreadModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatThread{}, false, nil
		}
		return domain.ChatThread{}, false, wrapRepo(err)
	}
	return threadFromModel(model), true, nil
}

// ListThreads filters by folder or document; with neither it returns only
// folder-less root threads. Children are reconstructed by the caller from
// ParentID.
func (s *GormStore) ListThreads(folderID *int64, documentID *string) ([]domain.ChatThread, error) {
	tx := s.db.Order("updated_at DESC")
	switch {
	case folderID != nil:
		tx = tx.Where("folder_id = ?", *folderID)
	case documentID != nil:
		tx = tx.Where("document_id = ?", *documentID)
	default:
		tx = tx.Where("folder_id IS NULL")
	}
	var models []ChatThreadModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, wrapRepo(err)
	}
	res := make([]domain.ChatThread, 0, len(models))
	for _, m := range models {
		res = append(res, threadFromModel(m))
	}
	return res, nil
}

// UpdateThread applies title/star changes and bumps updated_at.
func (s *GormStore) UpdateThread(id int64, title *string, isStarred *bool) (domain.ChatThread, error) {
	var model ChatThreadModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if title != nil {
			model.Title = *title
		}
		if isStarred != nil {
			model.IsStarred = *isStarred
		}
		model.UpdatedAt = time.Now().UTC()
		return tx.Save(&model).Error
	})
	if err != nil {
		return domain.ChatThread{}, wrapRepo(err)
	}
	return threadFromModel(model), nil
}

// DeleteThread removes the thread subtree: messages first, children before
// parents, so no orphan rows survive a partial failure.
func (s *GormStore) DeleteThread(id int64) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var root ChatThreadModel
		if err := tx.First(&root, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		ids := []int64{id}
		frontier := []int64{id}
		for len(frontier) > 0 {
			var children []ChatThreadModel
			if err := tx.Where("parent_id IN ?", frontier).Find(&children).Error; err != nil {
				return err
			}
			frontier = frontier[:0]
			for _, c := range children {
				ids = append(ids, c.ID)
				frontier = append(frontier, c.ID)
			}
		}
		if err := tx.Where("thread_id IN ?", ids).Delete(&ChatMessageModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&ChatThreadModel{}).Error
	})
	if err != nil {
		return wrapRepo(err)
	}
	return nil
}

// AppendMessage stores a message and bumps the thread's updated_at in the
// same transaction.
func (s *GormStore) AppendMessage(threadID int64, role, content string, citations []domain.Citation) (domain.ChatMessage, error) {
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return domain.ChatMessage{}, wrapRepo(err)
	}
	model := ChatMessageModel{
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Citations: datatypes.JSON(citationsJSON),
		CreatedAt: time.Now().UTC(),
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var thread ChatThreadModel
		if err := tx.First(&thread, "id = ?", threadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Model(&ChatThreadModel{}).Where("id = ?", threadID).
			Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return domain.ChatMessage{}, wrapRepo(err)
	}
	return messageFromModel(model)
}

// ListMessages returns a thread's messages in chronological order.
func (s *GormStore) ListMessages(threadID int64) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.Where("thread_id = ?", threadID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, wrapRepo(err)
	}
	res := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, nil
}

// ToggleReaction applies the emoji-keyed reaction semantics. Entries whose
// count reaches zero are removed rather than persisted at zero.
func (s *GormStore) ToggleReaction(messageID int64, emoji, actor string) (domain.ChatMessage, error) {
	var model ChatMessageModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ?", messageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrNotFound
			}
			return err
		}
		var reactions []domain.Reaction
		if len(model.Reactions) > 0 {
			if err := json.Unmarshal(model.Reactions, &reactions); err != nil {
				return err
			}
		}
		reactions = applyReaction(reactions, emoji, actor)
		data, err := json.Marshal(reactions)
		if err != nil {
			return err
		}
		model.Reactions = datatypes.JSON(data)
		return tx.Model(&ChatMessageModel{}).Where("id = ?", messageID).
			Update("reactions", model.Reactions).Error
	})
	if err != nil {
		return domain.ChatMessage{}, wrapRepo(err)
	}
	return messageFromModel(model)
}

func applyReaction(reactions []domain.Reaction, emoji, actor string) []domain.Reaction {
	for i := range reactions {
		if reactions[i].Emoji != emoji {
			continue
		}
		switch actor {
		case "user":
			if reactions[i].UserReacted {
				reactions[i].UserReacted = false
				reactions[i].Count--
			} else {
				reactions[i].UserReacted = true
				reactions[i].Count++
			}
		case "agent":
			reactions[i].Count++
		}
		if reactions[i].Count <= 0 {
			return append(reactions[:i], reactions[i+1:]...)
		}
		return reactions
	}
	return append(reactions, domain.Reaction{
		Emoji:       emoji,
		Count:       1,
		UserReacted: actor == "user",
	})
}

func wrapRepo(err error) error {
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrFolderDocumentCap) ||
		errors.Is(err, domain.ErrFolderSizeCap) ||
		errors.Is(err, domain.ErrInvalidName) {
		return err
	}
	return &domain.RepositoryError{Err: err}
}

func folderFromModel(m FolderModel) domain.Folder {
	return domain.Folder{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		DocID:          m.DocID,
		ContentHash:    m.ContentHash,
		DisplayName:    m.DisplayName,
		StorageKey:     m.StorageKey,
		SizeBytes:      m.SizeBytes,
		Status:         domain.DocumentStatus(m.Status),
		IngestedChunks: m.IngestedChunks,
		FolderID:       m.FolderID,
		CreatedAt:      m.CreatedAt,
	}
}

func threadFromModel(m ChatThreadModel) domain.ChatThread {
	return domain.ChatThread{
		ID:         m.ID,
		Title:      m.Title,
		FolderID:   m.FolderID,
		DocumentID: m.DocumentID,
		ParentID:   m.ParentID,
		IsStarred:  m.IsStarred,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func messageFromModel(m ChatMessageModel) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Citations) > 0 {
		if err := json.Unmarshal(m.Citations, &msg.Citations); err != nil {
			return domain.ChatMessage{}, wrapRepo(err)
		}
	}
	if len(m.Reactions) > 0 {
		if err := json.Unmarshal(m.Reactions, &msg.Reactions); err != nil {
			return domain.ChatMessage{}, wrapRepo(err)
		}
	}
	return msg, nil
}
