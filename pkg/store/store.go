package store

import "docuagent/pkg/domain"

// NewDocument carries the fields needed to register an upload.
type NewDocument struct {
	DocID       string
	DisplayName string
	ContentHash string
	StorageKey  string
	SizeBytes   int64
	FolderID    *int64
}

// Store defines persistence operations for folders, documents, chat threads,
// and chat messages. Each method is its own atomic unit; there is no
// multi-call transaction.
type Store interface {
	// folders
	CreateFolder(name string) (domain.Folder, error)
	ListFolders() ([]domain.Folder, error)
	GetFolder(id int64) (domain.Folder, bool, error)
	RenameFolder(id int64, name string) (domain.Folder, error)
	// DeleteFolder removes the folder and its documents, returning the
	// removed documents so the caller can clear side stores.
	DeleteFolder(id int64) ([]domain.Document, error)

	// documents
	// CreateDocument registers an upload. When another document with the
	// same content hash is already ingested, the new row copies its chunk
	// count, is marked ingested immediately, and the second return value is
	// false (no ingestion work needed).
	CreateDocument(doc NewDocument) (domain.Document, bool, error)
	GetDocument(docID string) (domain.Document, bool, error)
	ListDocuments() ([]domain.Document, error)
	ListDocumentsByFolder(folderID int64) ([]domain.Document, error)
	RenameDocument(docID, name string) (domain.Document, error)
	MoveDocument(docID string, folderID *int64) (domain.Document, error)
	MarkIngested(docID string, chunks int) error
	MarkFailed(docID string) error
	DeleteDocument(docID string) (domain.Document, bool, error)

	// chat threads
	CreateThread(t domain.ChatThread) (domain.ChatThread, error)
	GetThread(id int64) (domain.ChatThread, bool, error)
	// ListThreads without a scope returns only folder-less root threads.
	ListThreads(folderID *int64, documentID *string) ([]domain.ChatThread, error)
	UpdateThread(id int64, title *string, isStarred *bool) (domain.ChatThread, error)
	// DeleteThread removes the thread, its messages, and all child threads.
	DeleteThread(id int64) error

	// messages
	AppendMessage(threadID int64, role, content string, citations []domain.Citation) (domain.ChatMessage, error)
	ListMessages(threadID int64) ([]domain.ChatMessage, error)
	// ToggleReaction applies reaction semantics for the given actor role:
	// a user toggles their own flag and count, an agent only increments.
	ToggleReaction(messageID int64, emoji, actor string) (domain.ChatMessage, error)
}
