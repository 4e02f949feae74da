package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded DocumentStatus = "uploaded"
	StatusIngested DocumentStatus = "ingested"
	StatusFailed   DocumentStatus = "failed"
)

// Per-folder capacity limits enforced by the metadata repository.
const (
	MaxDocumentsPerFolder = 10
	MaxFolderSizeBytes    = 2 << 30
)

type Document struct {
	DocID          string         `json:"docId"`
	ContentHash    string         `json:"contentHash"`
	DisplayName    string         `json:"displayName"`
	StorageKey     string         `json:"-"`
	SizeBytes      int64          `json:"sizeBytes"`
	Status         DocumentStatus `json:"status"`
	IngestedChunks int            `json:"ingestedChunks"`
	FolderID       *int64         `json:"folderId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Folder struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatThread struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	FolderID   *int64    `json:"folderId,omitempty"`
	DocumentID *string   `json:"documentId,omitempty"`
	ParentID   *int64    `json:"parentId,omitempty"`
	IsStarred  bool      `json:"isStarred"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ChatMessage struct {
	ID        int64      `json:"id"`
	ThreadID  int64      `json:"threadId"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	Reactions []Reaction `json:"reactions"`
	CreatedAt time.Time  `json:"createdAt"`
}

type Citation struct {
	ChunkID    string `json:"chunk_id"`
	Source     string `json:"source"`
	Quote      string `json:"quote"`
	PageNumber *int   `json:"page_number,omitempty"`
}

type Reaction struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	UserReacted bool   `json:"user_reacted"`
}

// Passage is a token-bounded slice of page text produced by the chunker.
// Passages are never persisted relationally; they live in the vector index.
type Passage struct {
	Text       string `json:"text"`
	PageNumber int    `json:"pageNumber"`
}

// RetrievedPassage is a passage returned from an index search with its
// payload fields.
type RetrievedPassage struct {
	ChunkID    string `json:"chunk_id"`
	Source     string `json:"source"`
	Text       string `json:"text"`
	DocID      string `json:"doc_id,omitempty"`
	ChunkIndex int    `json:"chunk_index"`
	PageNumber *int   `json:"page_number,omitempty"`
}

type Intent string

const (
	IntentQA        Intent = "qa"
	IntentSummarize Intent = "summarize"
	IntentExtract   Intent = "extract"
	IntentClarify   Intent = "clarify"
)

// QueryResult is both the synchronous completion value of the agentic
// pipeline and the shape persisted through the chat repository.
type QueryResult struct {
	Intent             Intent     `json:"intent"`
	Answer             string     `json:"answer"`
	Citations          []Citation `json:"citations"`
	Sources            []string   `json:"sources"`
	NeedsClarification bool       `json:"needs_clarification"`
	ClarifyingQuestion string     `json:"clarifying_question,omitempty"`
	Reaction           string     `json:"reaction,omitempty"`
	MessageID          *int64     `json:"message_id,omitempty"`
	NumContexts        int        `json:"num_contexts"`
}
