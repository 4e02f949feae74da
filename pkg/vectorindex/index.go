package vectorindex

import (
	"context"

	"docuagent/pkg/domain"
)

// Scope restricts a search to the passages of specific document contents.
// An empty scope searches the whole index.
type Scope struct {
	ContentHashes []string
}

// Point is one passage entry. IDs are deterministic so re-ingestion
// overwrites instead of duplicating.
type Point struct {
	ID      string
	Vector  []float32
	Payload PassagePayload
}

// PassagePayload is the payload stored alongside each vector. PageNumber 0
// means unknown.
type PassagePayload struct {
	DocID       string
	Source      string
	ContentHash string
	ChunkIndex  int
	Text        string
	PageNumber  int
}

// Index is the nearest-neighbor store for passages.
type Index interface {
	// EnsureSchema creates the collection and payload indices if missing.
	// Idempotent; run once at startup.
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, points []Point) error
	// DeleteByContentHash removes every passage of a document content.
	// Points are keyed by the first-uploaded twin's doc ID, so content hash
	// is the only payload value guaranteed to cover all of them.
	DeleteByContentHash(ctx context.Context, contentHash string) error
	Search(ctx context.Context, vector []float32, topK int, scope Scope) ([]domain.RetrievedPassage, error)
	// SearchGrouped ranks groups keyed by content hash so duplicate-content
	// documents share retrieval.
	SearchGrouped(ctx context.Context, vector []float32, topKGroups, groupSize int, scope Scope) ([]domain.RetrievedPassage, error)
}
