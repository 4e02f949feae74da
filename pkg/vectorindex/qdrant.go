package vectorindex

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"docuagent/pkg/domain"
)

// QdrantIndex implements Index against a Qdrant collection with cosine
// distance and keyword payload indices on doc_id/content_hash.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// QdrantConfig carries connection and collection settings. Dim must match
// the embedder's output width.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dim        int
}

// NewQdrantIndex builds the owned, reused client handle.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("collection name required")
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("vector dim required")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("init qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection, dim: cfg.Dim}, nil
}

// EnsureSchema creates the collection and the keyword indices used for
// filtered search. Safe to call on every startup.
func (q *QdrantIndex) EnsureSchema(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return &domain.IndexError{Err: fmt.Errorf("check collection: %w", err)}
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return &domain.IndexError{Err: fmt.Errorf("create collection: %w", err)}
		}
	}
	for _, field := range []string{"doc_id", "content_hash"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return &domain.IndexError{Err: fmt.Errorf("create %s index: %w", field, err)}
		}
	}
	return nil
}

// Upsert writes all points in one call. Deterministic IDs make this
// last-writer-wins idempotent.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := map[string]any{
			"doc_id":       p.Payload.DocID,
			"source":       p.Payload.Source,
			"content_hash": p.Payload.ContentHash,
			"chunk_index":  p.Payload.ChunkIndex,
			"text":         p.Payload.Text,
		}
		if p.Payload.PageNumber > 0 {
			payload["page_number"] = p.Payload.PageNumber
		}
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return &domain.IndexError{Err: fmt.Errorf("upsert points: %w", err)}
	}
	return nil
}

// DeleteByContentHash removes every entry carrying the content_hash
// payload value.
func (q *QdrantIndex) DeleteByContentHash(ctx context.Context, contentHash string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("content_hash", contentHash)},
		}),
	})
	if err != nil {
		return &domain.IndexError{Err: fmt.Errorf("delete points: %w", err)}
	}
	return nil
}

// Search runs a filtered nearest-neighbor query.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, topK int, scope Scope) ([]domain.RetrievedPassage, error) {
	points, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         scopeFilter(scope),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &domain.IndexError{Err: fmt.Errorf("query points: %w", err)}
	}
	out := make([]domain.RetrievedPassage, 0, len(points))
	for _, p := range points {
		if passage, ok := passageFromPoint(p.Id, p.Payload); ok {
			out = append(out, passage)
		}
	}
	return out, nil
}

// SearchGrouped ranks groups keyed by content_hash and flattens the hits in
// group order.
func (q *QdrantIndex) SearchGrouped(ctx context.Context, vector []float32, topKGroups, groupSize int, scope Scope) ([]domain.RetrievedPassage, error) {
	groups, err := q.client.QueryGroups(ctx, &qdrant.QueryPointGroups{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vector...),
		GroupBy:        "content_hash",
		Limit:          qdrant.PtrOf(uint64(topKGroups)),
		GroupSize:      qdrant.PtrOf(uint64(groupSize)),
		Filter:         scopeFilter(scope),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, &domain.IndexError{Err: fmt.Errorf("query point groups: %w", err)}
	}
	var out []domain.RetrievedPassage
	for _, g := range groups {
		for _, p := range g.Hits {
			if passage, ok := passageFromPoint(p.Id, p.Payload); ok {
				out = append(out, passage)
			}
		}
	}
	return out, nil
}

func scopeFilter(scope Scope) *qdrant.Filter {
	switch len(scope.ContentHashes) {
	case 0:
		return nil
	case 1:
		return &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("content_hash", scope.ContentHashes[0])},
		}
	default:
		return &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeywords("content_hash", scope.ContentHashes...)},
		}
	}
}

func passageFromPoint(id *qdrant.PointId, payload map[string]*qdrant.Value) (domain.RetrievedPassage, bool) {
	text := payload["text"].GetStringValue()
	if text == "" {
		return domain.RetrievedPassage{}, false
	}
	passage := domain.RetrievedPassage{
		ChunkID:    id.GetUuid(),
		Source:     payload["source"].GetStringValue(),
		Text:       text,
		DocID:      payload["doc_id"].GetStringValue(),
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
	}
	if v, ok := payload["page_number"]; ok {
		page := int(v.GetIntegerValue())
		if page > 0 {
			passage.PageNumber = &page
		}
	}
	return passage, true
}
