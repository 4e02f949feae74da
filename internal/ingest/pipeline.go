package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docuagent/pkg/ai"
	"docuagent/pkg/domain"
	"docuagent/pkg/storage"
	"docuagent/pkg/vectorindex"
	"docuagent/pkg/workflow"
)

// EventName identifies document ingestion events on the workflow stream.
const EventName = "document.ingest"

const defaultEmbedBatchSize = 100

type ingestEvent struct {
	DocID string `json:"docId"`
}

type chunkRecord struct {
	Text       string `json:"text"`
	PageNumber int    `json:"pageNumber"`
}

type ingestResult struct {
	DocID  string `json:"docId"`
	Chunks int    `json:"chunks"`
}

// DocumentStore is the slice of the repository the pipeline needs.
type DocumentStore interface {
	GetDocument(docID string) (domain.Document, bool, error)
	MarkIngested(docID string, chunks int) error
	MarkFailed(docID string) error
}

// PageExtractor yields per-page text from raw PDF bytes.
type PageExtractor interface {
	ExtractPages(ctx context.Context, data []byte) ([]PageText, error)
}

// TextSplitter cuts page text into token-bounded passages.
type TextSplitter interface {
	Split(text string) []string
}

// Pipeline runs document ingestion as a two-step workflow: load the PDF
// and cut it into passages, then embed and upsert the passages into the
// vector index. Steps are memoized, so a retry after an embedding failure
// does not re-parse the PDF.
type Pipeline struct {
	store             DocumentStore
	content           storage.ContentStore
	index             vectorindex.Index
	embedder          ai.Embedder
	extractor         PageExtractor
	splitter          TextSplitter
	runner            *workflow.Runner
	embedBatchSize    int
	embedConcurrency  int
	deleteAfterIngest bool
	logger            *slog.Logger
}

type PipelineConfig struct {
	EmbedBatchSize    int
	EmbedConcurrency  int
	DeleteAfterIngest bool
}

func NewPipeline(
	st DocumentStore,
	content storage.ContentStore,
	index vectorindex.Index,
	embedder ai.Embedder,
	extractor PageExtractor,
	splitter TextSplitter,
	runner *workflow.Runner,
	cfg PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatchSize
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:             st,
		content:           content,
		index:             index,
		embedder:          embedder,
		extractor:         extractor,
		splitter:          splitter,
		runner:            runner,
		embedBatchSize:    cfg.EmbedBatchSize,
		embedConcurrency:  cfg.EmbedConcurrency,
		deleteAfterIngest: cfg.DeleteAfterIngest,
		logger:            logger,
	}
	if runner != nil {
		runner.Register(EventName, p.Handle)
	}
	return p
}

// Enqueue sends an ingestion event for a document. Repeated sends for the
// same document collapse onto the live run.
func (p *Pipeline) Enqueue(ctx context.Context, docID string) (string, error) {
	return p.runner.Send(ctx, EventName, ingestEvent{DocID: docID}, workflow.SendOptions{
		IdempotencyKey: "ingest:" + docID,
		ThrottleKey:    docID,
	})
}

// Handle processes one ingestion event. A document that yields no passages
// still completes as ingested with zero chunks.
func (p *Pipeline) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var event ingestEvent
	if err := run.Bind(&event); err != nil {
		return nil, err
	}

	chunkData, err := run.Step(ctx, "load-and-chunk", func(ctx context.Context) (any, error) {
		return p.loadAndChunk(ctx, event.DocID)
	})
	if err != nil {
		return nil, p.fail(ctx, event.DocID, err)
	}
	var chunks []chunkRecord
	if err := json.Unmarshal(chunkData, &chunks); err != nil {
		return nil, p.fail(ctx, event.DocID, fmt.Errorf("decode chunk step result: %w", err))
	}

	if _, err := run.Step(ctx, "embed-and-upsert", func(ctx context.Context) (any, error) {
		return len(chunks), p.embedAndUpsert(ctx, event.DocID, chunks)
	}); err != nil {
		return nil, p.fail(ctx, event.DocID, err)
	}

	if err := p.store.MarkIngested(event.DocID, len(chunks)); err != nil {
		return nil, err
	}
	if p.deleteAfterIngest {
		p.deleteSource(ctx, event.DocID)
	}
	p.logger.Info("document ingested", "docId", event.DocID, "chunks", len(chunks))
	return ingestResult{DocID: event.DocID, Chunks: len(chunks)}, nil
}

// fail records the failed status before surfacing the error to the retry
// policy. A later successful attempt overwrites the status.
func (p *Pipeline) fail(ctx context.Context, docID string, err error) error {
	if markErr := p.store.MarkFailed(docID); markErr != nil {
		p.logger.Warn("mark document failed", "docId", docID, "error", markErr)
	}
	return err
}

func (p *Pipeline) loadAndChunk(ctx context.Context, docID string) ([]chunkRecord, error) {
	doc, ok, err := p.store.GetDocument(docID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", docID, err)
	}
	if !ok {
		return nil, fmt.Errorf("load document %s: %w", docID, domain.ErrNotFound)
	}
	data, err := p.content.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("fetch document content: %w", err)
	}
	pages, err := p.extractor.ExtractPages(ctx, data)
	if err != nil {
		return nil, err
	}
	var chunks []chunkRecord
	for _, page := range pages {
		for _, part := range p.splitter.Split(page.Text) {
			chunks = append(chunks, chunkRecord{Text: part, PageNumber: page.Number})
		}
	}
	return chunks, nil
}

func (p *Pipeline) embedAndUpsert(ctx context.Context, docID string, chunks []chunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	doc, ok, err := p.store.GetDocument(docID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if !ok {
		return fmt.Errorf("load document %s: %w", docID, domain.ErrNotFound)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.embedConcurrency)
	for start := 0; start < len(chunks); start += p.embedBatchSize {
		end := start + p.embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		g.Go(func() error {
			return p.upsertBatch(gctx, doc, chunks[start:end], start)
		})
	}
	return g.Wait()
}

// upsertBatch embeds one batch and writes it with deterministic point IDs,
// so re-running a batch overwrites rather than duplicates.
func (p *Pipeline) upsertBatch(ctx context.Context, doc domain.Document, batch []chunkRecord, offset int) error {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Text
	}
	vectors, err := p.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch at %d: %w", offset, err)
	}
	points := make([]vectorindex.Point, len(batch))
	for i, chunk := range batch {
		index := offset + i
		points[i] = vectorindex.Point{
			ID:     PointID(doc.DocID, index),
			Vector: vectors[i],
			Payload: vectorindex.PassagePayload{
				DocID:       doc.DocID,
				Source:      doc.DisplayName,
				ContentHash: doc.ContentHash,
				ChunkIndex:  index,
				Text:        chunk.Text,
				PageNumber:  chunk.PageNumber,
			},
		}
	}
	if err := p.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("upsert batch at %d: %w", offset, err)
	}
	return nil
}

// PointID derives a stable UUID for a passage from the document ID and
// chunk index.
func PointID(docID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d", docID, chunkIndex))).String()
}

// deleteSource drops the stored PDF once its passages are indexed.
// Best effort; the index already holds everything queries need.
func (p *Pipeline) deleteSource(ctx context.Context, docID string) {
	doc, ok, err := p.store.GetDocument(docID)
	if err != nil || !ok {
		p.logger.Warn("load document for source cleanup", "docId", docID, "error", err)
		return
	}
	if err := p.content.Delete(ctx, doc.StorageKey); err != nil {
		p.logger.Warn("delete source object", "docId", docID, "key", doc.StorageKey, "error", err)
	}
}

// Cleanup removes a deleted document's passages and stored bytes. The index
// purge keys on content hash because dedup twins share the points written
// under the first twin's doc ID. Failures are logged and swallowed so row
// deletion is never blocked by them.
func (p *Pipeline) Cleanup(ctx context.Context, doc domain.Document) {
	if err := p.index.DeleteByContentHash(ctx, doc.ContentHash); err != nil {
		p.logger.Warn("delete indexed passages", "docId", doc.DocID, "contentHash", doc.ContentHash, "error", err)
	}
	if doc.StorageKey != "" {
		if err := p.content.Delete(ctx, doc.StorageKey); err != nil {
			p.logger.Warn("delete stored content", "docId", doc.DocID, "key", doc.StorageKey, "error", err)
		}
	}
}
