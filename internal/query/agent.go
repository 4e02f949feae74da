package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"docuagent/pkg/ai"
	"docuagent/pkg/domain"
	"docuagent/pkg/vectorindex"
	"docuagent/pkg/workflow"
)

// EventName identifies agentic query events on the workflow stream.
const EventName = "agent.query"

const defaultTopK = 6

// ErrEmptyQuestion rejects a blank question before any work is queued.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Request is the payload of one agentic query event.
type Request struct {
	Question string  `json:"question"`
	TopK     int     `json:"topK,omitempty"`
	DocID    *string `json:"docId,omitempty"`
	FolderID *int64  `json:"folderId,omitempty"`
	ThreadID *int64  `json:"threadId,omitempty"`
}

// Repository is the slice of the metadata store the agent needs.
type Repository interface {
	ScopeStore
	AppendMessage(threadID int64, role, content string, citations []domain.Citation) (domain.ChatMessage, error)
	ListMessages(threadID int64) ([]domain.ChatMessage, error)
	ToggleReaction(messageID int64, emoji, actor string) (domain.ChatMessage, error)
}

// Agent answers questions over indexed documents as a 4-stage workflow:
// retrieve scoped passages, classify intent, generate a grounded answer
// with citations, persist the outcome to the chat thread.
type Agent struct {
	repo      Repository
	index     vectorindex.Index
	embedder  ai.Embedder
	generator ai.Generator
	runner    *workflow.Runner
	topK      int
	logger    *slog.Logger
}

func NewAgent(
	repo Repository,
	index vectorindex.Index,
	embedder ai.Embedder,
	generator ai.Generator,
	runner *workflow.Runner,
	topK int,
	logger *slog.Logger,
) *Agent {
	if topK <= 0 {
		topK = defaultTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		repo:      repo,
		index:     index,
		embedder:  embedder,
		generator: generator,
		runner:    runner,
		topK:      topK,
		logger:    logger,
	}
	if runner != nil {
		runner.Register(EventName, a.Handle)
	}
	return a
}

// Ask validates the request, records the user's message on the thread, and
// enqueues the query. The returned event ID is polled for the result.
func (a *Agent) Ask(ctx context.Context, req Request) (string, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return "", ErrEmptyQuestion
	}
	if req.ThreadID != nil {
		if _, err := a.repo.AppendMessage(*req.ThreadID, "user", req.Question, nil); err != nil {
			return "", fmt.Errorf("record user message: %w", err)
		}
	}
	return a.runner.Send(ctx, EventName, req, workflow.SendOptions{})
}

// Handle processes one query event.
func (a *Agent) Handle(ctx context.Context, run *workflow.Run) (any, error) {
	var req Request
	if err := run.Bind(&req); err != nil {
		return nil, err
	}
	req.Question = strings.TrimSpace(req.Question)

	retrievedData, err := run.Step(ctx, "retrieve", func(ctx context.Context) (any, error) {
		return a.retrieve(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	var retrieved []domain.RetrievedPassage
	if err := json.Unmarshal(retrievedData, &retrieved); err != nil {
		return nil, fmt.Errorf("decode retrieve step result: %w", err)
	}

	// nothing to ground on: terminal clarify without any model calls
	if len(retrieved) == 0 {
		result := domain.QueryResult{
			Intent:             domain.IntentClarify,
			NeedsClarification: true,
			ClarifyingQuestion: noContextClarifyPrompt,
		}
		a.persist(req.ThreadID, &result)
		return result, nil
	}

	sources := uniqueSources(retrieved)
	contextPack := buildContextPack(retrieved)

	classifyData, err := run.Step(ctx, "classify-intent", func(ctx context.Context) (any, error) {
		return a.generator.Complete(ctx, jsonOnlySystemPrompt, classifyPrompt(req.Question),
			ai.CompleteOptions{Temperature: 0, MaxTokens: 200})
	})
	if err != nil {
		return nil, err
	}
	decision := parseIntent(unquoteStep(classifyData))

	if decision.Intent == domain.IntentClarify {
		clarifyingQuestion := decision.ClarifyingQuestion
		if clarifyingQuestion == "" {
			clarifyingQuestion = fallbackClarifyQuestion
		}
		result := domain.QueryResult{
			Intent:             domain.IntentClarify,
			NeedsClarification: true,
			ClarifyingQuestion: clarifyingQuestion,
			Sources:            sources,
			NumContexts:        len(retrieved),
		}
		a.persist(req.ThreadID, &result)
		return result, nil
	}

	generateData, err := run.Step(ctx, "generate-grounded", func(ctx context.Context) (any, error) {
		return a.generator.Complete(ctx, jsonOnlySystemPrompt, generationPrompt(req.Question, contextPack, decision.Intent),
			ai.CompleteOptions{Temperature: 0.2, MaxTokens: 900})
	})
	if err != nil {
		return nil, err
	}
	generated := parseGeneration(unquoteStep(generateData))
	a.checkQuotes(generated.Citations, retrieved)

	result := domain.QueryResult{
		Intent:             decision.Intent,
		Answer:             generated.Answer,
		Citations:          generated.Citations,
		Sources:            sources,
		NeedsClarification: generated.NeedsClarification,
		ClarifyingQuestion: generated.ClarifyingQuestion,
		Reaction:           generated.Reaction,
		NumContexts:        len(retrieved),
	}
	a.persist(req.ThreadID, &result)
	return result, nil
}

// retrieve embeds the question once and searches within the resolved
// scope. An empty scope target skips the search entirely.
func (a *Agent) retrieve(ctx context.Context, req Request) ([]domain.RetrievedPassage, error) {
	resolved, err := resolveScope(a.repo, req.DocID, req.FolderID)
	if err != nil {
		return nil, err
	}
	if resolved.empty {
		return nil, nil
	}
	vectors, err := a.embedder.EmbedTexts(ctx, []string{req.Question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vector for question")
	}
	topK := effectiveTopK(req.TopK, a.topK, resolved.folderSearch)
	if resolved.folderSearch {
		// grouped by content hash: each document contributes at most
		// folderGroupSize passages to the widened budget
		groups := topK / folderGroupSize
		if groups < 1 {
			groups = 1
		}
		return a.index.SearchGrouped(ctx, vectors[0], groups, folderGroupSize, resolved.scope)
	}
	passages, err := a.index.Search(ctx, vectors[0], topK, resolved.scope)
	if err != nil {
		return nil, err
	}
	return passages, nil
}

// persist appends the agent message and loops the proposed reaction back
// onto the preceding user message. Persistence problems are logged, never
// returned; the computed result stands on its own.
func (a *Agent) persist(threadID *int64, result *domain.QueryResult) {
	if threadID == nil {
		return
	}
	content := result.Answer
	if result.NeedsClarification {
		content = result.ClarifyingQuestion
	}
	msg, err := a.repo.AppendMessage(*threadID, "agent", content, result.Citations)
	if err != nil {
		a.logger.Warn("persist agent message", "threadId", *threadID, "error", err)
		return
	}
	result.MessageID = &msg.ID

	if result.Reaction == "" {
		return
	}
	messages, err := a.repo.ListMessages(*threadID)
	if err != nil {
		a.logger.Warn("list messages for reaction", "threadId", *threadID, "error", err)
		return
	}
	if len(messages) < 2 {
		return
	}
	userMsg := messages[len(messages)-2]
	if userMsg.Role != "user" {
		return
	}
	if _, err := a.repo.ToggleReaction(userMsg.ID, result.Reaction, "agent"); err != nil {
		a.logger.Warn("attach reaction", "messageId", userMsg.ID, "error", err)
	}
}

// checkQuotes verifies citation quotes appear verbatim in their cited
// passage. Mismatches are logged only; the citation is kept.
func (a *Agent) checkQuotes(citations []domain.Citation, retrieved []domain.RetrievedPassage) {
	byID := make(map[string]string, len(retrieved))
	for _, p := range retrieved {
		byID[p.ChunkID] = p.Text
	}
	for _, c := range citations {
		if c.Quote == "" {
			continue
		}
		text, ok := byID[c.ChunkID]
		if !ok {
			a.logger.Warn("citation references unknown chunk", "chunkId", c.ChunkID)
			continue
		}
		if !strings.Contains(text, strings.TrimSpace(c.Quote)) {
			a.logger.Warn("citation quote not found in cited chunk", "chunkId", c.ChunkID)
		}
	}
}

func uniqueSources(retrieved []domain.RetrievedPassage) []string {
	seen := make(map[string]struct{}, len(retrieved))
	var sources []string
	for _, p := range retrieved {
		if p.Source == "" {
			continue
		}
		if _, ok := seen[p.Source]; ok {
			continue
		}
		seen[p.Source] = struct{}{}
		sources = append(sources, p.Source)
	}
	sort.Strings(sources)
	return sources
}

// unquoteStep decodes a memoized string step result back to the raw model
// output.
func unquoteStep(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return string(data)
	}
	return s
}
