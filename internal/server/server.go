package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"docuagent/internal/ingest"
	"docuagent/internal/query"
	"docuagent/internal/scan"
	"docuagent/internal/util"
	"docuagent/pkg/domain"
	"docuagent/pkg/storage"
	"docuagent/pkg/store"
	"docuagent/pkg/workflow"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store          store.Store
	Content        storage.ContentStore
	Scanner        scan.Scanner
	Pipeline       *ingest.Pipeline
	Agent          *query.Agent
	Runner         *workflow.Runner
	MaxUploadBytes int64
}

// Server exposes the HTTP API: document uploads and management, folders,
// chat threads and reactions, query dispatch, and job status polling.
type Server struct {
	store          store.Store
	content        storage.ContentStore
	scanner        scan.Scanner
	pipeline       *ingest.Pipeline
	agent          *query.Agent
	runner         *workflow.Runner
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 * 1024 * 1024
	}
	s := &Server{
		store:          cfg.Store,
		content:        cfg.Content,
		scanner:        cfg.Scanner,
		pipeline:       cfg.Pipeline,
		agent:          cfg.Agent,
		runner:         cfg.Runner,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/documents", s.handleDocuments)
	s.mux.HandleFunc("/documents/", s.handleDocumentByID)

	s.mux.HandleFunc("/folders", s.handleFolders)
	s.mux.HandleFunc("/folders/", s.handleFolderByID)

	s.mux.HandleFunc("/query", s.handleQuery)
	s.mux.HandleFunc("/jobs/", s.handleJobStatus)

	s.mux.HandleFunc("/threads", s.handleThreads)
	s.mux.HandleFunc("/threads/", s.handleThreadByID)
	s.mux.HandleFunc("/messages/", s.handleMessageAction)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// documents

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadDocument(w, r)
	case http.MethodGet:
		s.handleListDocuments(w, r)
	default:
		methodNotAllowed(w)
	}
}

type uploadResponse struct {
	DocID         string `json:"docId"`
	CreatedNew    bool   `json:"createdNew"`
	IngestEventID string `json:"ingestEventId"`
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename required")
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		writeError(w, http.StatusBadRequest, "only PDF uploads are supported")
		return
	}
	var folderID *int64
	if raw := strings.TrimSpace(r.FormValue("folderId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid folder id")
			return
		}
		folderID = &id
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}

	safe, err := s.scanner.ScanBytes(r.Context(), header.Filename, data)
	if err != nil {
		writeError(w, http.StatusBadGateway, "malware scan unavailable")
		return
	}
	if !safe {
		writeError(w, http.StatusBadRequest, "file rejected by malware scan")
		return
	}

	// register before storing so capacity and dedup checks run first
	stored := storage.Describe(header.Filename, data)
	doc, createdNew, err := s.store.CreateDocument(store.NewDocument{
		DocID:       util.NewID(),
		DisplayName: stored.DisplayName,
		ContentHash: stored.ContentHash,
		StorageKey:  stored.Key,
		SizeBytes:   stored.SizeBytes,
		FolderID:    folderID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	ingestEventID := "already_exists"
	if createdNew {
		if _, err := s.content.Put(r.Context(), header.Filename, data); err != nil {
			_ = s.store.MarkFailed(doc.DocID)
			writeError(w, http.StatusBadGateway, "failed to store file")
			return
		}
		ingestEventID, err = s.pipeline.Enqueue(r.Context(), doc.DocID)
		if err != nil {
			_ = s.store.MarkFailed(doc.DocID)
			writeError(w, http.StatusBadGateway, "failed to queue ingestion")
			return
		}
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		DocID:         doc.DocID,
		CreatedNew:    createdNew,
		IngestEventID: ingestEventID,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	var (
		docs []domain.Document
		err  error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("folderId")); raw != "" {
		id, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid folder id")
			return
		}
		docs, err = s.store.ListDocumentsByFolder(id)
	} else {
		docs, err = s.store.ListDocuments()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

type documentPatch struct {
	Name *string `json:"name"`
	// FolderID is kept raw so an explicit null (move to root) is
	// distinguishable from an absent field.
	FolderID json.RawMessage `json:"folderId"`
}

// /documents/{id}
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" || len(parts) == 2 {
		notFound(w, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, ok, err := s.store.GetDocument(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "document not found")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	case http.MethodPatch:
		s.handlePatchDocument(w, r, id)
	case http.MethodDelete:
		s.handleDeleteDocument(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request, id string) {
	var patch documentPatch
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.Name == nil && len(patch.FolderID) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	var doc domain.Document
	var err error
	if patch.Name != nil {
		doc, err = s.store.RenameDocument(id, *patch.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if len(patch.FolderID) > 0 {
		var folderID *int64
		if string(patch.FolderID) != "null" {
			var v int64
			if err := json.Unmarshal(patch.FolderID, &v); err != nil {
				writeError(w, http.StatusBadRequest, "invalid folder id")
				return
			}
			folderID = &v
		}
		doc, err = s.store.MoveDocument(id, folderID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, id string) {
	doc, ok, err := s.store.DeleteDocument(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "document not found")
		return
	}
	// twins share the stored file and the indexed passages
	if !s.contentShared(doc.ContentHash) {
		s.pipeline.Cleanup(r.Context(), doc)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// contentShared reports whether any remaining document still references the
// given content hash. Errors count as shared so cleanup stays conservative.
func (s *Server) contentShared(contentHash string) bool {
	docs, err := s.store.ListDocuments()
	if err != nil {
		return true
	}
	for _, d := range docs {
		if d.ContentHash == contentHash {
			return true
		}
	}
	return false
}

// folders

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		folder, err := s.store.CreateFolder(req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, folder)
	case http.MethodGet:
		folders, err := s.store.ListFolders()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": folders,
			"count": len(folders),
		})
	default:
		methodNotAllowed(w)
	}
}

// /folders/{id}
func (s *Server) handleFolderByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/folders/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" || len(parts) == 2 {
		notFound(w, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		notFound(w, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		folder, ok, err := s.store.GetFolder(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "folder not found")
			return
		}
		writeJSON(w, http.StatusOK, folder)
	case http.MethodPatch:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		folder, err := s.store.RenameFolder(id, req.Name)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, folder)
	case http.MethodDelete:
		s.handleDeleteFolder(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request, id int64) {
	removed, err := s.store.DeleteFolder(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	for _, doc := range removed {
		if !s.contentShared(doc.ContentHash) {
			s.pipeline.Cleanup(r.Context(), doc)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "deleted",
		"documentsRemoved": len(removed),
	})
}

// query and jobs

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req query.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	eventID, err := s.agent.Ask(r.Context(), req)
	if err != nil {
		if errors.Is(err, query.ErrEmptyQuestion) {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queryEventId": eventID})
}

// /jobs/{eventId}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	eventID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if eventID == "" || strings.Contains(eventID, "/") {
		notFound(w, "not found")
		return
	}
	run, ok, err := s.runner.GetRun(r.Context(), eventID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// threads and messages

type threadRequest struct {
	Title      string  `json:"title"`
	FolderID   *int64  `json:"folderId"`
	DocumentID *string `json:"documentId"`
	ParentID   *int64  `json:"parentId"`
}

func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req threadRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		thread, err := s.store.CreateThread(domain.ChatThread{
			Title:      req.Title,
			FolderID:   req.FolderID,
			DocumentID: req.DocumentID,
			ParentID:   req.ParentID,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, thread)
	case http.MethodGet:
		s.handleListThreads(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	var folderID *int64
	if raw := strings.TrimSpace(r.URL.Query().Get("folderId")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid folder id")
			return
		}
		folderID = &id
	}
	var documentID *string
	if raw := strings.TrimSpace(r.URL.Query().Get("documentId")); raw != "" {
		documentID = &raw
	}
	threads, err := s.store.ListThreads(folderID, documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": threads,
		"count": len(threads),
	})
}

type threadPatch struct {
	Title     *string `json:"title"`
	IsStarred *bool   `json:"isStarred"`
}

// /threads/{id} or /threads/{id}/messages
func (s *Server) handleThreadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/threads/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		notFound(w, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "messages" {
			notFound(w, "not found")
			return
		}
		s.handleThreadMessages(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		thread, ok, err := s.store.GetThread(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "thread not found")
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case http.MethodPatch:
		var patch threadPatch
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		thread, err := s.store.UpdateThread(id, patch.Title, patch.IsStarred)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, thread)
	case http.MethodDelete:
		if err := s.store.DeleteThread(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request, threadID int64) {
	switch r.Method {
	case http.MethodGet:
		if _, ok, err := s.store.GetThread(threadID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		} else if !ok {
			notFound(w, "thread not found")
			return
		}
		messages, err := s.store.ListMessages(threadID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": messages,
			"count": len(messages),
		})
	case http.MethodPost:
		var req struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}
		if req.Role == "" {
			req.Role = "user"
		}
		msg, err := s.store.AppendMessage(threadID, req.Role, req.Content, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// /messages/{id}/reactions
func (s *Server) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/messages/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "reactions" {
		notFound(w, "not found")
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Emoji) == "" {
		writeError(w, http.StatusBadRequest, "emoji is required")
		return
	}
	msg, err := s.store.ToggleReaction(id, req.Emoji, "user")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		notFound(w, "not found")
	case errors.Is(err, domain.ErrFolderDocumentCap):
		writeError(w, http.StatusBadRequest, "folder document limit reached")
	case errors.Is(err, domain.ErrFolderSizeCap):
		writeError(w, http.StatusBadRequest, "folder size limit reached")
	case errors.Is(err, domain.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid name")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "file too large":
		return "DOC_FILE_TOO_LARGE"
	case message == "filename required", strings.Contains(message, "file is required"):
		return "DOC_FILE_REQUIRED"
	case message == "only pdf uploads are supported":
		return "DOC_UNSUPPORTED_FILE_TYPE"
	case message == "file rejected by malware scan":
		return "DOC_MALWARE_REJECTED"
	case message == "malware scan unavailable":
		return "DOC_SCAN_UNAVAILABLE"
	case message == "invalid form data":
		return "DOC_INVALID_UPLOAD_FORM"
	case message == "failed to store file":
		return "DOC_STORAGE_FAILED"
	case message == "failed to queue ingestion":
		return "DOC_INGEST_QUEUE_FAILED"
	case message == "document not found":
		return "DOC_NOT_FOUND"
	case message == "folder document limit reached":
		return "FOLDER_DOCUMENT_LIMIT"
	case message == "folder size limit reached":
		return "FOLDER_SIZE_LIMIT"
	case message == "folder not found":
		return "FOLDER_NOT_FOUND"
	case message == "thread not found":
		return "THREAD_NOT_FOUND"
	case message == "job not found":
		return "JOB_NOT_FOUND"
	case message == "question is required":
		return "QUERY_QUESTION_REQUIRED"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
