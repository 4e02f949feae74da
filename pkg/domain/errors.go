package domain

import "errors"

var (
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFolderDocumentCap indicates the folder already holds the maximum
	// number of documents.
	ErrFolderDocumentCap = errors.New("folder document limit reached")
	// ErrFolderSizeCap indicates the upload would push the folder past its
	// aggregate size limit.
	ErrFolderSizeCap = errors.New("folder size limit reached")
	// ErrInvalidName indicates a document rename with an unusable name.
	ErrInvalidName = errors.New("invalid document name")
)

// ContentStoreError wraps failures of the object storage collaborator.
type ContentStoreError struct{ Err error }

func (e *ContentStoreError) Error() string { return "content store: " + e.Err.Error() }
func (e *ContentStoreError) Unwrap() error { return e.Err }

// IndexError wraps failures of the vector index collaborator.
type IndexError struct{ Err error }

func (e *IndexError) Error() string { return "vector index: " + e.Err.Error() }
func (e *IndexError) Unwrap() error { return e.Err }

// RepositoryError wraps failures of the metadata repository.
type RepositoryError struct{ Err error }

func (e *RepositoryError) Error() string { return "repository: " + e.Err.Error() }
func (e *RepositoryError) Unwrap() error { return e.Err }

// WorkflowError wraps failures of the workflow substrate.
type WorkflowError struct{ Err error }

func (e *WorkflowError) Error() string { return "workflow: " + e.Err.Error() }
func (e *WorkflowError) Unwrap() error { return e.Err }
