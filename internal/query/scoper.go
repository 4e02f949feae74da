package query

import (
	"fmt"
	"sort"

	"docuagent/pkg/domain"
	"docuagent/pkg/vectorindex"
)

// folderSearchMinTopK widens folder-scoped searches so a single dominant
// document cannot crowd out the rest of the folder.
const folderSearchMinTopK = 20

// folderGroupSize caps how many passages each distinct document content
// contributes to a folder-scoped retrieval.
const folderGroupSize = 4

// ScopeStore resolves query targets to documents.
type ScopeStore interface {
	GetDocument(docID string) (domain.Document, bool, error)
	ListDocumentsByFolder(folderID int64) ([]domain.Document, error)
}

type resolvedScope struct {
	scope        vectorindex.Scope
	folderSearch bool
	// empty means the target resolves to nothing indexable; no search is
	// performed at all.
	empty bool
}

// resolveScope maps (docID?, folderID?) to a content-hash filter. Document
// scope wins over folder scope; neither means the whole index.
func resolveScope(store ScopeStore, docID *string, folderID *int64) (resolvedScope, error) {
	if docID != nil && *docID != "" {
		doc, ok, err := store.GetDocument(*docID)
		if err != nil {
			return resolvedScope{}, fmt.Errorf("resolve document scope: %w", err)
		}
		if !ok {
			return resolvedScope{empty: true}, nil
		}
		return resolvedScope{scope: vectorindex.Scope{ContentHashes: []string{doc.ContentHash}}}, nil
	}
	if folderID != nil {
		docs, err := store.ListDocumentsByFolder(*folderID)
		if err != nil {
			return resolvedScope{}, fmt.Errorf("resolve folder scope: %w", err)
		}
		hashes := uniqueHashes(docs)
		if len(hashes) == 0 {
			return resolvedScope{empty: true}, nil
		}
		return resolvedScope{scope: vectorindex.Scope{ContentHashes: hashes}, folderSearch: true}, nil
	}
	return resolvedScope{}, nil
}

func uniqueHashes(docs []domain.Document) []string {
	seen := make(map[string]struct{}, len(docs))
	var hashes []string
	for _, doc := range docs {
		if doc.ContentHash == "" {
			continue
		}
		if _, ok := seen[doc.ContentHash]; ok {
			continue
		}
		seen[doc.ContentHash] = struct{}{}
		hashes = append(hashes, doc.ContentHash)
	}
	sort.Strings(hashes)
	return hashes
}

func effectiveTopK(topK int, defaultTopK int, folderSearch bool) int {
	if topK <= 0 {
		topK = defaultTopK
	}
	if folderSearch && topK < folderSearchMinTopK {
		return folderSearchMinTopK
	}
	return topK
}
