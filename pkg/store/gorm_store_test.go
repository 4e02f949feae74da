package store

import (
	"fmt"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuagent/pkg/domain"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := NewGormStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewGormStoreWithDB: %v", err)
	}
	return s
}

func mustCreateDoc(t *testing.T, s *GormStore, docID, hash string, size int64, folderID *int64) domain.Document {
	t.Helper()
	doc, _, err := s.CreateDocument(NewDocument{
		DocID:       docID,
		DisplayName: docID + ".pdf",
		ContentHash: hash,
		StorageKey:  hash + ".pdf",
		SizeBytes:   size,
		FolderID:    folderID,
	})
	if err != nil {
		t.Fatalf("CreateDocument(%s): %v", docID, err)
	}
	return doc
}

func TestCreateDocumentDedupByContentHash(t *testing.T) {
	s := newTestStore(t)

	first, createdNew, err := s.CreateDocument(NewDocument{
		DocID: "d1", DisplayName: "a.pdf", ContentHash: "hash1", StorageKey: "hash1.pdf", SizeBytes: 10,
	})
	if err != nil || !createdNew {
		t.Fatalf("first create: createdNew=%v err=%v", createdNew, err)
	}
	if first.Status != domain.StatusUploaded {
		t.Fatalf("first status = %q", first.Status)
	}
	if err := s.MarkIngested("d1", 7); err != nil {
		t.Fatalf("MarkIngested: %v", err)
	}

	second, createdNew, err := s.CreateDocument(NewDocument{
		DocID: "d2", DisplayName: "b.pdf", ContentHash: "hash1", StorageKey: "hash1.pdf", SizeBytes: 10,
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if createdNew {
		t.Fatal("twin content reported as new")
	}
	if second.Status != domain.StatusIngested {
		t.Fatalf("twin status = %q, want ingested", second.Status)
	}
	if second.IngestedChunks != 7 {
		t.Fatalf("twin chunks = %d, want 7 copied from original", second.IngestedChunks)
	}
}

func TestCreateDocumentNotDedupedAgainstFailedTwin(t *testing.T) {
	s := newTestStore(t)
	mustCreateDoc(t, s, "d1", "hash1", 10, nil)
	if err := s.MarkFailed("d1"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	_, createdNew, err := s.CreateDocument(NewDocument{
		DocID: "d2", DisplayName: "b.pdf", ContentHash: "hash1", StorageKey: "hash1.pdf", SizeBytes: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !createdNew {
		t.Fatal("failed twin must not satisfy dedup")
	}
}

func TestFolderDocumentCap(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateFolder("full")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	for i := 0; i < domain.MaxDocumentsPerFolder; i++ {
		mustCreateDoc(t, s, fmt.Sprintf("d%d", i), fmt.Sprintf("hash%d", i), 10, &folder.ID)
	}

	_, _, err = s.CreateDocument(NewDocument{
		DocID: "overflow", DisplayName: "x.pdf", ContentHash: "hashX", StorageKey: "x.pdf", SizeBytes: 10, FolderID: &folder.ID,
	})
	if err != domain.ErrFolderDocumentCap {
		t.Fatalf("err = %v, want ErrFolderDocumentCap", err)
	}
	if _, ok, _ := s.GetDocument("overflow"); ok {
		t.Fatal("rejected document must not be persisted")
	}
}

func TestFolderSizeCap(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateFolder("big")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	mustCreateDoc(t, s, "d1", "hash1", domain.MaxFolderSizeBytes-100, &folder.ID)

	_, _, err = s.CreateDocument(NewDocument{
		DocID: "d2", DisplayName: "b.pdf", ContentHash: "hash2", StorageKey: "b.pdf", SizeBytes: 200, FolderID: &folder.ID,
	})
	if err != domain.ErrFolderSizeCap {
		t.Fatalf("err = %v, want ErrFolderSizeCap", err)
	}
}

func TestRenameDocumentKeepsPDFExtension(t *testing.T) {
	s := newTestStore(t)
	mustCreateDoc(t, s, "d1", "hash1", 10, nil)

	doc, err := s.RenameDocument("d1", "renamed.pdf")
	if err != nil {
		t.Fatalf("RenameDocument: %v", err)
	}
	if doc.DisplayName != "renamed.pdf" {
		t.Fatalf("name = %q", doc.DisplayName)
	}

	for _, bad := range []string{"", "   ", "plain.txt", "noext"} {
		if _, err := s.RenameDocument("d1", bad); err != domain.ErrInvalidName {
			t.Fatalf("rename to %q: err = %v, want ErrInvalidName", bad, err)
		}
	}
}

func TestMoveDocumentChecksTargetCap(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateFolder("target")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	for i := 0; i < domain.MaxDocumentsPerFolder; i++ {
		mustCreateDoc(t, s, fmt.Sprintf("d%d", i), fmt.Sprintf("hash%d", i), 10, &folder.ID)
	}
	outside := mustCreateDoc(t, s, "outside", "hashO", 10, nil)

	if _, err := s.MoveDocument(outside.DocID, &folder.ID); err != domain.ErrFolderDocumentCap {
		t.Fatalf("err = %v, want ErrFolderDocumentCap", err)
	}

	doc, _, _ := s.GetDocument(outside.DocID)
	if doc.FolderID != nil {
		t.Fatal("rejected move must not change the folder")
	}
}

func TestMarkFailedThenIngestedOverwrites(t *testing.T) {
	s := newTestStore(t)
	mustCreateDoc(t, s, "d1", "hash1", 10, nil)

	if err := s.MarkFailed("d1"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	doc, _, _ := s.GetDocument("d1")
	if doc.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", doc.Status)
	}

	if err := s.MarkIngested("d1", 4); err != nil {
		t.Fatalf("MarkIngested: %v", err)
	}
	doc, _, _ = s.GetDocument("d1")
	if doc.Status != domain.StatusIngested || doc.IngestedChunks != 4 {
		t.Fatalf("document = %+v", doc)
	}

	if err := s.MarkIngested("ghost", 1); err != domain.ErrNotFound {
		t.Fatalf("mark unknown: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteFolderRemovesContainedDocuments(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateFolder("temp")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	mustCreateDoc(t, s, "in1", "hash1", 10, &folder.ID)
	mustCreateDoc(t, s, "in2", "hash2", 10, &folder.ID)
	mustCreateDoc(t, s, "out", "hash3", 10, nil)

	removed, err := s.DeleteFolder(folder.ID)
	if err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed = %d docs, want 2", len(removed))
	}
	if _, ok, _ := s.GetDocument("in1"); ok {
		t.Fatal("contained document survived folder delete")
	}
	if _, ok, _ := s.GetDocument("out"); !ok {
		t.Fatal("unrelated document was deleted")
	}

	if _, err := s.DeleteFolder(folder.ID); err != domain.ErrNotFound {
		t.Fatalf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestListThreadsDefaultsToRootThreads(t *testing.T) {
	s := newTestStore(t)
	folderID := int64(5)
	docID := "doc-1"

	root, err := s.CreateThread(domain.ChatThread{Title: "root"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := s.CreateThread(domain.ChatThread{Title: "in folder", FolderID: &folderID}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := s.CreateThread(domain.ChatThread{Title: "on doc", DocumentID: &docID}); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	roots, err := s.ListThreads(nil, nil)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root.ID {
		t.Fatalf("root threads = %+v", roots)
	}

	inFolder, err := s.ListThreads(&folderID, nil)
	if err != nil {
		t.Fatalf("ListThreads(folder): %v", err)
	}
	if len(inFolder) != 1 || inFolder[0].Title != "in folder" {
		t.Fatalf("folder threads = %+v", inFolder)
	}

	onDoc, err := s.ListThreads(nil, &docID)
	if err != nil {
		t.Fatalf("ListThreads(doc): %v", err)
	}
	if len(onDoc) != 1 || onDoc[0].Title != "on doc" {
		t.Fatalf("document threads = %+v", onDoc)
	}
}

func TestDeleteThreadCascadesSubtree(t *testing.T) {
	s := newTestStore(t)
	root, err := s.CreateThread(domain.ChatThread{Title: "root"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	child, err := s.CreateThread(domain.ChatThread{Title: "child", ParentID: &root.ID})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	grandchild, err := s.CreateThread(domain.ChatThread{Title: "grandchild", ParentID: &child.ID})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	other, err := s.CreateThread(domain.ChatThread{Title: "other"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := s.AppendMessage(grandchild.ID, "user", "hello", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := s.DeleteThread(root.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	for _, id := range []int64{root.ID, child.ID, grandchild.ID} {
		if _, ok, _ := s.GetThread(id); ok {
			t.Fatalf("thread %d survived subtree delete", id)
		}
	}
	if _, ok, _ := s.GetThread(other.ID); !ok {
		t.Fatal("unrelated thread was deleted")
	}
	msgs, err := s.ListMessages(grandchild.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0 after cascade", len(msgs))
	}
}

func TestAppendMessageStoresCitations(t *testing.T) {
	s := newTestStore(t)
	thread, err := s.CreateThread(domain.ChatThread{Title: "t"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	page := 3
	citations := []domain.Citation{{ChunkID: "c1", Source: "a.pdf", Quote: "verbatim", PageNumber: &page}}

	if _, err := s.AppendMessage(thread.ID, "agent", "answer", citations); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, err := s.ListMessages(thread.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	got := msgs[0].Citations
	if len(got) != 1 || got[0].ChunkID != "c1" || got[0].PageNumber == nil || *got[0].PageNumber != 3 {
		t.Fatalf("citations = %+v", got)
	}

	if _, err := s.AppendMessage(9999, "user", "orphan", nil); err != domain.ErrNotFound {
		t.Fatalf("append to unknown thread: err = %v, want ErrNotFound", err)
	}
}

func TestToggleReactionUserAndAgent(t *testing.T) {
	s := newTestStore(t)
	thread, err := s.CreateThread(domain.ChatThread{Title: "t"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	msg, err := s.AppendMessage(thread.ID, "user", "hi", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	// user adds
	got, err := s.ToggleReaction(msg.ID, "👍", "user")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if len(got.Reactions) != 1 || got.Reactions[0].Count != 1 || !got.Reactions[0].UserReacted {
		t.Fatalf("reactions = %+v", got.Reactions)
	}

	// agent piles on the same emoji
	got, err = s.ToggleReaction(msg.ID, "👍", "agent")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if got.Reactions[0].Count != 2 {
		t.Fatalf("count = %d, want 2", got.Reactions[0].Count)
	}

	// user toggles off, agent's contribution remains
	got, err = s.ToggleReaction(msg.ID, "👍", "user")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if got.Reactions[0].Count != 1 || got.Reactions[0].UserReacted {
		t.Fatalf("reactions = %+v", got.Reactions)
	}
}

func TestToggleReactionRemovesAtZero(t *testing.T) {
	s := newTestStore(t)
	thread, err := s.CreateThread(domain.ChatThread{Title: "t"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	msg, err := s.AppendMessage(thread.ID, "user", "hi", nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if _, err := s.ToggleReaction(msg.ID, "🔥", "user"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	got, err := s.ToggleReaction(msg.ID, "🔥", "user")
	if err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	if len(got.Reactions) != 0 {
		t.Fatalf("reactions = %+v, want empty after toggle off", got.Reactions)
	}

	if _, err := s.ToggleReaction(9999, "🔥", "user"); err != domain.ErrNotFound {
		t.Fatalf("toggle on unknown message: err = %v, want ErrNotFound", err)
	}
}

func TestFolderRename(t *testing.T) {
	s := newTestStore(t)
	folder, err := s.CreateFolder("before")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	renamed, err := s.RenameFolder(folder.ID, "after")
	if err != nil {
		t.Fatalf("RenameFolder: %v", err)
	}
	if renamed.Name != "after" {
		t.Fatalf("name = %q", renamed.Name)
	}
	if _, err := s.RenameFolder(folder.ID, "  "); err != domain.ErrInvalidName {
		t.Fatalf("blank rename: err = %v, want ErrInvalidName", err)
	}
	if _, err := s.RenameFolder(9999, "x"); err != domain.ErrNotFound {
		t.Fatalf("rename unknown: err = %v, want ErrNotFound", err)
	}
}
