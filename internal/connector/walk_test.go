package connector

import (
	"context"
	"fmt"
	"testing"

	"docmigrate/internal/domain"
)

// tree: root -> {a(folder), f1}; a -> {b(folder), f2, f3}; b -> {}
var testTree = map[string][]domain.MigrationItem{
	"root": {{SourceID: "a", Name: "a", Type: domain.ItemFolder}, {SourceID: "f1", Name: "f1.txt", Type: domain.ItemFile}},
	"a":    {{SourceID: "b", Name: "b", Type: domain.ItemFolder}, {SourceID: "f2", Name: "f2.txt", Type: domain.ItemFile}, {SourceID: "f3", Name: "f3.txt", Type: domain.ItemFile}},
	"b":    {},
}

func treeLister(calls *int) Lister {
	return func(ctx context.Context, folder FolderRef, page string, pageSize int) (Listing, error) {
		*calls++
		children := testTree[folder.ID]
		start := 0
		if page != "" {
			fmt.Sscanf(page, "%d", &start)
		}
		end := start + pageSize
		if end >= len(children) {
			return Listing{Items: children[start:]}, nil
		}
		return Listing{Items: children[start:end], Next: fmt.Sprint(end)}, nil
	}
}

func drain(t *testing.T, req DiscoverRequest) []domain.MigrationItem {
	t.Helper()
	var calls int
	var all []domain.MigrationItem
	for i := 0; i < 20; i++ {
		res := Walk(context.Background(), req, FolderRef{ID: "root"}, treeLister(&calls))
		if !res.Success {
			t.Fatalf("walk: %v", res.Err())
		}
		all = append(all, res.Data.Items...)
		if res.Data.Last() {
			return all
		}
		req.PageToken = res.Data.NextPageToken
	}
	t.Fatalf("walk did not terminate")
	return nil
}

func TestWalkIsParentFirstAndResumable(t *testing.T) {
	items := drain(t, DiscoverRequest{PageSize: 2, Recursive: true})
	if len(items) != 5 {
		t.Fatalf("expected 5 items, got %d", len(items))
	}
	seen := map[string]bool{}
	for _, it := range items {
		if it.ParentSourceID != "" && !seen[it.ParentSourceID] {
			t.Fatalf("%s emitted before parent %s", it.SourceID, it.ParentSourceID)
		}
		seen[it.SourceID] = true
	}
	if items[0].ParentSourceID != "" || items[2].ParentSourceID != "a" {
		t.Fatalf("parent ids: %+v", items)
	}
	if items[2].SourcePath != "/a/b" {
		t.Fatalf("paths: %s", items[2].SourcePath)
	}
}

func TestWalkNonRecursiveAndSkipFolders(t *testing.T) {
	if items := drain(t, DiscoverRequest{PageSize: 10}); len(items) != 2 {
		t.Fatalf("non recursive walk returned %d items", len(items))
	}
	items := drain(t, DiscoverRequest{PageSize: 10, Recursive: true, SkipFolders: map[string]bool{"a": true}})
	if len(items) != 2 {
		t.Fatalf("skipped folder should not be listed, got %d items", len(items))
	}
}
