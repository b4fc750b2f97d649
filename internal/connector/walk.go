package connector

import (
	"context"
	"path"

	"docmigrate/internal/domain"
)

// maxEmptyListings bounds provider calls made by one Discover call while
// it skips over empty folders.
const maxEmptyListings = 16

type FolderRef struct {
	ID   string `cbor:"1,keyasint"`
	Path string `cbor:"2,keyasint"`
}

// walkState is the whole breadth-first walk, serialized into page tokens.
type walkState struct {
	Current *FolderRef  `cbor:"1,keyasint,omitempty"`
	Queue   []FolderRef `cbor:"2,keyasint,omitempty"`
	Page    string      `cbor:"3,keyasint,omitempty"`
}

// Listing is one provider page of a folder's children.
type Listing struct {
	Items []domain.MigrationItem
	// Next is the provider token for the rest of the folder, "" when done.
	Next string
}

// Lister lists one page of a folder.
type Lister func(ctx context.Context, folder FolderRef, page string, pageSize int) (Listing, error)

// Walk implements Discover for providers organised as folder trees. The
// walk is breadth-first, so a folder is always emitted before anything it
// contains. Items listed directly under root get an empty ParentSourceID.
func Walk(ctx context.Context, req DiscoverRequest, root FolderRef, list Lister) Result[DiscoveryPage] {
	st := walkState{Current: &root}
	if req.PageToken != "" {
		st = walkState{}
		if err := DecodeCursor(req.PageToken, &st); err != nil {
			return FailErr[DiscoveryPage](err)
		}
	}
	var page DiscoveryPage
	for calls := 0; st.Current != nil && calls < maxEmptyListings; calls++ {
		folder := *st.Current
		page.CurrentFolder = folder.ID
		listing, err := list(ctx, folder, st.Page, req.PageSize)
		if err != nil {
			return FailErr[DiscoveryPage](err)
		}
		for _, it := range listing.Items {
			if folder.ID == root.ID {
				it.ParentSourceID = ""
			} else if it.ParentSourceID == "" {
				it.ParentSourceID = folder.ID
			}
			if it.SourcePath == "" {
				it.SourcePath = path.Join("/", folder.Path, it.Name)
			}
			page.Items = append(page.Items, it)
			if it.Type == domain.ItemFolder && req.Recursive && !req.SkipFolders[it.SourceID] {
				st.Queue = append(st.Queue, FolderRef{ID: it.SourceID, Path: it.SourcePath})
			}
		}
		if listing.Next != "" {
			st.Page = listing.Next
		} else {
			page.CompletedFolders = append(page.CompletedFolders, folder.ID)
			st.Page = ""
			st.Current = nil
			for len(st.Queue) > 0 {
				next := st.Queue[0]
				st.Queue = st.Queue[1:]
				if req.SkipFolders[next.ID] {
					continue
				}
				st.Current = &next
				break
			}
		}
		if len(page.Items) > 0 {
			break
		}
	}
	if st.Current == nil {
		return OK(page)
	}
	tok, err := EncodeCursor(st)
	if err != nil {
		return FailErr[DiscoveryPage](err)
	}
	page.NextPageToken = tok
	page.HasMore = true
	return OK(page)
}
