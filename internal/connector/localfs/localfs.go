// Package localfs discovers files below a local directory.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

const rootID = "."

type Connector struct {
	Root string
}

func New(root string) (*Connector, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, classify(err)
	}
	if !info.IsDir() {
		return nil, domain.Errorf(domain.CodeBadConfig, "%s is not a directory", root)
	}
	return &Connector{Root: root}, nil
}

// Factory opens a connector rooted at the job's source location.
func Factory(_ context.Context, s connector.Settings, _ connector.Credential) (connector.Connector, error) {
	return New(s.SourceLocation)
}

func (c *Connector) System() domain.SourceSystem { return domain.SourceLocal }

func (c *Connector) Discover(ctx context.Context, req connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	return connector.Walk(ctx, req, connector.FolderRef{ID: rootID}, c.list)
}

func (c *Connector) list(ctx context.Context, folder connector.FolderRef, page string, pageSize int) (connector.Listing, error) {
	if err := ctx.Err(); err != nil {
		return connector.Listing{}, connector.ClassifyTransport(err)
	}
	entries, err := os.ReadDir(c.abs(folder.ID))
	if err != nil {
		return connector.Listing{}, classify(err)
	}
	offset := 0
	if page != "" {
		if offset, err = strconv.Atoi(page); err != nil {
			return connector.Listing{}, domain.Errorf(domain.CodeBadConfig, "bad page offset %q", page)
		}
	}
	if pageSize <= 0 {
		pageSize = domain.DefaultPageSize
	}
	var out connector.Listing
	end := offset + pageSize
	if end < len(entries) {
		out.Next = strconv.Itoa(end)
	} else {
		end = len(entries)
	}
	for _, e := range entries[min(offset, end):end] {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return connector.Listing{}, classify(err)
		}
		out.Items = append(out.Items, c.item(folder, info))
	}
	return out, nil
}

func (c *Connector) item(folder connector.FolderRef, info fs.FileInfo) domain.MigrationItem {
	id := info.Name()
	if folder.ID != rootID {
		id = path.Join(folder.ID, info.Name())
	}
	mod := info.ModTime().UTC()
	it := domain.MigrationItem{
		SourceID:         id,
		Name:             info.Name(),
		Type:             domain.ItemFile,
		Size:             info.Size(),
		SourceModifiedAt: &mod,
		ETag:             fmt.Sprintf("%d-%d", mod.UnixNano(), info.Size()),
	}
	if info.IsDir() {
		it.Type = domain.ItemFolder
		it.Size = 0
		it.ETag = ""
	} else {
		it.MimeType = mime.TypeByExtension(filepath.Ext(info.Name()))
	}
	return it
}

func (c *Connector) OpenContent(ctx context.Context, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	f, err := os.Open(c.abs(item.SourceID))
	if err != nil {
		return connector.FailErr[connector.StreamedContent](classify(err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return connector.FailErr[connector.StreamedContent](classify(err))
	}
	if info.IsDir() {
		f.Close()
		return connector.Fail[connector.StreamedContent](domain.CodeInvalidItem, item.SourceID+" is a directory")
	}
	return connector.OK(connector.StreamedContent{
		Body:     f,
		Size:     info.Size(),
		MimeType: item.MimeType,
	})
}

func (c *Connector) ListPermissions(ctx context.Context, item domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	info, err := os.Stat(c.abs(item.SourceID))
	if err != nil {
		return connector.FailErr[[]domain.SourcePermission](classify(err))
	}
	return connector.OK(permissions(info))
}

func (c *Connector) abs(id string) string {
	return filepath.Join(c.Root, filepath.FromSlash(id))
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &domain.MigrationError{Code: domain.CodeNotFound, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &domain.MigrationError{Code: domain.CodeDenied, Err: err}
	}
	return &domain.MigrationError{Code: domain.CodeInternal, Err: err}
}
