//go:build !unix

package localfs

import (
	"io/fs"

	"docmigrate/internal/domain"
)

func permissions(fs.FileInfo) []domain.SourcePermission { return nil }
