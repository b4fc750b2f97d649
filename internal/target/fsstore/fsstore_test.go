package fsstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"docmigrate/internal/checksum"
	"docmigrate/internal/domain"
	"docmigrate/internal/target"
)

func newTestStore(t *testing.T, compression string) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{Compression: compression, Now: func() time.Time {
		return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	}})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func readAll(t *testing.T, s *Store, id string, version int) string {
	t.Helper()
	rc, err := s.Open(context.Background(), id, version)
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	return string(data)
}

func TestPutVersionAndFind(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			s := newTestStore(t, compression)
			ctx := context.Background()
			root, err := s.EnsureRoot(ctx, "archive/2026/")
			if err != nil {
				t.Fatalf("root: %v", err)
			}
			again, err := s.EnsureRoot(ctx, "/archive/2026")
			if err != nil || again.ID != root.ID || again.RootID != root.ID {
				t.Fatalf("root not reused: %+v err=%v", again, err)
			}
			dir, err := s.CreateFolder(ctx, root.ID, "docs")
			if err != nil {
				t.Fatalf("folder: %v", err)
			}
			obj, err := s.Put(ctx, target.PutRequest{ParentID: dir.ID, Name: "a.txt", Body: strings.NewReader("hello")})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if obj.Size != 5 || obj.Version != 1 || obj.RootID != root.ID || obj.Checksum(checksum.MD5) != "5d41402abc4b2a76b9719d911017c592" {
				t.Fatalf("object %+v", obj)
			}
			if got := readAll(t, s, obj.ID, 0); got != "hello" {
				t.Fatalf("content %q", got)
			}

			v2, err := s.PutVersion(ctx, obj.ID, target.PutRequest{Body: strings.NewReader("hello, world")})
			if err != nil || v2.Version != 2 || v2.Size != 12 {
				t.Fatalf("version %+v err=%v", v2, err)
			}
			if got := readAll(t, s, obj.ID, 1); got != "hello" {
				t.Fatalf("old version %q", got)
			}

			if _, ok, _ := s.FindByChecksum(ctx, root.ID, "MD5", "5d41402abc4b2a76b9719d911017c592"); ok {
				t.Fatalf("only the current version is matched")
			}
			hit, ok, err := s.FindByChecksum(ctx, root.ID, checksum.SHA256, v2.Checksum(checksum.SHA256))
			if err != nil || !ok || hit.ID != obj.ID {
				t.Fatalf("find by checksum %+v ok=%t err=%v", hit, ok, err)
			}
			other, _ := s.EnsureRoot(ctx, "/elsewhere")
			if _, ok, _ := s.FindByChecksum(ctx, other.ID, checksum.SHA256, v2.Checksum(checksum.SHA256)); ok {
				t.Fatalf("checksum search must stay inside the root")
			}
		})
	}
}

func TestNamesAndConflicts(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	root, _ := s.EnsureRoot(ctx, "/t")
	if _, err := s.Put(ctx, target.PutRequest{ParentID: root.ID, Name: "r.pdf", Body: strings.NewReader("1")}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := s.Put(ctx, target.PutRequest{ParentID: root.ID, Name: "r.pdf", Body: strings.NewReader("2")})
	if domain.CodeOf(err) != domain.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	name, err := s.UniqueName(ctx, root.ID, "r.pdf")
	if err != nil || name != "r (1).pdf" {
		t.Fatalf("unique name %q err=%v", name, err)
	}
	if _, err := s.Put(ctx, target.PutRequest{ParentID: "missing", Name: "x", Body: strings.NewReader("")}); domain.CodeOf(err) != domain.CodeNoParent {
		t.Fatalf("expected unresolved parent, got %v", err)
	}
	if _, err := s.Stat(ctx, "missing"); err != target.ErrNotFound {
		t.Fatalf("stat missing: %v", err)
	}
}

func TestGrantsUpsert(t *testing.T) {
	s := newTestStore(t, "")
	ctx := context.Background()
	root, _ := s.EnsureRoot(ctx, "/t")
	grants := []domain.Grant{
		{PrincipalID: "bob", PrincipalType: domain.PrincipalUser, Role: domain.RoleViewer},
		{PrincipalID: "eng", PrincipalType: domain.PrincipalGroup, Role: domain.RoleEditor},
	}
	if err := s.ApplyGrants(ctx, root.ID, grants); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.ApplyGrants(ctx, root.ID, []domain.Grant{{PrincipalID: "bob", PrincipalType: domain.PrincipalUser, Role: domain.RoleOwner}}); err != nil {
		t.Fatalf("apply again: %v", err)
	}
	got, err := s.Grants(ctx, root.ID)
	if err != nil || len(got) != 2 {
		t.Fatalf("grants %+v err=%v", got, err)
	}
	if got[0].PrincipalID != "eng" || got[1].Role != domain.RoleOwner {
		t.Fatalf("grants %+v", got)
	}
}
