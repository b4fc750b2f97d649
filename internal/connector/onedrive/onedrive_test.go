package onedrive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

func TestDiscoverFollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/drives/d1/items/root/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") == "1" {
			fmt.Fprint(w, `{"value":[{"id":"f2","name":"b.txt","size":3,"cTag":"c2","file":{"mimeType":"text/plain","hashes":{"sha1Hash":"A9993E364706816ABA3E25717850C26C9CD0D89D"}}}]}`)
			return
		}
		fmt.Fprintf(w, `{"value":[{"id":"dir","name":"Docs","folder":{"childCount":1}}],"@odata.nextLink":"%s/drives/d1/items/root/children?skip=1"}`, srv.URL)
	})
	mux.HandleFunc("/drives/d1/items/dir/children", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"f1","name":"a.txt","size":3,"file":{"mimeType":"text/plain","hashes":{"sha256Hash":"BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"}}}]}`)
	})
	mux.HandleFunc("/drives/d1/items/f1/content", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("abc"))
	})
	mux.HandleFunc("/drives/d1/items/f1/permissions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[
			{"id":"p1","roles":["owner"],"grantedToV2":{"user":{"id":"u1","email":"ann@contoso.com"}}},
			{"id":"p2","roles":["read"],"link":{"scope":"anonymous"}},
			{"id":"p3","roles":["write"],"grantedToV2":{"group":{"id":"g1"}},"inheritedFrom":{"id":"dir"}}]}`)
	})
	mux.HandleFunc("/drives/d1/items/f1/versions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"id":"3.0","size":3},{"id":"2.0","size":2},{"id":"1.0","size":1}]}`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "tok", "d1", "", srv.Client())
	ctx := context.Background()
	req := connector.DiscoverRequest{PageSize: 1, Recursive: true}
	var items []domain.MigrationItem
	for i := 0; i < 10; i++ {
		res := c.Discover(ctx, req)
		if !res.Success {
			t.Fatalf("discover: %v", res.Err())
		}
		items = append(items, res.Data.Items...)
		if res.Data.Last() {
			break
		}
		req.PageToken = res.Data.NextPageToken
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %+v", items)
	}
	if items[1].ChecksumAlgorithm != "sha1" || items[1].ETag != "c2" {
		t.Fatalf("sha1 item %+v", items[1])
	}
	f1 := items[2]
	if f1.ParentSourceID != "dir" || f1.ChecksumAlgorithm != "sha256" || f1.Checksum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("nested item %+v", f1)
	}

	res := c.OpenContent(ctx, f1)
	if !res.Success {
		t.Fatalf("open: %v", res.Err())
	}
	data, _ := io.ReadAll(res.Data.Body)
	res.Data.Body.Close()
	if string(data) != "abc" || res.Data.ChecksumAlgorithm != "sha256" {
		t.Fatalf("content %q %+v", data, res.Data)
	}

	perms := c.ListPermissions(ctx, f1)
	if !perms.Success || len(perms.Data) != 3 {
		t.Fatalf("permissions %+v", perms)
	}
	if perms.Data[1].PrincipalType != domain.PrincipalAnyone || !perms.Data[2].Inherited || perms.Data[2].PrincipalType != domain.PrincipalGroup {
		t.Fatalf("permission mapping %+v", perms.Data)
	}

	versions := c.ListVersions(ctx, f1)
	if !versions.Success || len(versions.Data) != 2 || versions.Data[0].ID != "1.0" {
		t.Fatalf("versions %+v", versions)
	}
}
