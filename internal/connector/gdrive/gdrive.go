// Package gdrive reads files from Google Drive through the Drive v3 REST API.
package gdrive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docmigrate/internal/checksum"
	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

const (
	DefaultBaseURL = "https://www.googleapis.com/drive/v3"
	folderMime     = "application/vnd.google-apps.folder"
	nativePrefix   = "application/vnd.google-apps."
	listFields     = "nextPageToken,files(id,name,mimeType,size,md5Checksum,sha256Checksum,createdTime,modifiedTime,version)"
)

// exportFormats maps Google-native documents onto downloadable formats.
var exportFormats = map[string]string{
	"application/vnd.google-apps.document":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.google-apps.spreadsheet":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.google-apps.presentation": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/vnd.google-apps.drawing":      "application/pdf",
}

var exportExtensions = map[string]string{
	"application/vnd.google-apps.document":     ".docx",
	"application/vnd.google-apps.spreadsheet":  ".xlsx",
	"application/vnd.google-apps.presentation": ".pptx",
	"application/vnd.google-apps.drawing":      ".pdf",
}

type Connector struct {
	client *connector.RESTClient
	root   string
}

func New(baseURL, token, root string, httpClient *http.Client) *Connector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if root == "" {
		root = "root"
	}
	return &Connector{
		client: &connector.RESTClient{BaseURL: baseURL, Token: token, HTTP: httpClient},
		root:   root,
	}
}

func Factory(_ context.Context, s connector.Settings, cred connector.Credential) (connector.Connector, error) {
	if len(cred.Secret) == 0 {
		return nil, domain.Errorf(domain.CodeCredentials, "google drive requires an access token")
	}
	return New(s.BaseURL, strings.TrimSpace(string(cred.Secret)), s.SourceLocation, nil), nil
}

func (c *Connector) System() domain.SourceSystem { return domain.SourceGoogleDrive }

type driveFile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	Size           string `json:"size"`
	MD5Checksum    string `json:"md5Checksum"`
	SHA256Checksum string `json:"sha256Checksum"`
	CreatedTime    string `json:"createdTime"`
	ModifiedTime   string `json:"modifiedTime"`
	Version        string `json:"version"`
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

func (c *Connector) Discover(ctx context.Context, req connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	return connector.Walk(ctx, req, connector.FolderRef{ID: c.root}, c.list)
}

func (c *Connector) list(ctx context.Context, folder connector.FolderRef, page string, pageSize int) (connector.Listing, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("'%s' in parents and trashed=false", strings.ReplaceAll(folder.ID, "'", `\'`)))
	q.Set("fields", listFields)
	q.Set("orderBy", "folder,name")
	q.Set("supportsAllDrives", "true")
	q.Set("includeItemsFromAllDrives", "true")
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	if page != "" {
		q.Set("pageToken", page)
	}
	var out fileList
	if err := c.client.GetJSON(ctx, c.client.URL("files", q), &out); err != nil {
		return connector.Listing{}, err
	}
	listing := connector.Listing{Next: out.NextPageToken}
	for _, f := range out.Files {
		listing.Items = append(listing.Items, toItem(f))
	}
	return listing, nil
}

func toItem(f driveFile) domain.MigrationItem {
	it := domain.MigrationItem{
		SourceID: f.ID,
		Name:     f.Name,
		Type:     domain.ItemFile,
		Size:     -1,
		MimeType: f.MimeType,
		Version:  f.Version,
	}
	if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		it.SourceCreatedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		it.SourceModifiedAt = &t
	}
	switch {
	case f.MimeType == folderMime:
		it.Type = domain.ItemFolder
		it.Size = 0
	case strings.HasPrefix(f.MimeType, nativePrefix):
		// Native documents have no stored bytes; the export is produced on
		// request so neither size nor checksum is known upfront.
		if ext, ok := exportExtensions[f.MimeType]; ok && !strings.HasSuffix(strings.ToLower(f.Name), ext) {
			it.Name += ext
		}
		it.ETag = f.Version
	default:
		if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			it.Size = n
		}
		switch {
		case f.SHA256Checksum != "":
			it.Checksum, it.ChecksumAlgorithm = f.SHA256Checksum, checksum.SHA256
		case f.MD5Checksum != "":
			it.Checksum, it.ChecksumAlgorithm = f.MD5Checksum, checksum.MD5
		}
	}
	return it
}

// exportFormat returns the download format of a Google-native document.
func exportFormat(item domain.MigrationItem) (string, bool) {
	if !strings.HasPrefix(item.MimeType, nativePrefix) {
		return "", false
	}
	mt, ok := exportFormats[item.MimeType]
	if !ok {
		mt = "application/pdf"
	}
	return mt, true
}

func (c *Connector) OpenContent(ctx context.Context, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	q := url.Values{}
	q.Set("supportsAllDrives", "true")
	path := "files/" + url.PathEscape(item.SourceID)
	if mt, native := exportFormat(item); native {
		q.Set("mimeType", mt)
		path += "/export"
	} else {
		q.Set("alt", "media")
	}
	return c.stream(ctx, c.client.URL(path, q), item)
}

func (c *Connector) stream(ctx context.Context, rawURL string, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	resp, err := c.client.Do(ctx, rawURL)
	if err != nil {
		return connector.FailErr[connector.StreamedContent](err)
	}
	content := connector.StreamedContent{
		Body:     resp.Body,
		Size:     connector.ContentLength(resp),
		MimeType: resp.Header.Get("Content-Type"),
	}
	if item.Checksum != "" {
		content.Checksum, content.ChecksumAlgorithm = item.Checksum, item.ChecksumAlgorithm
	}
	return connector.OK(content)
}

type permissionList struct {
	Permissions []struct {
		ID                string `json:"id"`
		Type              string `json:"type"`
		EmailAddress      string `json:"emailAddress"`
		Domain            string `json:"domain"`
		Role              string `json:"role"`
		DisplayName       string `json:"displayName"`
		PermissionDetails []struct {
			Inherited bool `json:"inherited"`
		} `json:"permissionDetails"`
	} `json:"permissions"`
	NextPageToken string `json:"nextPageToken"`
}

func (c *Connector) ListPermissions(ctx context.Context, item domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	var perms []domain.SourcePermission
	page := ""
	for {
		q := url.Values{}
		q.Set("fields", "nextPageToken,permissions(id,type,emailAddress,domain,role,displayName,permissionDetails(inherited))")
		q.Set("supportsAllDrives", "true")
		if page != "" {
			q.Set("pageToken", page)
		}
		var out permissionList
		if err := c.client.GetJSON(ctx, c.client.URL("files/"+url.PathEscape(item.SourceID)+"/permissions", q), &out); err != nil {
			return connector.FailErr[[]domain.SourcePermission](err)
		}
		for _, p := range out.Permissions {
			sp := domain.SourcePermission{
				PrincipalID:   p.EmailAddress,
				PrincipalType: domain.PrincipalType(p.Type),
				Email:         p.EmailAddress,
				DisplayName:   p.DisplayName,
				Role:          p.Role,
			}
			switch sp.PrincipalType {
			case domain.PrincipalDomain:
				sp.PrincipalID = p.Domain
			case domain.PrincipalAnyone:
				sp.PrincipalID = "anyone"
			}
			if sp.PrincipalID == "" {
				sp.PrincipalID = p.ID
			}
			for _, d := range p.PermissionDetails {
				if d.Inherited {
					sp.Inherited = true
				}
			}
			if sp.PrincipalType.Valid() {
				perms = append(perms, sp)
			}
		}
		if out.NextPageToken == "" {
			return connector.OK(perms)
		}
		page = out.NextPageToken
	}
}

type revisionList struct {
	Revisions []struct {
		ID           string `json:"id"`
		ModifiedTime string `json:"modifiedTime"`
		Size         string `json:"size"`
		MD5Checksum  string `json:"md5Checksum"`
	} `json:"revisions"`
}

// ListVersions returns prior revisions oldest first; the head revision is
// excluded because it is the item itself.
func (c *Connector) ListVersions(ctx context.Context, item domain.MigrationItem) connector.Result[[]connector.Version] {
	if _, native := exportFormat(item); native {
		return connector.OK([]connector.Version{})
	}
	q := url.Values{}
	q.Set("fields", "revisions(id,modifiedTime,size,md5Checksum)")
	var out revisionList
	if err := c.client.GetJSON(ctx, c.client.URL("files/"+url.PathEscape(item.SourceID)+"/revisions", q), &out); err != nil {
		return connector.FailErr[[]connector.Version](err)
	}
	var versions []connector.Version
	for i, r := range out.Revisions {
		if i == len(out.Revisions)-1 {
			break
		}
		v := connector.Version{ID: r.ID, Size: -1, Checksum: r.MD5Checksum}
		if n, err := strconv.ParseInt(r.Size, 10, 64); err == nil {
			v.Size = n
		}
		if t, err := time.Parse(time.RFC3339, r.ModifiedTime); err == nil {
			v.ModifiedAt = &t
		}
		versions = append(versions, v)
	}
	return connector.OK(versions)
}

func (c *Connector) OpenVersion(ctx context.Context, item domain.MigrationItem, v connector.Version) connector.Result[connector.StreamedContent] {
	q := url.Values{}
	q.Set("alt", "media")
	res := c.stream(ctx, c.client.URL("files/"+url.PathEscape(item.SourceID)+"/revisions/"+url.PathEscape(v.ID), q), domain.MigrationItem{})
	if res.Success && v.Checksum != "" {
		res.Data.Checksum, res.Data.ChecksumAlgorithm = v.Checksum, checksum.MD5
	}
	return res
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.VersionLister = (*Connector)(nil)
)
