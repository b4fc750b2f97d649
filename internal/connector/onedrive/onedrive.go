// Package onedrive reads OneDrive and SharePoint document libraries through
// Microsoft Graph.
package onedrive

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docmigrate/internal/checksum"
	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

type Connector struct {
	client *connector.RESTClient
	drive  string
	root   string
}

func New(baseURL, token, driveID, root string, httpClient *http.Client) *Connector {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	drive := "me/drive"
	if driveID != "" {
		drive = "drives/" + url.PathEscape(driveID)
	}
	if root == "" {
		root = "root"
	}
	return &Connector{
		client: &connector.RESTClient{BaseURL: baseURL, Token: token, HTTP: httpClient},
		drive:  drive,
		root:   root,
	}
}

func Factory(_ context.Context, s connector.Settings, cred connector.Credential) (connector.Connector, error) {
	if len(cred.Secret) == 0 {
		return nil, domain.Errorf(domain.CodeCredentials, "onedrive requires an access token")
	}
	return New(s.BaseURL, strings.TrimSpace(string(cred.Secret)), s.DriveID, s.SourceLocation, nil), nil
}

func (c *Connector) System() domain.SourceSystem { return domain.SourceOneDrive }

type driveItem struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Size                 int64     `json:"size"`
	ETag                 string    `json:"eTag"`
	CTag                 string    `json:"cTag"`
	CreatedDateTime      time.Time `json:"createdDateTime"`
	LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
	Folder               *struct {
		ChildCount int `json:"childCount"`
	} `json:"folder"`
	File *struct {
		MimeType string `json:"mimeType"`
		Hashes   struct {
			SHA256Hash string `json:"sha256Hash"`
			SHA1Hash   string `json:"sha1Hash"`
		} `json:"hashes"`
	} `json:"file"`
}

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

func (c *Connector) itemPath(id string, rest ...string) string {
	p := c.drive + "/items/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Connector) Discover(ctx context.Context, req connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	return connector.Walk(ctx, req, connector.FolderRef{ID: c.root}, c.list)
}

func (c *Connector) list(ctx context.Context, folder connector.FolderRef, page string, pageSize int) (connector.Listing, error) {
	target := page
	if target == "" {
		q := url.Values{}
		if pageSize > 0 {
			q.Set("$top", strconv.Itoa(pageSize))
		}
		target = c.client.URL(c.itemPath(folder.ID, "children"), q)
	}
	var out childrenPage
	if err := c.client.GetJSON(ctx, target, &out); err != nil {
		return connector.Listing{}, err
	}
	listing := connector.Listing{Next: out.NextLink}
	for _, di := range out.Value {
		listing.Items = append(listing.Items, toItem(di))
	}
	return listing, nil
}

func toItem(di driveItem) domain.MigrationItem {
	it := domain.MigrationItem{
		SourceID: di.ID,
		Name:     di.Name,
		Type:     domain.ItemFile,
		Size:     di.Size,
		ETag:     di.CTag,
	}
	if it.ETag == "" {
		it.ETag = di.ETag
	}
	if !di.CreatedDateTime.IsZero() {
		t := di.CreatedDateTime
		it.SourceCreatedAt = &t
	}
	if !di.LastModifiedDateTime.IsZero() {
		t := di.LastModifiedDateTime
		it.SourceModifiedAt = &t
	}
	if di.Folder != nil {
		it.Type = domain.ItemFolder
		it.Size = 0
		return it
	}
	if di.File != nil {
		it.MimeType = di.File.MimeType
		switch {
		case di.File.Hashes.SHA256Hash != "":
			it.Checksum, it.ChecksumAlgorithm = strings.ToLower(di.File.Hashes.SHA256Hash), checksum.SHA256
		case di.File.Hashes.SHA1Hash != "":
			it.Checksum, it.ChecksumAlgorithm = strings.ToLower(di.File.Hashes.SHA1Hash), checksum.SHA1
		}
	}
	return it
}

func (c *Connector) OpenContent(ctx context.Context, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	res := c.stream(ctx, c.client.URL(c.itemPath(item.SourceID, "content"), nil))
	if res.Success && item.Checksum != "" {
		res.Data.Checksum, res.Data.ChecksumAlgorithm = item.Checksum, item.ChecksumAlgorithm
	}
	return res
}

func (c *Connector) stream(ctx context.Context, rawURL string) connector.Result[connector.StreamedContent] {
	resp, err := c.client.Do(ctx, rawURL)
	if err != nil {
		return connector.FailErr[connector.StreamedContent](err)
	}
	return connector.OK(connector.StreamedContent{
		Body:     resp.Body,
		Size:     connector.ContentLength(resp),
		MimeType: resp.Header.Get("Content-Type"),
	})
}

type identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type identitySet struct {
	User  *identity `json:"user"`
	Group *identity `json:"group"`
}

type permission struct {
	ID            string       `json:"id"`
	Roles         []string     `json:"roles"`
	GrantedToV2   *identitySet `json:"grantedToV2"`
	GrantedTo     *identitySet `json:"grantedTo"`
	InheritedFrom *struct {
		ID string `json:"id"`
	} `json:"inheritedFrom"`
	Link *struct {
		Scope string `json:"scope"`
	} `json:"link"`
}

func (c *Connector) ListPermissions(ctx context.Context, item domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	var out struct {
		Value []permission `json:"value"`
	}
	if err := c.client.GetJSON(ctx, c.client.URL(c.itemPath(item.SourceID, "permissions"), nil), &out); err != nil {
		return connector.FailErr[[]domain.SourcePermission](err)
	}
	var perms []domain.SourcePermission
	for _, p := range out.Value {
		base := domain.SourcePermission{Inherited: p.InheritedFrom != nil}
		switch {
		case p.Link != nil && p.Link.Scope == "anonymous":
			base.PrincipalID, base.PrincipalType = "anyone", domain.PrincipalAnyone
		case p.Link != nil && p.Link.Scope == "organization":
			base.PrincipalID, base.PrincipalType = "organization", domain.PrincipalDomain
		default:
			set := p.GrantedToV2
			if set == nil {
				set = p.GrantedTo
			}
			if set == nil {
				continue
			}
			switch {
			case set.Group != nil:
				base.PrincipalID, base.PrincipalType = set.Group.ID, domain.PrincipalGroup
				base.Email, base.DisplayName = set.Group.Email, set.Group.DisplayName
			case set.User != nil:
				base.PrincipalID, base.PrincipalType = set.User.ID, domain.PrincipalUser
				base.Email, base.DisplayName = set.User.Email, set.User.DisplayName
			default:
				continue
			}
		}
		for _, role := range p.Roles {
			sp := base
			sp.Role = role
			perms = append(perms, sp)
		}
	}
	return connector.OK(perms)
}

// ListVersions returns prior versions oldest first. Graph lists versions
// newest first with the current version on top.
func (c *Connector) ListVersions(ctx context.Context, item domain.MigrationItem) connector.Result[[]connector.Version] {
	var out struct {
		Value []struct {
			ID                   string    `json:"id"`
			Size                 int64     `json:"size"`
			LastModifiedDateTime time.Time `json:"lastModifiedDateTime"`
		} `json:"value"`
	}
	if err := c.client.GetJSON(ctx, c.client.URL(c.itemPath(item.SourceID, "versions"), nil), &out); err != nil {
		return connector.FailErr[[]connector.Version](err)
	}
	var versions []connector.Version
	for i := len(out.Value) - 1; i >= 1; i-- {
		v := out.Value[i]
		mod := v.LastModifiedDateTime
		versions = append(versions, connector.Version{ID: v.ID, Size: v.Size, ModifiedAt: &mod})
	}
	return connector.OK(versions)
}

func (c *Connector) OpenVersion(ctx context.Context, item domain.MigrationItem, v connector.Version) connector.Result[connector.StreamedContent] {
	return c.stream(ctx, c.client.URL(c.itemPath(item.SourceID, "versions", url.PathEscape(v.ID), "content"), nil))
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.VersionLister = (*Connector)(nil)
)
