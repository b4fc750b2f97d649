// Package filenet reads an ECM repository through the CMIS 1.1 browser
// binding exposed by FileNet Content Manager.
package filenet

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

type Connector struct {
	client *connector.RESTClient
	repo   string
	root   string
}

// New connects to repository repo under baseURL. An empty root lists the
// repository root folder.
func New(baseURL, token, repo, root string, httpClient *http.Client) *Connector {
	return &Connector{
		client: &connector.RESTClient{BaseURL: baseURL, Token: token, HTTP: httpClient},
		repo:   repo,
		root:   root,
	}
}

func Factory(_ context.Context, s connector.Settings, cred connector.Credential) (connector.Connector, error) {
	if s.BaseURL == "" || s.Repository == "" {
		return nil, domain.Errorf(domain.CodeBadConfig, "filenet requires base_url and repository")
	}
	c := New(s.BaseURL, "", s.Repository, s.SourceLocation, nil)
	switch strings.ToLower(cred.Scheme) {
	case "basic":
		c.client.Header = http.Header{"Authorization": {"Basic " + string(cred.Secret)}}
	default:
		c.client.Token = strings.TrimSpace(string(cred.Secret))
	}
	return c, nil
}

func (c *Connector) System() domain.SourceSystem { return domain.SourceFileNet }

type cmisObject struct {
	Object struct {
		Properties map[string]any `json:"succinctProperties"`
	} `json:"object"`
}

type childrenResponse struct {
	Objects      []cmisObject `json:"objects"`
	HasMoreItems bool         `json:"hasMoreItems"`
}

func (c *Connector) selector(id, sel string, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if id != "" {
		q.Set("objectId", id)
	}
	q.Set("cmisselector", sel)
	q.Set("succinct", "true")
	return c.client.URL(url.PathEscape(c.repo)+"/root", q)
}

func (c *Connector) Discover(ctx context.Context, req connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	return connector.Walk(ctx, req, connector.FolderRef{ID: c.root}, c.list)
}

func (c *Connector) list(ctx context.Context, folder connector.FolderRef, page string, pageSize int) (connector.Listing, error) {
	if pageSize <= 0 {
		pageSize = domain.DefaultPageSize
	}
	skip := 0
	if page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			return connector.Listing{}, domain.Errorf(domain.CodeBadConfig, "bad skip count %q", page)
		}
		skip = n
	}
	extra := url.Values{}
	extra.Set("maxItems", strconv.Itoa(pageSize))
	extra.Set("skipCount", strconv.Itoa(skip))
	var out childrenResponse
	if err := c.client.GetJSON(ctx, c.selector(folder.ID, "children", extra), &out); err != nil {
		return connector.Listing{}, err
	}
	var listing connector.Listing
	for _, o := range out.Objects {
		listing.Items = append(listing.Items, toItem(o.Object.Properties))
	}
	if out.HasMoreItems {
		listing.Next = strconv.Itoa(skip + len(out.Objects))
	}
	return listing, nil
}

func str(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func num(props map[string]any, key string) (int64, bool) {
	switch v := props[key].(type) {
	case float64:
		return int64(v), true
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f), true
			}
		}
	}
	return 0, false
}

// stamp reads a CMIS datetime, which the browser binding sends as epoch
// milliseconds.
func stamp(props map[string]any, key string) *time.Time {
	ms, ok := num(props, key)
	if !ok {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func toItem(props map[string]any) domain.MigrationItem {
	it := domain.MigrationItem{
		SourceID:         str(props, "cmis:objectId"),
		Name:             str(props, "cmis:name"),
		Type:             domain.ItemFile,
		Size:             -1,
		MimeType:         str(props, "cmis:contentStreamMimeType"),
		ETag:             str(props, "cmis:changeToken"),
		Version:          str(props, "cmis:versionLabel"),
		SourceCreatedAt:  stamp(props, "cmis:creationDate"),
		SourceModifiedAt: stamp(props, "cmis:lastModificationDate"),
	}
	if str(props, "cmis:baseTypeId") == "cmis:folder" {
		it.Type = domain.ItemFolder
		it.Size = 0
		return it
	}
	if n, ok := num(props, "cmis:contentStreamLength"); ok {
		it.Size = n
	}
	return it
}

func (c *Connector) OpenContent(ctx context.Context, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	return c.stream(ctx, item.SourceID)
}

func (c *Connector) stream(ctx context.Context, objectID string) connector.Result[connector.StreamedContent] {
	resp, err := c.client.Do(ctx, c.selector(objectID, "content", nil))
	if err != nil {
		return connector.FailErr[connector.StreamedContent](err)
	}
	return connector.OK(connector.StreamedContent{
		Body:     resp.Body,
		Size:     connector.ContentLength(resp),
		MimeType: resp.Header.Get("Content-Type"),
	})
}

type aclResponse struct {
	Aces []struct {
		Principal struct {
			ID string `json:"principalId"`
		} `json:"principal"`
		Permissions []string `json:"permissions"`
		IsDirect    bool     `json:"isDirect"`
	} `json:"aces"`
}

func (c *Connector) ListPermissions(ctx context.Context, item domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	var out aclResponse
	if err := c.client.GetJSON(ctx, c.selector(item.SourceID, "acl", nil), &out); err != nil {
		return connector.FailErr[[]domain.SourcePermission](err)
	}
	var perms []domain.SourcePermission
	for _, ace := range out.Aces {
		pid := ace.Principal.ID
		ptype := principalType(pid)
		if ptype == domain.PrincipalAnyone {
			pid = "anyone"
		}
		for _, perm := range ace.Permissions {
			perms = append(perms, domain.SourcePermission{
				PrincipalID:   pid,
				PrincipalType: ptype,
				Role:          perm,
				Inherited:     !ace.IsDirect,
			})
		}
	}
	return connector.OK(perms)
}

func principalType(id string) domain.PrincipalType {
	lower := strings.ToLower(id)
	switch {
	case lower == "cmis:anyone" || lower == "anyone" || lower == "#anyone":
		return domain.PrincipalAnyone
	case strings.Contains(lower, "authenticated-users"):
		return domain.PrincipalDomain
	case strings.HasPrefix(lower, "cn=") && strings.Contains(lower, "ou=groups"):
		return domain.PrincipalGroup
	}
	return domain.PrincipalUser
}

// ListVersions returns prior versions oldest first. CMIS returns the
// version series newest first, starting with the current version.
func (c *Connector) ListVersions(ctx context.Context, item domain.MigrationItem) connector.Result[[]connector.Version] {
	if item.Type == domain.ItemFolder {
		return connector.OK([]connector.Version{})
	}
	var out []cmisObject
	if err := c.client.GetJSON(ctx, c.selector(item.SourceID, "versions", nil), &out); err != nil {
		return connector.FailErr[[]connector.Version](err)
	}
	var versions []connector.Version
	for i := len(out) - 1; i >= 1; i-- {
		props := out[i].Object.Properties
		v := connector.Version{ID: str(props, "cmis:objectId"), Size: -1, ModifiedAt: stamp(props, "cmis:lastModificationDate")}
		if n, ok := num(props, "cmis:contentStreamLength"); ok {
			v.Size = n
		}
		versions = append(versions, v)
	}
	return connector.OK(versions)
}

func (c *Connector) OpenVersion(ctx context.Context, _ domain.MigrationItem, v connector.Version) connector.Result[connector.StreamedContent] {
	return c.stream(ctx, v.ID)
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.VersionLister = (*Connector)(nil)
)
