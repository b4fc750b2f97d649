// Package s3 discovers objects in an S3-compatible bucket. Folders do not
// exist in S3; they are synthesized from key prefixes.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"docmigrate/internal/checksum"
	"docmigrate/internal/connector"
	"docmigrate/internal/domain"
)

type Connector struct {
	API    s3iface.S3API
	Bucket string
	// Prefix is the listing root, always empty or ending in "/".
	Prefix string
}

// staticKeys is the JSON credential document accepted by Factory.
type staticKeys struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// Factory builds a connector for a "bucket/prefix" source location.
func Factory(_ context.Context, s connector.Settings, cred connector.Credential) (connector.Connector, error) {
	cfg := &aws.Config{Region: aws.String(s.Region)}
	if s.Endpoint != "" {
		cfg.Endpoint = aws.String(s.Endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if len(cred.Secret) > 0 {
		var keys staticKeys
		if err := json.Unmarshal(cred.Secret, &keys); err != nil {
			return nil, domain.WrapError(domain.CodeCredentials, fmt.Errorf("decode s3 keys: %w", err))
		}
		cfg.Credentials = credentials.NewStaticCredentials(keys.AccessKeyID, keys.SecretAccessKey, keys.SessionToken)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, domain.WrapError(domain.CodeBadConfig, err)
	}
	bucket, prefix := SplitLocation(s.SourceLocation)
	if bucket == "" {
		return nil, domain.Errorf(domain.CodeBadConfig, "source location %q has no bucket", s.SourceLocation)
	}
	return &Connector{API: s3.New(sess), Bucket: bucket, Prefix: prefix}, nil
}

// SplitLocation turns "bucket/some/prefix" into ("bucket", "some/prefix/").
func SplitLocation(loc string) (bucket, prefix string) {
	loc = strings.TrimPrefix(strings.TrimSpace(loc), "s3://")
	bucket, prefix, _ = strings.Cut(strings.Trim(loc, "/"), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix
}

func (c *Connector) System() domain.SourceSystem { return domain.SourceS3 }

// cursor is the listing state carried in page tokens.
type cursor struct {
	Continuation string `cbor:"1,keyasint,omitempty"`
	// PrevKey is the last key emitted, used to decide which synthesized
	// folders were already emitted and which are complete.
	PrevKey string `cbor:"2,keyasint,omitempty"`
}

func (c *Connector) Discover(ctx context.Context, req connector.DiscoverRequest) connector.Result[connector.DiscoveryPage] {
	var cur cursor
	if req.PageToken != "" {
		if err := connector.DecodeCursor(req.PageToken, &cur); err != nil {
			return connector.FailErr[connector.DiscoveryPage](err)
		}
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = domain.DefaultPageSize
	}
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.Bucket),
		Prefix:  aws.String(c.Prefix),
		MaxKeys: aws.Int64(int64(pageSize)),
	}
	if !req.Recursive {
		input.Delimiter = aws.String("/")
	}
	if cur.Continuation != "" {
		input.ContinuationToken = aws.String(cur.Continuation)
	}
	out, err := c.API.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return connector.FailErr[connector.DiscoveryPage](classify(err))
	}

	var page connector.DiscoveryPage
	if !req.Recursive {
		for _, p := range out.CommonPrefixes {
			page.Items = append(page.Items, c.folderItem(aws.StringValue(p.Prefix)))
		}
	}
	prev := cur.PrevKey
	for _, obj := range out.Contents {
		key := aws.StringValue(obj.Key)
		if key == c.Prefix || c.skipped(key, req.SkipFolders) {
			continue
		}
		if req.Recursive {
			page.CompletedFolders = append(page.CompletedFolders, leftFolders(c.ancestors(prev), key)...)
			for _, folder := range c.ancestors(key) {
				if !strings.HasPrefix(prev, folder) {
					page.Items = append(page.Items, c.folderItem(folder))
				}
			}
		}
		if strings.HasSuffix(key, "/") {
			if !strings.HasPrefix(prev, key) {
				page.Items = append(page.Items, c.folderItem(key))
			}
		} else {
			page.Items = append(page.Items, c.objectItem(obj))
		}
		prev = key
		page.CurrentFolder = c.parent(key)
	}

	if aws.BoolValue(out.IsTruncated) && aws.StringValue(out.NextContinuationToken) != "" {
		tok, err := connector.EncodeCursor(cursor{Continuation: aws.StringValue(out.NextContinuationToken), PrevKey: prev})
		if err != nil {
			return connector.FailErr[connector.DiscoveryPage](err)
		}
		page.NextPageToken = tok
		page.HasMore = true
		return connector.OK(page)
	}
	if req.Recursive {
		page.CompletedFolders = append(page.CompletedFolders, leftFolders(c.ancestors(prev), "")...)
	}
	return connector.OK(page)
}

// ancestors returns the folder prefixes of key below the listing root,
// outermost first. A folder marker key is not its own ancestor.
func (c *Connector) ancestors(key string) []string {
	if key == "" {
		return nil
	}
	rel := strings.TrimPrefix(strings.TrimSuffix(key, "/"), c.Prefix)
	parts := strings.Split(rel, "/")
	var out []string
	for i := 1; i < len(parts); i++ {
		out = append(out, c.Prefix+strings.Join(parts[:i], "/")+"/")
	}
	return out
}

// leftFolders returns the folders of the previous key that next does not
// live in; keys are listed in order so those folders are finished.
func leftFolders(prevFolders []string, next string) []string {
	var done []string
	for i := len(prevFolders) - 1; i >= 0; i-- {
		if !strings.HasPrefix(next, prevFolders[i]) {
			done = append(done, prevFolders[i])
		}
	}
	return done
}

func (c *Connector) parent(key string) string {
	anc := c.ancestors(key)
	if len(anc) == 0 {
		return ""
	}
	return anc[len(anc)-1]
}

func (c *Connector) skipped(key string, skip map[string]bool) bool {
	if len(skip) == 0 {
		return false
	}
	for _, folder := range c.ancestors(key) {
		if skip[folder] {
			return true
		}
	}
	return false
}

func (c *Connector) relPath(key string) string {
	return path.Join("/", strings.TrimPrefix(key, c.Prefix))
}

func (c *Connector) folderItem(prefix string) domain.MigrationItem {
	return domain.MigrationItem{
		SourceID:       prefix,
		SourcePath:     c.relPath(prefix),
		Name:           path.Base(strings.TrimSuffix(prefix, "/")),
		Type:           domain.ItemFolder,
		ParentSourceID: c.parent(prefix),
	}
}

func (c *Connector) objectItem(obj *s3.Object) domain.MigrationItem {
	key := aws.StringValue(obj.Key)
	etag := strings.Trim(aws.StringValue(obj.ETag), `"`)
	it := domain.MigrationItem{
		SourceID:         key,
		SourcePath:       c.relPath(key),
		Name:             path.Base(key),
		Type:             domain.ItemFile,
		Size:             aws.Int64Value(obj.Size),
		ETag:             etag,
		SourceModifiedAt: obj.LastModified,
		ParentSourceID:   c.parent(key),
	}
	if sum := etagMD5(etag); sum != "" {
		it.Checksum = sum
		it.ChecksumAlgorithm = checksum.MD5
	}
	return it
}

// etagMD5 returns the ETag when it is a plain MD5; multipart ETags carry a
// part count suffix and are not content digests.
func etagMD5(etag string) string {
	if len(etag) != 32 || strings.Contains(etag, "-") {
		return ""
	}
	return strings.ToLower(etag)
}

func (c *Connector) OpenContent(ctx context.Context, item domain.MigrationItem) connector.Result[connector.StreamedContent] {
	return c.open(ctx, item.SourceID, "")
}

func (c *Connector) open(ctx context.Context, key, versionID string) connector.Result[connector.StreamedContent] {
	input := &s3.GetObjectInput{Bucket: aws.String(c.Bucket), Key: aws.String(key)}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := c.API.GetObjectWithContext(ctx, input)
	if err != nil {
		return connector.FailErr[connector.StreamedContent](classify(err))
	}
	content := connector.StreamedContent{
		Body:     out.Body,
		Size:     -1,
		MimeType: aws.StringValue(out.ContentType),
	}
	if out.ContentLength != nil {
		content.Size = *out.ContentLength
	}
	if sum := etagMD5(strings.Trim(aws.StringValue(out.ETag), `"`)); sum != "" {
		content.Checksum = sum
		content.ChecksumAlgorithm = checksum.MD5
	}
	return connector.OK(content)
}

func (c *Connector) ListPermissions(ctx context.Context, item domain.MigrationItem) connector.Result[[]domain.SourcePermission] {
	if item.Type == domain.ItemFolder {
		return connector.OK([]domain.SourcePermission{})
	}
	out, err := c.API.GetObjectAclWithContext(ctx, &s3.GetObjectAclInput{Bucket: aws.String(c.Bucket), Key: aws.String(item.SourceID)})
	if err != nil {
		return connector.FailErr[[]domain.SourcePermission](classify(err))
	}
	var perms []domain.SourcePermission
	for _, g := range out.Grants {
		if p, ok := grantPermission(g); ok {
			perms = append(perms, p)
		}
	}
	return connector.OK(perms)
}

const (
	allUsersURI      = "http://acs.amazonaws.com/groups/global/AllUsers"
	authenticatedURI = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
)

func grantPermission(g *s3.Grant) (domain.SourcePermission, bool) {
	if g == nil || g.Grantee == nil {
		return domain.SourcePermission{}, false
	}
	p := domain.SourcePermission{Role: aws.StringValue(g.Permission)}
	gr := g.Grantee
	switch aws.StringValue(gr.Type) {
	case s3.TypeCanonicalUser:
		p.PrincipalID = aws.StringValue(gr.ID)
		p.PrincipalType = domain.PrincipalUser
		p.DisplayName = aws.StringValue(gr.DisplayName)
	case s3.TypeAmazonCustomerByEmail:
		p.PrincipalID = aws.StringValue(gr.EmailAddress)
		p.PrincipalType = domain.PrincipalUser
		p.Email = aws.StringValue(gr.EmailAddress)
	case s3.TypeGroup:
		switch aws.StringValue(gr.URI) {
		case allUsersURI:
			p.PrincipalID = "anyone"
			p.PrincipalType = domain.PrincipalAnyone
		case authenticatedURI:
			p.PrincipalID = "aws:authenticated"
			p.PrincipalType = domain.PrincipalDomain
		default:
			p.PrincipalID = aws.StringValue(gr.URI)
			p.PrincipalType = domain.PrincipalGroup
		}
	default:
		return p, false
	}
	return p, p.PrincipalID != ""
}

func (c *Connector) ListVersions(ctx context.Context, item domain.MigrationItem) connector.Result[[]connector.Version] {
	out, err := c.API.ListObjectVersionsWithContext(ctx, &s3.ListObjectVersionsInput{Bucket: aws.String(c.Bucket), Prefix: aws.String(item.SourceID)})
	if err != nil {
		return connector.FailErr[[]connector.Version](classify(err))
	}
	var versions []connector.Version
	for _, v := range out.Versions {
		if aws.StringValue(v.Key) != item.SourceID || aws.BoolValue(v.IsLatest) {
			continue
		}
		versions = append(versions, connector.Version{
			ID:         aws.StringValue(v.VersionId),
			Size:       aws.Int64Value(v.Size),
			Checksum:   etagMD5(strings.Trim(aws.StringValue(v.ETag), `"`)),
			ModifiedAt: v.LastModified,
		})
	}
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i].ModifiedAt, versions[j].ModifiedAt
		return a != nil && b != nil && a.Before(*b)
	})
	return connector.OK(versions)
}

func (c *Connector) OpenVersion(ctx context.Context, item domain.MigrationItem, v connector.Version) connector.Result[connector.StreamedContent] {
	return c.open(ctx, item.SourceID, v.ID)
}

func classify(err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case s3.ErrCodeNoSuchBucket:
			return &domain.MigrationError{Code: domain.CodeBadConfig, Err: err}
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			return &domain.MigrationError{Code: domain.CodeRateLimited, Err: err}
		}
		me := connector.ClassifyStatus(reqErr.StatusCode(), nil, []byte(reqErr.Message()), time.Now())
		me.Err = err
		return me
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return &domain.MigrationError{Code: domain.CodeNotFound, Err: err}
		case "AccessDenied":
			return &domain.MigrationError{Code: domain.CodeDenied, Err: err}
		case request.CanceledErrorCode:
			return &domain.MigrationError{Code: domain.CodeTimeout, Err: err}
		case "SlowDown", "Throttling":
			return &domain.MigrationError{Code: domain.CodeRateLimited, Err: err}
		}
		if orig := awsErr.OrigErr(); orig != nil {
			return connector.ClassifyTransport(orig)
		}
	}
	return connector.ClassifyTransport(err)
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.VersionLister = (*Connector)(nil)
)
