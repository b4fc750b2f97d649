package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"docmigrate/internal/domain"
)

// rateLimitMarkers appear in 403 bodies of providers that throttle with 403.
var rateLimitMarkers = []string{"ratelimitexceeded", "userratelimitexceeded", "rate limit", "throttl", "activitylimitreached"}

// ClassifyStatus maps a non-2xx response onto an error code.
func ClassifyStatus(status int, header http.Header, body []byte, now time.Time) *domain.MigrationError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	code := domain.CodeServerError
	switch {
	case status == http.StatusUnauthorized:
		code = domain.CodeAuthRevoked
	case status == http.StatusForbidden:
		code = domain.CodeDenied
		lower := strings.ToLower(msg)
		for _, marker := range rateLimitMarkers {
			if strings.Contains(lower, marker) {
				code = domain.CodeRateLimited
				break
			}
		}
	case status == http.StatusNotFound || status == http.StatusGone:
		code = domain.CodeNotFound
	case status == http.StatusRequestTimeout:
		code = domain.CodeTimeout
	case status == http.StatusTooManyRequests:
		code = domain.CodeRateLimited
	case status >= 500:
		code = domain.CodeServerError
	case status >= 400:
		code = domain.CodeInvalidItem
	}
	me := &domain.MigrationError{Code: code, Message: fmt.Sprintf("http %d: %s", status, msg)}
	if code == domain.CodeRateLimited || code == domain.CodeServerError {
		me.RetryAfter = RetryAfter(header, now)
	}
	return me
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ClassifyTransport maps a transport failure onto network_error or timeout.
func ClassifyTransport(err error) *domain.MigrationError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.MigrationError{Code: domain.CodeTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &domain.MigrationError{Code: domain.CodeTimeout, Err: err}
	}
	return &domain.MigrationError{Code: domain.CodeNetwork, Err: err}
}

// RESTClient is the small HTTP layer shared by the REST connectors.
type RESTClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Now     func() time.Time
	// Header is added to every request.
	Header http.Header
}

func (c *RESTClient) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// URL resolves path against BaseURL. Absolute URLs (next links) pass through.
func (c *RESTClient) URL(path string, query url.Values) string {
	u := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		u = strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u
}

// Do sends a GET and returns the response when it is 2xx. The caller owns
// the body.
func (c *RESTClient) Do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.WrapError(domain.CodeBadConfig, err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, ClassifyTransport(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, ClassifyStatus(resp.StatusCode, resp.Header, body, c.now())
	}
	return resp, nil
}

// GetJSON fetches rawURL and decodes the JSON body into out.
func (c *RESTClient) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Do(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.MigrationError{Code: domain.CodeServerError, Message: "decode response", Err: err}
	}
	return nil
}

// ContentLength returns the declared length or -1.
func ContentLength(resp *http.Response) int64 {
	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}
	return -1
}
